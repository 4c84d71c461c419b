package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Endpoint is a user-registered webhook destination with its filter
// criteria. The pipeline reads endpoints from the config store; mutations
// happen through the admin API, which is outside this repository.
type Endpoint struct {
	ID            uuid.UUID `db:"id"`
	ApplicationID uuid.UUID `db:"application_id"`
	UserID        uuid.UUID `db:"user_id"`
	WebhookURL    string    `db:"webhook_url"`
	HMACSecret    string    `db:"hmac_secret"`

	// Filter criteria. Empty ChainIDs/ContractAddresses/EventSignatures
	// mean "match all" for that dimension.
	ChainIDs          []int64  `db:"chain_ids"`
	ContractAddresses []string `db:"contract_addresses"`
	EventSignatures   []string `db:"event_signatures"`

	IsActive bool `db:"is_active"`

	// Delivery tuning
	RateLimitPerSecond int `db:"rate_limit_per_second"`
	MaxRetries         int `db:"max_retries"`
	TimeoutSeconds     int `db:"timeout_seconds"`
}

// MatchesTopic reports whether the endpoint's event signature filter
// accepts the given topic0. An empty filter accepts everything. Comparison
// is case-insensitive; signatures in the store may be mixed case.
func (e *Endpoint) MatchesTopic(topic0 string) bool {
	if len(e.EventSignatures) == 0 {
		return true
	}
	if topic0 == "" {
		return false
	}
	t := strings.ToLower(topic0)
	for _, sig := range e.EventSignatures {
		if strings.ToLower(sig) == t {
			return true
		}
	}
	return false
}
