package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DeliveryJob is one webhook delivery attempt scheduled for an endpoint.
// Jobs carry the full event payload plus the endpoint's delivery settings
// so the delivery workers avoid a config-store round-trip on the hot path.
// The endpoint is still revalidated for existence/activity before sending.
type DeliveryJob struct {
	JobID         uuid.UUID `json:"job_id"`
	EventID       uuid.UUID `json:"event_id"`
	EndpointID    uuid.UUID `json:"endpoint_id"`
	ApplicationID uuid.UUID `json:"application_id"`

	URL        string `json:"url"`
	HMACSecret string `json:"hmac_secret"`

	Event Event `json:"event"`

	// Attempt is 1-indexed and strictly increasing per JobID.
	Attempt    int   `json:"attempt"`
	MaxRetries int   `json:"max_retries"`
	NotBefore  int64 `json:"not_before"` // unix seconds

	TimeoutSeconds     int `json:"timeout_seconds"`
	RateLimitPerSecond int `json:"rate_limit_per_second"`
}

// ShardStream returns the delivery stream this job is routed to.
func ShardStream(shard uint32) string {
	return fmt.Sprintf("deliveries:%d", shard)
}

// NotBeforeTime returns NotBefore as a time.Time.
func (j *DeliveryJob) NotBeforeTime() time.Time {
	return time.Unix(j.NotBefore, 0)
}

// BusFields flattens the job into stream record fields. The event payload
// is embedded as JSON under "payload".
func (j *DeliveryJob) BusFields() (map[string]interface{}, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize delivery job: %w", err)
	}
	return map[string]interface{}{
		"job_id":      j.JobID.String(),
		"endpoint_id": j.EndpointID.String(),
		"attempt":     strconv.Itoa(j.Attempt),
		"not_before":  strconv.FormatInt(j.NotBefore, 10),
		"payload":     string(payload),
	}, nil
}

// JobFromBusFields reconstructs a DeliveryJob from stream record fields.
func JobFromBusFields(fields map[string]interface{}) (*DeliveryJob, error) {
	raw, ok := fields["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("missing payload field")
	}
	var job DeliveryJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to parse delivery job: %w", err)
	}
	if job.Attempt < 1 {
		return nil, fmt.Errorf("invalid attempt %d", job.Attempt)
	}
	return &job, nil
}

// ErrorKind classifies delivery outcomes per the pipeline error taxonomy.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindEndpoint  ErrorKind = "endpoint"  // 4xx from receiver
	ErrorKindReceiver  ErrorKind = "receiver"  // 5xx from receiver
	ErrorKindExhausted ErrorKind = "exhausted" // retries exhausted
)

// DeliveryRecord is the per-attempt outcome appended to the event store.
type DeliveryRecord struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	EventID      uuid.UUID
	EndpointID   uuid.UUID
	Attempt      int
	HTTPStatus   int
	LatencyMS    int64
	ErrorKind    ErrorKind
	ErrorMessage string
	ResponseBody string
	Success      bool
	FinalizedAt  time.Time
	NextRetryAt  *time.Time
}
