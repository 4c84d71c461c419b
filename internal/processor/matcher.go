// Package processor consumes ingested events, resolves the endpoints
// subscribed to each one, and fans out delivery jobs onto the sharded
// delivery streams.
package processor

import (
	"context"
	"strings"

	"github.com/ethhook/ethhook/pkg/configstore"
	"github.com/ethhook/ethhook/pkg/domain"
)

// Matcher resolves the endpoints an event should be delivered to. The
// (chain, contract) filter is pushed into the store query; the topic0
// filter is applied here because topics don't index well across SQL
// arrays.
type Matcher struct {
	store configstore.EndpointSource
}

// NewMatcher wraps an endpoint source, typically the caching store
func NewMatcher(store configstore.EndpointSource) *Matcher {
	return &Matcher{store: store}
}

// Match returns all active endpoints whose filters accept the event
func (m *Matcher) Match(ctx context.Context, event *domain.Event) ([]*domain.Endpoint, error) {
	candidates, err := m.store.EndpointsMatching(ctx, event.ChainID, strings.ToLower(event.ContractAddress))
	if err != nil {
		return nil, err
	}

	topic0 := ""
	if len(event.Topics) > 0 {
		topic0 = event.Topics[0]
	}

	var matched []*domain.Endpoint
	for _, endpoint := range candidates {
		if endpoint.MatchesTopic(topic0) {
			matched = append(matched, endpoint)
		}
	}
	return matched, nil
}
