package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/pkg/domain"
)

const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// stubSource returns a fixed candidate set, recording the queried key
type stubSource struct {
	endpoints []*domain.Endpoint
	err       error

	lastChainID uint64
	lastAddress string
}

func (s *stubSource) EndpointsMatching(ctx context.Context, chainID uint64, contractAddress string) ([]*domain.Endpoint, error) {
	s.lastChainID = chainID
	s.lastAddress = contractAddress
	return s.endpoints, s.err
}

func matchEvent() *domain.Event {
	return &domain.Event{
		ChainID:         1,
		BlockNumber:     100,
		BlockHash:       "0xaaa",
		TransactionHash: "0xbbb",
		LogIndex:        0,
		ContractAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Topics:          []string{transferTopic},
		Data:            "0x",
	}
}

func TestMatchAppliesTopicFilter(t *testing.T) {
	wildcard := &domain.Endpoint{ID: uuid.New()}
	transferOnly := &domain.Endpoint{ID: uuid.New(), EventSignatures: []string{transferTopic}}
	otherTopic := &domain.Endpoint{ID: uuid.New(), EventSignatures: []string{"0x1111111111111111111111111111111111111111111111111111111111111111"}}

	source := &stubSource{endpoints: []*domain.Endpoint{wildcard, transferOnly, otherTopic}}
	m := NewMatcher(source)

	matched, err := m.Match(context.Background(), matchEvent())
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, wildcard.ID, matched[0].ID)
	assert.Equal(t, transferOnly.ID, matched[1].ID)

	assert.Equal(t, uint64(1), source.lastChainID)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", source.lastAddress, "address lowercased for the store")
}

func TestMatchTopiclessEvent(t *testing.T) {
	wildcard := &domain.Endpoint{ID: uuid.New()}
	filtered := &domain.Endpoint{ID: uuid.New(), EventSignatures: []string{transferTopic}}
	source := &stubSource{endpoints: []*domain.Endpoint{wildcard, filtered}}
	m := NewMatcher(source)

	event := matchEvent()
	event.Topics = nil

	matched, err := m.Match(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, wildcard.ID, matched[0].ID)
}

func TestMatchPropagatesStoreErrors(t *testing.T) {
	source := &stubSource{err: errors.New("store down")}
	m := NewMatcher(source)

	_, err := m.Match(context.Background(), matchEvent())
	assert.Error(t, err)
}
