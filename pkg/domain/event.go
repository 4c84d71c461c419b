// Package domain holds the data contract shared by the three pipeline
// stages: the canonical blockchain event, the endpoint configuration read
// from the config store, and the delivery job that travels between the
// processor and the delivery workers.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is a canonical, decoded blockchain log.
//
// Events are produced by the ingestor from provider frames, published to
// the events:{chain_id} stream, and carried inside delivery jobs so the
// delivery workers never need a second store round-trip.
type Event struct {
	ChainID         uint64   `json:"chain_id"`
	BlockNumber     uint64   `json:"block_number"`
	BlockHash       string   `json:"block_hash"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint32   `json:"log_index"`
	ContractAddress string   `json:"contract_address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	Timestamp       int64    `json:"timestamp"`
	Removed         bool     `json:"removed,omitempty"`
}

// Identity returns the dedup key for this event. Two events with the same
// identity are the same log; content may only differ in the removed flag.
func (e *Event) Identity() string {
	return fmt.Sprintf("event:%d:%s:%s:%d", e.ChainID, e.BlockHash, e.TransactionHash, e.LogIndex)
}

// StreamName returns the bus stream this event belongs to, e.g. "events:1".
func (e *Event) StreamName() string {
	return fmt.Sprintf("events:%d", e.ChainID)
}

// Normalize lowercases the hex-encoded fields so address and topic
// comparison downstream is byte equality.
func (e *Event) Normalize() {
	e.BlockHash = strings.ToLower(e.BlockHash)
	e.TransactionHash = strings.ToLower(e.TransactionHash)
	e.ContractAddress = strings.ToLower(e.ContractAddress)
	e.Data = strings.ToLower(e.Data)
	for i, t := range e.Topics {
		e.Topics[i] = strings.ToLower(t)
	}
}

// BusFields flattens the event into stream record fields. Topics are
// carried as a JSON array; everything else is a plain string.
func (e *Event) BusFields() (map[string]interface{}, error) {
	topicsJSON, err := json.Marshal(e.Topics)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize topics: %w", err)
	}

	fields := map[string]interface{}{
		"chain_id":     strconv.FormatUint(e.ChainID, 10),
		"block_number": strconv.FormatUint(e.BlockNumber, 10),
		"block_hash":   e.BlockHash,
		"tx_hash":      e.TransactionHash,
		"log_index":    strconv.FormatUint(uint64(e.LogIndex), 10),
		"contract":     e.ContractAddress,
		"topics":       string(topicsJSON),
		"data":         e.Data,
		"timestamp":    strconv.FormatInt(e.Timestamp, 10),
	}
	if e.Removed {
		fields["removed"] = "1"
	}
	return fields, nil
}

// EventFromBusFields reconstructs an Event from stream record fields.
// Missing or malformed required fields are decode errors; the caller is
// expected to ack and drop such records.
func EventFromBusFields(fields map[string]interface{}) (*Event, error) {
	get := func(key string) (string, error) {
		v, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("missing field %q", key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", key)
		}
		return s, nil
	}

	e := &Event{}

	chainID, err := get("chain_id")
	if err != nil {
		return nil, err
	}
	if e.ChainID, err = strconv.ParseUint(chainID, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid chain_id %q: %w", chainID, err)
	}

	blockNumber, err := get("block_number")
	if err != nil {
		return nil, err
	}
	if e.BlockNumber, err = strconv.ParseUint(blockNumber, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid block_number %q: %w", blockNumber, err)
	}

	if e.BlockHash, err = get("block_hash"); err != nil {
		return nil, err
	}
	if e.TransactionHash, err = get("tx_hash"); err != nil {
		return nil, err
	}

	logIndex, err := get("log_index")
	if err != nil {
		return nil, err
	}
	idx, err := strconv.ParseUint(logIndex, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid log_index %q: %w", logIndex, err)
	}
	e.LogIndex = uint32(idx)

	if e.ContractAddress, err = get("contract"); err != nil {
		return nil, err
	}

	topicsJSON, err := get("topics")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topicsJSON), &e.Topics); err != nil {
		return nil, fmt.Errorf("failed to parse topics: %w", err)
	}

	if e.Data, err = get("data"); err != nil {
		return nil, err
	}

	timestamp, err := get("timestamp")
	if err != nil {
		return nil, err
	}
	if e.Timestamp, err = strconv.ParseInt(timestamp, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}

	if removed, ok := fields["removed"].(string); ok && removed == "1" {
		e.Removed = true
	}

	return e, nil
}

// ParseHexUint64 parses a 0x-prefixed hex quantity as used by the
// Ethereum JSON-RPC wire format.
func ParseHexUint64(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("hex quantity %q missing 0x prefix", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex quantity %q: %w", s, err)
	}
	return v, nil
}

// FormatHexUint64 formats a quantity as 0x-prefixed hex.
func FormatHexUint64(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
