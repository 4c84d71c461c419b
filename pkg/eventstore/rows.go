package eventstore

import (
	"strings"

	"github.com/ethhook/ethhook/pkg/domain"
)

// EventRow is one row in the events table. Topics are flattened into
// fixed columns so they can be filtered without array functions.
type EventRow struct {
	ChainID         uint64 `json:"chain_id"`
	BlockNumber     uint64 `json:"block_number"`
	BlockHash       string `json:"block_hash"`
	TransactionHash string `json:"transaction_hash"`
	LogIndex        uint32 `json:"log_index"`
	ContractAddress string `json:"contract_address"`
	Topic0          string `json:"topic0"`
	Topic1          string `json:"topic1"`
	Topic2          string `json:"topic2"`
	Topic3          string `json:"topic3"`
	Data            string `json:"data"`
	BlockTimestamp  int64  `json:"block_timestamp"`
	Removed         uint8  `json:"removed"`
	IngestedAt      int64  `json:"ingested_at"`

	// ProcessingError marks a dead record: a bus entry that could not be
	// decoded back into an event. SourceRecord points at the stream entry
	// so the record can be inspected; the log columns are left empty.
	ProcessingError string `json:"processing_error"`
	SourceRecord    string `json:"source_record"`
}

// EventRowFrom flattens an event into its archive row
func EventRowFrom(event *domain.Event, ingestedAt int64) EventRow {
	row := EventRow{
		ChainID:         event.ChainID,
		BlockNumber:     event.BlockNumber,
		BlockHash:       strings.ToLower(event.BlockHash),
		TransactionHash: strings.ToLower(event.TransactionHash),
		LogIndex:        event.LogIndex,
		ContractAddress: strings.ToLower(event.ContractAddress),
		Data:            event.Data,
		BlockTimestamp:  event.Timestamp,
		IngestedAt:      ingestedAt,
	}
	if event.Removed {
		row.Removed = 1
	}

	topics := []*string{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i, topic := range event.Topics {
		if i >= len(topics) {
			break
		}
		*topics[i] = strings.ToLower(topic)
	}
	return row
}

// DiagnosticRow builds the dead-record entry for a bus record that
// failed to decode
func DiagnosticRow(stream, recordID, cause string, ingestedAt int64) EventRow {
	return EventRow{
		ProcessingError: cause,
		SourceRecord:    stream + "/" + recordID,
		IngestedAt:      ingestedAt,
	}
}

// DeliveryRow is one row in the delivery_attempts table
type DeliveryRow struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	EventID      string `json:"event_id"`
	EndpointID   string `json:"endpoint_id"`
	Attempt      int    `json:"attempt"`
	HTTPStatus   int    `json:"http_status"`
	LatencyMS    int64  `json:"latency_ms"`
	Success      uint8  `json:"success"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
	ResponseBody string `json:"response_body"`
	FinalizedAt  int64  `json:"finalized_at"`
	NextRetryAt  int64  `json:"next_retry_at"`
}

// DeliveryRowFrom converts an attempt record into its archive row
func DeliveryRowFrom(rec *domain.DeliveryRecord) DeliveryRow {
	row := DeliveryRow{
		ID:           rec.ID.String(),
		JobID:        rec.JobID.String(),
		EventID:      rec.EventID.String(),
		EndpointID:   rec.EndpointID.String(),
		Attempt:      rec.Attempt,
		HTTPStatus:   rec.HTTPStatus,
		LatencyMS:    rec.LatencyMS,
		ErrorKind:    string(rec.ErrorKind),
		ErrorMessage: rec.ErrorMessage,
		ResponseBody: rec.ResponseBody,
		FinalizedAt:  rec.FinalizedAt.Unix(),
	}
	if rec.Success {
		row.Success = 1
	}
	if rec.NextRetryAt != nil {
		row.NextRetryAt = rec.NextRetryAt.Unix()
	}
	return row
}
