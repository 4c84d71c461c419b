// Package ingestor connects to EVM chains over WebSocket, decodes log
// notifications into canonical events, and publishes them to the bus.
// One worker per configured chain; workers share nothing but the bus.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/observability"
)

// jsonrpcRequest is an outbound JSON-RPC 2.0 call
type jsonrpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// jsonrpcFrame is any inbound frame: a call response or a subscription
// notification, distinguished by which fields are set.
type jsonrpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// rpcLog is a log object as the provider encodes it
type rpcLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	BlockHash       string   `json:"blockHash"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// rpcHead is the subset of a newHeads notification we use
type rpcHead struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

// BlockHead is a decoded chain head announcement
type BlockHead struct {
	Number    uint64
	Hash      string
	Timestamp int64
}

// Frame is one decoded notification from the provider. Exactly one of
// Log and Head is set.
type Frame struct {
	Log  *domain.Event
	Head *BlockHead
}

// Client is a WebSocket JSON-RPC subscription client for one chain
type Client struct {
	conn        *websocket.Conn
	chainID     uint64
	readTimeout time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient

	nextID    int64
	logsSubID string
	headSubID string
}

// Dial connects and subscribes to logs and newHeads. The logs
// subscription is unfiltered; endpoint filters are applied downstream.
func Dial(ctx context.Context, wsURL string, chainID uint64, readTimeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Client{
		conn:        conn,
		chainID:     chainID,
		readTimeout: readTimeout,
		logger:      logger,
		metrics:     metrics,
	}

	if c.logsSubID, err = c.subscribe(ctx, []interface{}{"logs", map[string]interface{}{}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logs subscription failed: %w", err)
	}
	if c.headSubID, err = c.subscribe(ctx, []interface{}{"newHeads"}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("newHeads subscription failed: %w", err)
	}

	return c, nil
}

// subscribe issues eth_subscribe and waits for the matching response.
// Notifications arriving before the response are not expected: providers
// answer the subscribe call before emitting on the new subscription.
func (c *Client) subscribe(ctx context.Context, params []interface{}) (string, error) {
	c.nextID++
	id := c.nextID

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: "eth_subscribe", Params: params}

	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return "", err
	}

	_ = c.conn.SetReadDeadline(deadline)
	for {
		var frame jsonrpcFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return "", err
		}
		if frame.ID == nil || *frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return "", fmt.Errorf("eth_subscribe rejected: %s (code %d)", frame.Error.Message, frame.Error.Code)
		}
		var subID string
		if err := json.Unmarshal(frame.Result, &subID); err != nil {
			return "", fmt.Errorf("unexpected subscription id: %w", err)
		}
		return subID, nil
	}
}

// Next blocks for the next decoded notification. The read deadline doubles
// as a liveness check: a healthy chain produces heads well within it, so a
// timeout means the connection has gone quiet and should be torn down.
func (c *Client) Next(ctx context.Context) (*Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		var frame jsonrpcFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("websocket read failed: %w", err)
		}

		if frame.Method != "eth_subscription" || frame.Params == nil {
			continue
		}

		// Decode failures drop the single notification and keep the
		// connection; only transport errors tear it down
		switch frame.Params.Subscription {
		case c.logsSubID:
			var raw rpcLog
			if err := json.Unmarshal(frame.Params.Result, &raw); err != nil {
				c.dropFrame("log", err)
				continue
			}
			event, err := c.decodeLog(&raw)
			if err != nil {
				c.dropFrame("log", err)
				continue
			}
			return &Frame{Log: event}, nil

		case c.headSubID:
			var raw rpcHead
			if err := json.Unmarshal(frame.Params.Result, &raw); err != nil {
				c.dropFrame("head", err)
				continue
			}
			head, err := decodeHead(&raw)
			if err != nil {
				c.dropFrame("head", err)
				continue
			}
			return &Frame{Head: head}, nil
		}
	}
}

func (c *Client) dropFrame(kind string, err error) {
	if c.logger != nil {
		c.logger.Warn("Dropping malformed notification", map[string]interface{}{
			"kind":  kind,
			"error": err.Error(),
		})
	}
	if c.metrics != nil {
		c.metrics.IncrementCounterWithLabels("ingestor.frame_decode_errors", 1, map[string]string{
			"chain_id": strconv.FormatUint(c.chainID, 10),
			"kind":     kind,
		})
	}
}

func (c *Client) decodeLog(raw *rpcLog) (*domain.Event, error) {
	blockNumber, err := domain.ParseHexUint64(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("log blockNumber: %w", err)
	}
	logIndex, err := domain.ParseHexUint64(raw.LogIndex)
	if err != nil {
		return nil, fmt.Errorf("log logIndex: %w", err)
	}

	event := &domain.Event{
		ChainID:         c.chainID,
		BlockNumber:     blockNumber,
		BlockHash:       raw.BlockHash,
		TransactionHash: raw.TransactionHash,
		LogIndex:        uint32(logIndex),
		ContractAddress: raw.Address,
		Topics:          raw.Topics,
		Data:            raw.Data,
		Removed:         raw.Removed,
	}
	event.Normalize()
	return event, nil
}

func decodeHead(raw *rpcHead) (*BlockHead, error) {
	number, err := domain.ParseHexUint64(raw.Number)
	if err != nil {
		return nil, fmt.Errorf("head number: %w", err)
	}
	timestamp, err := domain.ParseHexUint64(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("head timestamp: %w", err)
	}
	return &BlockHead{
		Number:    number,
		Hash:      strings.ToLower(raw.Hash),
		Timestamp: int64(timestamp),
	}, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// BackfillClient queries the chain's HTTP companion endpoint for logs
// missed while the subscription was down.
type BackfillClient struct {
	url     string
	chainID uint64
	client  *http.Client
	nextID  int64
}

// NewBackfillClient creates a backfill client; httpURL may be empty, in
// which case Enabled reports false and the ingestor skips backfill.
func NewBackfillClient(httpURL string, chainID uint64) *BackfillClient {
	return &BackfillClient{
		url:     httpURL,
		chainID: chainID,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether a backfill endpoint is configured
func (b *BackfillClient) Enabled() bool {
	return b.url != ""
}

func (b *BackfillClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	b.nextID++
	body, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: b.nextID, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	var frame jsonrpcFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return fmt.Errorf("%s response decode failed: %w", method, err)
	}
	if frame.Error != nil {
		return fmt.Errorf("%s rejected: %s (code %d)", method, frame.Error.Message, frame.Error.Code)
	}
	return json.Unmarshal(frame.Result, result)
}

// BlockNumber returns the chain head height
func (b *BackfillClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := b.call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return domain.ParseHexUint64(hex)
}

// Logs fetches all logs in the inclusive block range [from, to]
func (b *BackfillClient) Logs(ctx context.Context, from, to uint64) ([]*domain.Event, error) {
	filter := map[string]interface{}{
		"fromBlock": domain.FormatHexUint64(from),
		"toBlock":   domain.FormatHexUint64(to),
	}

	var raws []rpcLog
	if err := b.call(ctx, "eth_getLogs", []interface{}{filter}, &raws); err != nil {
		return nil, err
	}

	events := make([]*domain.Event, 0, len(raws))
	c := &Client{chainID: b.chainID}
	for i := range raws {
		event, err := c.decodeLog(&raws[i])
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
