package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethhook/ethhook/pkg/domain"
	"github.com/ethhook/ethhook/pkg/signature"
)

const (
	userAgent = "EthHook-Delivery/1"
	// maxResponseBody caps how much of the receiver's response is
	// captured for the delivery record
	maxResponseBody = 10 * 1024
	maxRedirects    = 3
)

// payload is the JSON body POSTed to the receiver
type payload struct {
	EventID    string        `json:"event_id"`
	EndpointID string        `json:"endpoint_id"`
	Attempt    int           `json:"attempt"`
	Timestamp  int64         `json:"timestamp"`
	Event      *domain.Event `json:"event"`
}

// Result is the outcome of one HTTP delivery attempt
type Result struct {
	Outcome      Outcome
	StatusCode   int
	ResponseBody string
	Latency      time.Duration
	ErrorKind    domain.ErrorKind
	ErrorMessage string
}

// Sender performs the HTTP POST for delivery jobs. One Sender is shared
// by all workers; the underlying transport pools connections across
// endpoints.
type Sender struct {
	client         *http.Client
	defaultTimeout time.Duration
}

// NewSender builds the shared HTTP sender
func NewSender(defaultTimeout time.Duration) *Sender {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Sender{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		defaultTimeout: defaultTimeout,
	}
}

// Send POSTs the signed payload for a job and classifies the outcome.
// Transport and timeout failures never return an error; they are
// outcomes, encoded in the Result.
func (s *Sender) Send(ctx context.Context, job *domain.DeliveryJob) *Result {
	now := time.Now()

	body, err := json.Marshal(payload{
		EventID:    job.EventID.String(),
		EndpointID: job.EndpointID.String(),
		Attempt:    job.Attempt,
		Timestamp:  now.Unix(),
		Event:      &job.Event,
	})
	if err != nil {
		return &Result{
			Outcome:      OutcomePermanent,
			ErrorKind:    domain.ErrorKindEndpoint,
			ErrorMessage: fmt.Sprintf("payload serialization failed: %v", err),
		}
	}

	timeout := s.defaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return &Result{
			Outcome:      OutcomePermanent,
			ErrorKind:    domain.ErrorKindEndpoint,
			ErrorMessage: fmt.Sprintf("invalid webhook URL: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-EthHook-Signature", signature.Header(body, job.HMACSecret))
	req.Header.Set("X-EthHook-Delivery-Attempt", strconv.Itoa(job.Attempt))
	req.Header.Set("X-EthHook-Timestamp", strconv.FormatInt(now.Unix(), 10))

	resp, err := s.client.Do(req)
	latency := time.Since(now)
	if err != nil {
		kind := domain.ErrorKindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.ErrorKindTimeout
		}
		return &Result{
			Outcome:      OutcomeTransient,
			Latency:      latency,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	result := &Result{
		Outcome:      ClassifyStatus(resp.StatusCode),
		StatusCode:   resp.StatusCode,
		ResponseBody: string(captured),
		Latency:      latency,
	}
	switch result.Outcome {
	case OutcomePermanent:
		result.ErrorKind = domain.ErrorKindEndpoint
		result.ErrorMessage = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	case OutcomeTransient:
		result.ErrorKind = domain.ErrorKindReceiver
		result.ErrorMessage = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	}
	return result
}
