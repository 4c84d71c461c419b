// Package delivery consumes the sharded delivery streams and POSTs
// signed webhook payloads to subscriber endpoints, with per-endpoint
// circuit breaking, rate limiting, and scheduled retries.
package delivery

// Outcome classifies a delivery attempt
type Outcome int

const (
	// OutcomeSuccess means the receiver accepted the payload
	OutcomeSuccess Outcome = iota
	// OutcomePermanent means retrying can never succeed
	OutcomePermanent
	// OutcomeTransient means a retry may succeed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ClassifyStatus maps an HTTP status to a delivery outcome. 4xx means the
// request itself is rejected and will be again, except the three statuses
// that signal a receiver-side temporary condition: 408 (timeout), 425
// (too early), 429 (rate limited).
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 408 || status == 425 || status == 429:
		return OutcomeTransient
	case status >= 400 && status < 500:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
