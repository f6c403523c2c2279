package gemini

import (
	"errors"
	"fmt"
)

// Kind classifies a completion failure. Cancellation is not a Kind: a
// cancelled call returns context.Canceled unchanged.
type Kind int

const (
	// KindRateLimited means the model returned 429 on every allowed attempt.
	KindRateLimited Kind = iota
	// KindModelUnavailable means the model path returned 404. It only
	// surfaces when the last candidate model is unavailable; otherwise the
	// fallback loop consumes it.
	KindModelUnavailable
	// KindTransient covers timeouts, connection faults and 5xx responses
	// that survived all retries on all models.
	KindTransient
	// KindClientFault covers 4xx responses other than 429/404. Fatal,
	// never retried.
	KindClientFault
	// KindParseFailure means a 200 response whose body the extractor
	// rejected outright (top-level error object or undecodable JSON).
	KindParseFailure
	// KindBlocked means the safety/moderation filter suppressed the answer.
	KindBlocked
	// KindNoText means the extraction cascade found no usable text.
	KindNoText
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindTransient:
		return "transient"
	case KindClientFault:
		return "client_fault"
	case KindParseFailure:
		return "parse_failure"
	case KindBlocked:
		return "blocked"
	case KindNoText:
		return "no_text"
	default:
		return "unknown"
	}
}

// APIError is the error type for every non-cancellation completion failure.
type APIError struct {
	Kind       Kind
	StatusCode int    // HTTP status when the failure came from a response
	Model      string // model being tried when the failure occurred
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (model=%s, status=%d): %s", e.Kind, e.Model, e.StatusCode, e.Message)
	}
	if e.Model != "" {
		return fmt.Sprintf("%s (model=%s): %s", e.Kind, e.Model, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the failure Kind from err, reporting ok=false for
// cancellation and foreign errors.
func KindOf(err error) (Kind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}
