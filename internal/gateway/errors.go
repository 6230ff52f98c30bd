package gateway

import (
	"errors"
	"fmt"
)

// ErrUnavailable reports that the gateway could not be reached or kept failing
// with server errors after the attempt budget was spent. Callers may retry later.
var ErrUnavailable = errors.New("gateway unavailable")

// BadResponseError reports a response the bridge will not retry: a 4xx status,
// malformed JSON or an unexpected JSON shape. StatusCode is zero when the
// failure was not tied to an HTTP status.
type BadResponseError struct {
	Message    string
	StatusCode int
	// Payload is the decoded JSON error body, or the raw text when it was not JSON.
	Payload any
	Err     error
}

func (e *BadResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway bad response: %s: %v", e.Message, e.Err)
	}
	return "gateway bad response: " + e.Message
}

func (e *BadResponseError) Unwrap() error { return e.Err }

func badShape(format string, args ...any) error {
	return &BadResponseError{Message: fmt.Sprintf(format, args...)}
}

// StatusOf returns the HTTP status attached to a BadResponseError in err's chain.
func StatusOf(err error) (int, bool) {
	var bad *BadResponseError
	if errors.As(err, &bad) && bad.StatusCode != 0 {
		return bad.StatusCode, true
	}
	return 0, false
}

// serverError marks a retryable 5xx attempt.
type serverError struct {
	statusCode int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("gateway returned a server error (status %d)", e.statusCode)
}
