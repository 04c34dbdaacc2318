package resilience

import (
	"errors"
	"net/http"
)

var (
	// ErrTimeout is returned when the final attempt timed out
	ErrTimeout = errors.New("downstream call timed out")
	// ErrUnavailable is returned when the retry budget is exhausted
	ErrUnavailable = errors.New("downstream service unavailable")
	// ErrCircuitOpen is returned without a network attempt while an endpoint is known bad
	ErrCircuitOpen = errors.New("service temporarily unavailable: circuit open")
	// ErrUnknownEndpoint is returned for endpoints missing from the registry
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The invoker returns it to the caller
// unchanged after a single attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// StatusError is a downstream HTTP response with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.StatusCode) + ": " + e.Body
}

// ClassifyStatus turns an HTTP status into an error the invoker understands:
// nil for 2xx, retryable for 5xx and 429, permanent for other 4xx.
func ClassifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return &StatusError{StatusCode: code, Body: body}
	default:
		return Permanent(&StatusError{StatusCode: code, Body: body})
	}
}
