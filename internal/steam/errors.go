package steam

import (
	"errors"
	"fmt"
	"net/http"

	"steamwatch/internal/fault"
	"steamwatch/internal/presence"
	"steamwatch/internal/retry"

	"github.com/sony/gobreaker"
)

// ErrorKind classifies Steam Web API failures.
type ErrorKind string

const (
	Transient   ErrorKind = "transient"
	RateLimited ErrorKind = "rate_limited"
	NotFound    ErrorKind = "not_found"
	// Forbidden is a private profile or a key without access.
	Forbidden ErrorKind = "forbidden"
	// BadRequest usually means the app has no stats.
	BadRequest ErrorKind = "bad_request"
)

type APIError struct {
	Kind     ErrorKind
	Endpoint string
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("steam %s: %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the API error kind of err. Errors that are not API errors
// (network, breaker open, decode) count as transient.
func KindOf(err error) ErrorKind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

func statusKind(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusTooManyRequests:
		return RateLimited, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Forbidden, true
	case code == http.StatusBadRequest:
		return BadRequest, true
	case code == http.StatusNotFound:
		return NotFound, true
	default:
		return Transient, true
	}
}

// classify decides retries inside one request.
func classify(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.Stop
	}
	switch KindOf(err) {
	case RateLimited:
		return retry.After
	case Transient:
		return retry.Retry
	default:
		return retry.Stop
	}
}

// breakerSuccess keeps answers that prove the API is reachable from
// tripping the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case NotFound, Forbidden, BadRequest:
		return true
	default:
		return false
	}
}

// toFault maps a source error onto the poll taxonomy.
func toFault(op string, id presence.Identity, err error) error {
	kind := fault.SourceUnavailable
	if KindOf(err) == NotFound {
		kind = fault.UnknownIdentity
	}
	return fault.New(kind, op, err).WithIdentity(uint64(id))
}
