package turn

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureKind is the user-facing category a failed turn is reported under.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureCapacity
	FailureRateLimit
	FailureNetwork
)

// StatusError is a non-success response received before streaming began.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// ErrIdleTimeout is the cause recorded when the response stream stalls past the configured idle
// timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Classify maps a status code and a message onto a failure category. Status codes are checked
// before the message; a zero status only consults the message.
func Classify(status int, message string) FailureKind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusServiceUnavailable:
		return FailureCapacity
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return FailureNetwork
	case strings.Contains(msg, "overload"):
		return FailureCapacity
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return FailureRateLimit
	case strings.Contains(msg, "network"):
		return FailureNetwork
	}
	return FailureGeneric
}

// ClassifyError maps the error that ended a turn onto a failure category. Only pre-flight status
// errors and idle timeouts are classified specifically; every other transport error is generic.
func ClassifyError(err error) FailureKind {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return Classify(se.StatusCode, se.Body)
	case errors.Is(err, ErrIdleTimeout):
		return FailureNetwork
	}
	return FailureGeneric
}

// Text returns the message shown in place of the assistant reply.
func (k FailureKind) Text() string {
	switch k {
	case FailureCapacity:
		return "The assistant is currently overloaded. Please try again in a few moments."
	case FailureRateLimit:
		return "You are sending messages too quickly. Please wait a moment and try again."
	case FailureNetwork:
		return "A network error interrupted the response. Please check your connection and try again."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}

func (k FailureKind) String() string {
	switch k {
	case FailureCapacity:
		return "capacity"
	case FailureRateLimit:
		return "rate_limit"
	case FailureNetwork:
		return "network"
	default:
		return "generic"
	}
}
