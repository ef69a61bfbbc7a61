package gate

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies why the gate refused a subscription.
type Code string

const (
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"
	CodeUnknownDevice    Code = "UNKNOWN_DEVICE"
	CodeForbiddenNetwork Code = "FORBIDDEN_NETWORK"
	CodeForbiddenChannel Code = "FORBIDDEN_CHANNEL"
	CodeInternal         Code = "INTERNAL"
)

// ErrUnauthorizedSubscription matches every refusal caused by the caller's claim.
var ErrUnauthorizedSubscription = errors.New("gate: unauthorized subscription")

// Error is a gate refusal carrying the user facing message.
type Error struct {
	code    Code
	message string
	err     error
}

func newError(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is lets errors.Is(err, ErrUnauthorizedSubscription) match identity and
// ownership refusals.
func (e *Error) Is(target error) bool {
	if target != ErrUnauthorizedSubscription {
		return false
	}
	switch e.code {
	case CodeUnknownDevice, CodeForbiddenNetwork, CodeForbiddenChannel:
		return true
	default:
		return false
	}
}

// Code returns the refusal code.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the message shown to the caller.
func (e *Error) Message() string {
	return e.message
}

// HTTPStatus maps the refusal onto the status the auth endpoint returns.
func (e *Error) HTTPStatus() int {
	switch e.code {
	case CodeInvalidPayload:
		return http.StatusBadRequest
	case CodeUnknownDevice, CodeForbiddenNetwork, CodeForbiddenChannel:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
