package session

import (
	"fmt"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/messaging"
)

// Error is a protocol-level failure reported to a client as an error frame.
// A non-zero CloseCode means the connection must be closed after the frame.
type Error struct {
	Code      messaging.ErrorCode
	Message   string
	CloseCode int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, session.ErrRateLimitExceeded).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Fatal reports whether the connection must be closed.
func (e *Error) Fatal() bool { return e.CloseCode != 0 }

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication    = &Error{Code: messaging.CodeAuthentication, Message: "authentication failed"}
	ErrAdmissionRejected = &Error{Code: messaging.CodeAdmissionRejected, Message: "server at capacity"}
	ErrRateLimitExceeded = &Error{Code: messaging.CodeRateLimitExceeded, Message: "rate limit exceeded"}
	ErrMessageTooLarge   = &Error{Code: messaging.CodeMessageTooLarge, Message: "message too large"}
	ErrInvalidMessage    = &Error{Code: messaging.CodeInvalidMessage, Message: "invalid message"}
	ErrInternal          = &Error{Code: messaging.CodeInternal, Message: "internal error"}
)

func newError(code messaging.ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
