package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/john/chatstream/internal/message"
)

// Kind classifies an adapter failure
type Kind int

const (
	KindTransport Kind = iota
	KindConnect
	KindAuthentication
	KindStreamNotFound
	KindProtocol
	KindRateLimited
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConnect:
		return "connect"
	case KindAuthentication:
		return "authentication"
	case KindStreamNotFound:
		return "stream not found"
	case KindProtocol:
		return "protocol"
	case KindRateLimited:
		return "rate limited"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against an *Error of the matching kind
var (
	ErrTransport      = errors.New("transport error")
	ErrConnect        = errors.New("connect failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrStreamNotFound = errors.New("stream not found")
	ErrProtocol       = errors.New("protocol error")
	ErrRateLimited    = errors.New("rate limited")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConnect:
		return ErrConnect
	case KindAuthentication:
		return ErrAuthentication
	case KindStreamNotFound:
		return ErrStreamNotFound
	case KindProtocol:
		return ErrProtocol
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrTransport
	}
}

// Error is a classified adapter failure
type Error struct {
	Kind       Kind
	Platform   message.Platform
	Op         string
	RetryAfter time.Duration // set for KindRateLimited when the server sent a hint
	Err        error
}

// NewError wraps err with a classification
func NewError(kind Kind, platform message.Platform, op string, err error) *Error {
	return &Error{Kind: kind, Platform: platform, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, platform message.Platform, op, format string, args ...any) *Error {
	return NewError(kind, platform, op, fmt.Errorf(format, args...))
}

// RateLimited builds a KindRateLimited error carrying a retry hint
func RateLimited(platform message.Platform, op string, retryAfter time.Duration, err error) *Error {
	e := NewError(KindRateLimited, platform, op, err)
	e.RetryAfter = retryAfter
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s %s", e.Platform, e.Op, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the classification of err. Unclassified errors are
// transport errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}

// IsRetriable reports whether a persistent-connection adapter may retry
// after err. Authentication, stream-not-found and protocol failures would
// fail the same way again.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuthentication, KindStreamNotFound, KindProtocol:
		return false
	}
	return true
}

// RetryAfter returns the server-provided retry hint carried by err
func RetryAfter(err error) (time.Duration, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindRateLimited && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}
