// Package chat defines the contract every platform adapter implements, the
// error taxonomy shared by adapters, and the reconnection policy used by
// adapters with persistent connections.
package chat

import (
	"context"
	"iter"

	"github.com/john/chatstream/internal/message"
)

// DefaultQueueSize bounds the number of raw events buffered between an
// adapter's network goroutine and its consumer.
const DefaultQueueSize = 100

// Adapter is the lifecycle every platform transport implements. The session
// depends only on this interface.
type Adapter interface {
	// Platform returns the transport family the adapter serves.
	Platform() message.Platform

	// Open establishes connectivity and authenticates. An authentication
	// rejection is returned as an ErrAuthentication error and never retried.
	Open(ctx context.Context) error

	// Produce returns the lazy sequence of raw events. The sequence ends
	// without an error when the platform reports the stream is over, and
	// with exactly one error on terminal failure. Breaking out of the range
	// loop or cancelling ctx stops the network goroutine.
	Produce(ctx context.Context) iter.Seq2[RawEvent, error]

	// Close releases the transport. It is idempotent and safe to call from
	// any goroutine.
	Close()
}

// RawEvent is a platform-native chat event. Each adapter has its own closed
// set of RawEvent types.
type RawEvent interface {
	// Normalize converts the event into a canonical message. Malformed input
	// returns an ErrProtocol error.
	Normalize() (message.Message, error)
}

// State is the connection state as seen by the session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateNotifier is implemented by adapters that can lose and regain their
// connection without ending the sequence.
type StateNotifier interface {
	OnStateChange(fn func(State))
}
