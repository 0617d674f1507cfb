// Package session unifies one platform adapter into an ordered, deduplicated
// and sequenced stream of canonical messages.
package session

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/dedupe"
	"github.com/john/chatstream/internal/message"
	"github.com/john/chatstream/internal/metrics"
)

// DefaultDedupeWindow is how many delivered IDs a session remembers
const DefaultDedupeWindow = 500

// ErrConcurrentListen is yielded when Listen is called while another
// traversal is still running.
var ErrConcurrentListen = errors.New("session: listen already in progress")

// Stats is a snapshot of session counters
type Stats struct {
	Platform      message.Platform `json:"platform"`
	State         string           `json:"state"`
	Delivered     uint64           `json:"delivered"`
	Malformed     uint64           `json:"malformed"`
	Duplicates    uint64           `json:"duplicates"`
	Reconnects    uint64           `json:"reconnects"`
	LastSeq       uint64           `json:"last_seq"`
	LastMessageAt time.Time        `json:"last_message_at"`
}

// Session owns one adapter and exposes its events as messages
type Session struct {
	adapter    chat.Adapter
	logger     zerolog.Logger
	windowSize int

	state      atomic.Int32
	closed     atomic.Bool
	listening  atomic.Bool
	resetClock atomic.Bool

	delivered  atomic.Uint64
	malformed  atomic.Uint64
	duplicates atomic.Uint64
	reconnects atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	lastAt time.Time

	seq atomic.Uint64

	// owned by the listening goroutine
	lastTS time.Time
	seen   *dedupe.Window
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger.With().Str("component", "session").Logger()
	}
}

// WithDedupeWindow overrides how many delivered IDs are remembered
func WithDedupeWindow(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// New creates a session around adapter. The session takes ownership of the
// adapter and closes it when done.
func New(adapter chat.Adapter, opts ...Option) *Session {
	s := &Session{
		adapter:    adapter,
		logger:     zerolog.Nop(),
		windowSize: DefaultDedupeWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seen = dedupe.NewWindow(s.windowSize)

	if n, ok := adapter.(chat.StateNotifier); ok {
		n.OnStateChange(s.onAdapterState)
	}
	s.setState(chat.StateIdle)
	return s
}

// Listen opens the adapter and yields messages until the stream ends, the
// context is cancelled, the loop breaks, or Close is called. A terminal
// adapter error is yielded once as the final item. The session is closed
// when the traversal ends.
func (s *Session) Listen(ctx context.Context) iter.Seq2[message.Message, error] {
	return func(yield func(message.Message, error) bool) {
		if !s.listening.CompareAndSwap(false, true) {
			yield(message.Message{}, ErrConcurrentListen)
			return
		}
		defer s.listening.Store(false)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			return
		}
		s.cancel = cancel
		s.mu.Unlock()
		defer s.Close()

		platform := s.adapter.Platform()
		s.setState(chat.StateConnecting)
		s.logger.Info().Str("platform", string(platform)).Msg("Opening adapter")

		if err := s.adapter.Open(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Adapter open failed")
				yield(message.Message{}, err)
			}
			return
		}
		s.setState(chat.StateConnected)
		s.logger.Info().Str("platform", string(platform)).Msg("Adapter connected")

		for ev, err := range s.adapter.Produce(ctx) {
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Stream failed")
					yield(message.Message{}, err)
				}
				return
			}

			msg, ok := s.accept(ev)
			if !ok {
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
		s.logger.Info().Uint64("delivered", s.delivered.Load()).Msg("Stream ended")
	}
}

// Close stops a running traversal and closes the adapter. It is idempotent
// and safe to call from any goroutine.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.adapter.Close()
	s.state.Store(int32(chat.StateClosed))
	metrics.SessionState.WithLabelValues(string(s.adapter.Platform())).Set(float64(chat.StateClosed))
	s.logger.Info().Msg("Session closed")
}

// State returns the current session state
func (s *Session) State() chat.State {
	return chat.State(s.state.Load())
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	lastAt := s.lastAt
	s.mu.Unlock()

	return Stats{
		Platform:      s.adapter.Platform(),
		State:         s.State().String(),
		Delivered:     s.delivered.Load(),
		Malformed:     s.malformed.Load(),
		Duplicates:    s.duplicates.Load(),
		Reconnects:    s.reconnects.Load(),
		LastSeq:       s.seq.Load(),
		LastMessageAt: lastAt,
	}
}

// accept normalizes, deduplicates and sequences one raw event
func (s *Session) accept(ev chat.RawEvent) (message.Message, bool) {
	platform := string(s.adapter.Platform())

	msg, err := ev.Normalize()
	if err != nil {
		s.malformed.Add(1)
		metrics.MessagesMalformed.WithLabelValues(platform).Inc()
		s.logger.Warn().Err(err).Msg("Skipping malformed event")
		return message.Message{}, false
	}

	if s.seen.Seen(msg.ID) {
		s.duplicates.Add(1)
		metrics.MessagesDuplicate.WithLabelValues(platform).Inc()
		s.logger.Debug().Str("id", msg.ID).Msg("Dropping duplicate message")
		return message.Message{}, false
	}

	if s.resetClock.Swap(false) {
		s.lastTS = time.Time{}
	}
	if msg.Timestamp.Before(s.lastTS) {
		msg.Timestamp = s.lastTS
	} else {
		s.lastTS = msg.Timestamp
	}

	msg.Seq = s.seq.Add(1)
	s.delivered.Add(1)
	metrics.MessagesDelivered.WithLabelValues(platform).Inc()

	s.mu.Lock()
	s.lastAt = time.Now()
	s.mu.Unlock()
	return msg, true
}

func (s *Session) onAdapterState(st chat.State) {
	if st == chat.StateReconnecting {
		s.reconnects.Add(1)
		s.resetClock.Store(true)
	}
	s.setState(st)
}

func (s *Session) setState(st chat.State) {
	if s.closed.Load() {
		return
	}
	s.state.Store(int32(st))
	metrics.SessionState.WithLabelValues(string(s.adapter.Platform())).Set(float64(st))
}
