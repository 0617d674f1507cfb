package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Open after the adapter was closed
var ErrClosed = errors.New("adapter closed")

// Shutdown is a one-shot close signal. The zero value is ready to use.
type Shutdown struct {
	init sync.Once
	once sync.Once
	done chan struct{}
}

func (s *Shutdown) ch() chan struct{} {
	s.init.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

// Trigger fires the signal. It reports whether this call fired it.
func (s *Shutdown) Trigger() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch())
		fired = true
	})
	return fired
}

// Done is closed once the signal fired
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch()
}

// Fired reports whether the signal fired
func (s *Shutdown) Fired() bool {
	select {
	case <-s.ch():
		return true
	default:
		return false
	}
}

// Bind returns a context cancelled when either ctx is done or the signal
// fires.
func (s *Shutdown) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.ch():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
