package chat

import (
	"context"
	"iter"
)

// Emit hands one raw event to the consumer. It blocks while the queue is
// full and returns false once the producing context is done.
type Emit func(RawEvent) bool

// Pump runs fn on its own goroutine and exposes what it emits as a pull
// sequence backed by a queue of the given size. fn returns nil when the
// stream ended, or the terminal error. Errors are dropped when ctx was
// cancelled, since the consumer asked for the stop.
func Pump(ctx context.Context, size int, fn func(ctx context.Context, emit Emit) error) iter.Seq2[RawEvent, error] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return func(yield func(RawEvent, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		queue := make(chan RawEvent, size)
		result := make(chan error, 1)

		go func() {
			defer close(queue)
			result <- fn(ctx, func(ev RawEvent) bool {
				select {
				case queue <- ev:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}()

		for ev := range queue {
			if !yield(ev, nil) {
				return
			}
		}

		if err := <-result; err != nil && ctx.Err() == nil {
			yield(nil, err)
		}
	}
}
