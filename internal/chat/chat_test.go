package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/chatstream/internal/message"
)

type stubEvent struct{ id string }

func (e stubEvent) Normalize() (message.Message, error) {
	return message.Message{ID: e.id, Author: "a", Platform: message.PlatformPoll}, nil
}

func TestError_IsAndKind(t *testing.T) {
	err := fmt.Errorf("open: %w", Errorf(KindAuthentication, message.PlatformLine, "login", "bad token"))

	assert.ErrorIs(t, err, ErrAuthentication)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.False(t, IsRetriable(err))
	assert.Contains(t, err.Error(), "line: login authentication: bad token")

	assert.Equal(t, KindTransport, KindOf(errors.New("plain")))
	assert.True(t, IsRetriable(errors.New("plain")))
	assert.False(t, IsRetriable(nil))
}

func TestRetryAfter(t *testing.T) {
	err := RateLimited(message.PlatformPoll, "fetch", 7*time.Second, errors.New("slow down"))
	d, ok := RetryAfter(fmt.Errorf("wrapped: %w", err))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetriable(err))

	_, ok = RetryAfter(NewError(KindTransport, message.PlatformPoll, "fetch", nil))
	assert.False(t, ok)
}

func TestReconnectPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(50))
}

func TestReconnectPolicy_JitterKeepsOrder(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Minute, Jitter: 0.25}
	for i := 0; i < 100; i++ {
		d1, d2, d3 := p.Delay(1), p.Delay(2), p.Delay(3)
		assert.Less(t, d1, d2)
		assert.Less(t, d2, d3)
		assert.LessOrEqual(t, d1, 125*time.Millisecond)
	}
}

func TestReconnectPolicy_WithDefaults(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 3}.WithDefaults()
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.True(t, p.Allows(3))
	assert.False(t, p.Allows(4))
	assert.True(t, ReconnectPolicy{}.Allows(1000))
}

func TestReconnectPolicy_WithDefaultsKeepsDelaysIncreasing(t *testing.T) {
	p := ReconnectPolicy{Multiplier: 1}.WithDefaults()
	assert.Equal(t, 2.0, p.Multiplier)

	p = ReconnectPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 1.1, MaxDelay: time.Minute, Jitter: 0.25}.WithDefaults()
	assert.InDelta(t, 0.05, p.Jitter, 1e-9)

	for i := 0; i < 100; i++ {
		prev := p.Delay(1)
		for attempt := 2; attempt <= 10; attempt++ {
			d := p.Delay(attempt)
			require.Less(t, prev, d, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestReconnect_Exhaustion(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxAttempts: 3}
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	dials := 0
	err := Reconnect(context.Background(), message.PlatformLine, p, sleep, func(context.Context) error {
		dials++
		return NewError(KindConnect, message.PlatformLine, "dial", errors.New("refused"))
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, dials)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, slept)
}

func TestReconnect_StopsOnAuthFailure(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxAttempts: 5}
	noSleep := func(context.Context, time.Duration) error { return nil }

	dials := 0
	err := Reconnect(context.Background(), message.PlatformLine, p, noSleep, func(context.Context) error {
		dials++
		return NewError(KindAuthentication, message.PlatformLine, "login", errors.New("denied"))
	}, nil)

	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 1, dials)
}

func TestReconnect_SucceedsAfterFailure(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, MaxAttempts: 5}
	noSleep := func(context.Context, time.Duration) error { return nil }

	var attempts []int
	dials := 0
	err := Reconnect(context.Background(), message.PlatformLine, p, noSleep, func(context.Context) error {
		dials++
		if dials < 2 {
			return errors.New("refused")
		}
		return nil
	}, func(attempt int, _ time.Duration) { attempts = append(attempts, attempt) })

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPump_DeliversThenError(t *testing.T) {
	boom := errors.New("boom")
	seq := Pump(context.Background(), 2, func(ctx context.Context, emit Emit) error {
		for _, id := range []string{"1", "2", "3"} {
			if !emit(stubEvent{id: id}) {
				return ctx.Err()
			}
		}
		return boom
	})

	var ids []string
	var final error
	for ev, err := range seq {
		if err != nil {
			final = err
			break
		}
		msg, _ := ev.Normalize()
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.ErrorIs(t, final, boom)
}

func TestPump_CleanEnd(t *testing.T) {
	seq := Pump(context.Background(), 0, func(ctx context.Context, emit Emit) error {
		emit(stubEvent{id: "1"})
		return nil
	})
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestPump_BreakStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	seq := Pump(context.Background(), 1, func(ctx context.Context, emit Emit) error {
		defer close(stopped)
		for {
			if !emit(stubEvent{id: "x"}) {
				return ctx.Err()
			}
		}
	})

	for range seq {
		break
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still running after consumer stopped")
	}
}

func TestPump_CancelledContextSuppressesError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := Pump(ctx, 1, func(ctx context.Context, emit Emit) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	for _, err := range seq {
		t.Fatalf("unexpected item, err=%v", err)
	}
}
