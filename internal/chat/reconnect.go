package chat

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/john/chatstream/internal/message"
)

// ReconnectPolicy holds the backoff parameters for persistent connections
type ReconnectPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = unlimited
	Jitter      float64       `yaml:"jitter"`       // fraction of the delay added at random
}

// DefaultReconnectPolicy returns the policy used when none is configured
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
		Jitter:      0.25,
	}
}

// WithDefaults fills zero fields from DefaultReconnectPolicy. MaxAttempts
// and Jitter keep their zero values since both are meaningful. A multiplier
// of 1 or less is replaced, and Jitter is clamped below Multiplier-1 so that
// Delay grows strictly until MaxDelay caps it.
func (p ReconnectPolicy) WithDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= p.Multiplier-1 {
		p.Jitter = (p.Multiplier - 1) / 2
	}
	return p
}

// Allows reports whether attempt (1-based) is within the budget
func (p ReconnectPolicy) Allows(attempt int) bool {
	return p.MaxAttempts == 0 || attempt <= p.MaxAttempts
}

// Delay returns the wait before the given 1-based attempt:
// BaseDelay * Multiplier^(attempt-1) plus jitter, capped at MaxDelay. For a
// policy returned by WithDefaults each delay exceeds the previous one until
// the cap is reached; capped delays are equal.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt && delay < float64(p.MaxDelay); i++ {
		delay *= p.Multiplier
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the SleepFunc used outside tests
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reconnect calls dial until it succeeds, the policy is exhausted, or dial
// fails with a non-retriable error. onAttempt, if set, is called before
// each wait. Exhaustion is reported as a KindTransport error wrapping the
// last dial failure.
func Reconnect(
	ctx context.Context,
	platform message.Platform,
	p ReconnectPolicy,
	sleep SleepFunc,
	dial func(ctx context.Context) error,
	onAttempt func(attempt int, delay time.Duration),
) error {
	var lastErr error
	for attempt := 1; p.Allows(attempt); attempt++ {
		delay := p.Delay(attempt)
		if onAttempt != nil {
			onAttempt(attempt, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		err := dial(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetriable(err) {
			return err
		}
		lastErr = err
	}
	return NewError(KindTransport, platform, "reconnect",
		fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, lastErr))
}
