// Package clock wraps timers and wall-clock reads so that every delay in the
// hub passes validation and tests can drive time deterministically.
package clock

import (
	"context"
	"math"
	"time"

	"github.com/you/gnasty-hub/internal/logging"
)

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the scheduling seam used by every component.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

const minFallback = time.Millisecond

// ValidateTimeout returns d when it is strictly positive, otherwise fallback.
// A non-positive fallback is clamped to one millisecond so callers never
// schedule a zero or negative delay.
func ValidateTimeout(d, fallback time.Duration, context string) time.Duration {
	if d > 0 {
		return d
	}
	if fallback < minFallback {
		fallback = minFallback
	}
	logging.Debug().
		Str("context", context).
		Dur("value", d).
		Dur("fallback", fallback).
		Msg("clock: invalid delay, using fallback")
	return fallback
}

// ValidateMillis converts a numeric millisecond value (typically from config)
// into a duration, rejecting NaN, infinities and non-positive values.
func ValidateMillis(ms float64, fallback time.Duration, context string) time.Duration {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		return ValidateTimeout(0, fallback, context)
	}
	d := time.Duration(ms * float64(time.Millisecond))
	return ValidateTimeout(d, fallback, context)
}

// SafeDelay blocks for the validated duration or until ctx is done.
func SafeDelay(ctx context.Context, d time.Duration) error {
	d = ValidateTimeout(d, minFallback, "SafeDelay")
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SafeAfterFunc schedules f on c after a validated delay.
func SafeAfterFunc(c Clock, d, fallback time.Duration, context string, f func()) Timer {
	return OrReal(c).AfterFunc(ValidateTimeout(d, fallback, context), f)
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t as an ISO-8601 UTC timestamp with milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts RFC3339 timestamps with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
