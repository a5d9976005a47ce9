// Package retry owns reconnect scheduling for every platform connection.
//
// Each platform uses its own scope ("tiktok", "twitch", "youtube"). A scope
// has at most one pending reconnect; scheduling a new one replaces it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
)

// ErrAuth marks an error as an authentication failure that must not be
// retried automatically.
var ErrAuth = errors.New("retry: authentication failure")

var authMarkers = []string{"401", "unauthorized", "forbidden", "invalid_grant", "invalid grant"}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Hooks are the platform callbacks OnError drives.
type Hooks struct {
	Reconnect func()
	Cleanup   func() error
	SetState  func(connected bool)
}

// Stop reasons reported in Decision.Reason.
const (
	ReasonScheduled   = "scheduled"
	ReasonAuth        = "auth"
	ReasonMaxAttempts = "max-attempts"
)

// Decision describes what OnError did.
type Decision struct {
	Scheduled bool
	Attempt   int
	Delay     time.Duration
	Reason    string
}

// ScopeStats is a snapshot of one scope.
type ScopeStats struct {
	Attempts  int
	Pending   bool
	LastDelay time.Duration
	LastError string
}

type scopeState struct {
	attempts  int
	gen       uint64
	timer     clock.Timer
	lastDelay time.Duration
	lastErr   string
}

// Core schedules reconnects and bounded retries.
type Core struct {
	mu       sync.Mutex
	clock    clock.Clock
	jitter   func(max time.Duration) time.Duration
	policies map[string]Policy
	scopes   map[string]*scopeState
	errs     *errhandler.Handler
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// Option configures a Core.
type Option func(*Core)

func WithClock(c clock.Clock) Option { return func(r *Core) { r.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Core) { r.metrics = m } }

func WithErrorHandler(h *errhandler.Handler) Option { return func(r *Core) { r.errs = h } }

// WithJitter replaces the jitter source; f receives the policy's JitterMax.
func WithJitter(f func(max time.Duration) time.Duration) Option {
	return func(r *Core) { r.jitter = f }
}

// New builds a Core.
func New(opts ...Option) *Core {
	c := &Core{
		clock:    clock.Real(),
		jitter:   randomJitter,
		policies: make(map[string]Policy),
		scopes:   make(map[string]*scopeState),
		log:      logging.With("retry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	return c
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Register sets the policy for scope.
func (c *Core) Register(scope string, p Policy) {
	c.mu.Lock()
	c.policies[scope] = p.normalized()
	c.mu.Unlock()
}

// Policy returns the effective policy for scope.
func (c *Core) Policy(scope string) Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policyLocked(scope)
}

func (c *Core) policyLocked(scope string) Policy {
	if p, ok := c.policies[scope]; ok {
		return p
	}
	return DefaultPolicy()
}

func (c *Core) stateLocked(scope string) *scopeState {
	st := c.scopes[scope]
	if st == nil {
		st = &scopeState{}
		c.scopes[scope] = st
	}
	return st
}

// OnError records a connection failure for scope and either schedules a
// reconnect or stops. Authentication failures and exhausted attempt budgets
// run Cleanup, mark the connection down and never schedule.
func (c *Core) OnError(scope string, err error, h Hooks) Decision {
	c.mu.Lock()
	st := c.stateLocked(scope)
	if err != nil {
		st.lastErr = err.Error()
	}

	if IsAuthError(err) {
		c.stopTimerLocked(st)
		c.mu.Unlock()
		c.log.Warn().Str("scope", scope).Err(err).Msg("retry: authentication failure, not reconnecting")
		c.stop(scope, h)
		return Decision{Reason: ReasonAuth}
	}

	st.attempts++
	attempt := st.attempts
	p := c.policyLocked(scope)
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		c.stopTimerLocked(st)
		c.mu.Unlock()
		c.log.Error().Str("scope", scope).Int("attempts", attempt-1).Msg("retry: max reconnect attempts reached")
		c.stop(scope, h)
		return Decision{Attempt: attempt, Reason: ReasonMaxAttempts}
	}

	delay := p.Delay(attempt, c.jitter(p.JitterMax))
	c.stopTimerLocked(st)
	gen := st.gen
	st.lastDelay = delay
	st.timer = clock.SafeAfterFunc(c.clock, delay, p.BaseDelay, "retry:"+scope, func() {
		c.mu.Lock()
		if st.gen != gen {
			c.mu.Unlock()
			return
		}
		st.timer = nil
		c.mu.Unlock()
		if h.Reconnect != nil {
			h.Reconnect()
		}
	})
	c.mu.Unlock()

	if h.SetState != nil {
		h.SetState(false)
	}
	c.metrics.IncReconnect(scope)
	c.log.Info().
		Str("scope", scope).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("retry: reconnect scheduled")
	return Decision{Scheduled: true, Attempt: attempt, Delay: delay, Reason: ReasonScheduled}
}

func (c *Core) stop(scope string, h Hooks) {
	if h.Cleanup != nil {
		if err := h.Cleanup(); err != nil {
			c.errs.Handle(err, "cleanup:"+scope)
		}
	}
	if h.SetState != nil {
		h.SetState(false)
	}
}

// stopTimerLocked cancels any pending reconnect and invalidates in-flight
// callbacks for st.
func (c *Core) stopTimerLocked(st *scopeState) {
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// OnSuccess clears the pending reconnect and the attempt counter.
func (c *Core) OnSuccess(scope string) {
	c.mu.Lock()
	st := c.stateLocked(scope)
	prev := st.attempts
	c.stopTimerLocked(st)
	st.attempts = 0
	st.lastErr = ""
	c.mu.Unlock()
	if prev > 0 {
		c.log.Info().Str("scope", scope).Int("after_attempts", prev).Msg("retry: connection restored")
	}
}

// Cancel drops any pending reconnect for scope without touching the counter.
func (c *Core) Cancel(scope string) {
	c.mu.Lock()
	if st, ok := c.scopes[scope]; ok {
		c.stopTimerLocked(st)
	}
	c.mu.Unlock()
}

// ExecuteWithRetry runs op until it succeeds, fails with an authentication
// error, ctx ends, or maxAttempts (<= 0 means unlimited) attempts have been
// made. The last error is returned unchanged.
func (c *Core) ExecuteWithRetry(ctx context.Context, scope string, maxAttempts int, op func(context.Context) error) error {
	p := c.Policy(scope)
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsAuthError(err) || ctx.Err() != nil {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			c.log.Warn().Str("scope", scope).Int("attempts", attempt).Err(err).Msg("retry: giving up")
			return err
		}
		delay := p.Delay(attempt, c.jitter(p.JitterMax))
		c.log.Debug().Str("scope", scope).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retry: operation failed, retrying")
		if werr := c.sleep(ctx, delay); werr != nil {
			return err
		}
	}
}

func (c *Core) sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := clock.SafeAfterFunc(c.clock, d, time.Millisecond, "retry:sleep", func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stats returns a snapshot of every known scope.
func (c *Core) Stats() map[string]ScopeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ScopeStats, len(c.scopes))
	for name, st := range c.scopes {
		out[name] = ScopeStats{
			Attempts:  st.attempts,
			Pending:   st.timer != nil,
			LastDelay: st.lastDelay,
			LastError: st.lastErr,
		}
	}
	return out
}

// Reset cancels all timers and forgets every scope. Registered policies stay.
func (c *Core) Reset() {
	c.mu.Lock()
	for _, st := range c.scopes {
		c.stopTimerLocked(st)
	}
	c.scopes = make(map[string]*scopeState)
	c.mu.Unlock()
}
