package twitch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/retry"
	"github.com/you/gnasty-hub/internal/secrets"
)

// RefreshScope is the retry scope used for token endpoint calls.
const RefreshScope = "twitch-token-refresh"

const (
	defaultRefreshBuffer   = 5 * time.Minute
	defaultNetworkAttempts = 3
	maxRateLimitRetries    = 2
	maxRetryAfter          = time.Minute
	minBackoff             = time.Second
	maxBackoff             = time.Minute
)

var (
	// ErrReauthRequired means the refresh token is no longer usable and the
	// user must run the authorization flow again.
	ErrReauthRequired = errors.New("Manual re-authentication required")
	// ErrInvalidGrant is returned when the token endpoint rejects the
	// refresh token.
	ErrInvalidGrant = errors.New("twitch: refresh token rejected (invalid_grant)")
)

// IsFatal reports whether a refresh error needs user action.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrInvalidGrant)
}

// RefreshManager keeps the Twitch access token fresh.
type RefreshManager struct {
	ClientID     string
	ClientSecret string
	Store        TokenStore
	Secrets      *secrets.Store
	HTTP         *http.Client
	Retry        *retry.Core
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	// Buffer is how long before expiry the refresh runs.
	Buffer          time.Duration
	NetworkAttempts int
	// OnRefresh is called after every successful refresh.
	OnRefresh func(secrets.Twitch)

	mu sync.Mutex

	schedMu sync.Mutex
	timer   clock.Timer
	gen     uint64
	backoff time.Duration
}

// Schedule describes the pending refresh.
type Schedule struct {
	RefreshAt time.Time
	Cancel    func()
}

func (m *RefreshManager) log() *zerolog.Logger {
	l := logging.With("twitch-refresh")
	return &l
}

func (m *RefreshManager) clock() clock.Clock { return clock.OrReal(m.Clock) }

func (m *RefreshManager) buffer() time.Duration {
	if m.Buffer <= 0 {
		return defaultRefreshBuffer
	}
	return m.Buffer
}

func (m *RefreshManager) retryCore() *retry.Core {
	if m.Retry == nil {
		m.Retry = retry.New(retry.WithMetrics(m.Metrics))
	}
	return m.Retry
}

// Refresh exchanges the stored refresh token for a new pair. It returns
// false with a nil error when no refresh token is available. Concurrent
// callers are serialized.
func (m *RefreshManager) Refresh(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.Secrets.Snapshot()
	refreshToken := strings.TrimSpace(snap.Twitch.RefreshToken)
	if refreshToken == "" {
		m.log().Debug().Msg("no refresh token; skipping refresh")
		return false, nil
	}
	clientID := strings.TrimSpace(m.ClientID)
	if clientID == "" {
		clientID = snap.TwitchClientID
	}
	clientSecret := strings.TrimSpace(m.ClientSecret)
	if clientSecret == "" {
		clientSecret = snap.TwitchClientSecret
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	attempts := m.NetworkAttempts
	if attempts <= 0 {
		attempts = defaultNetworkAttempts
	}

	for rateLimited := 0; ; rateLimited++ {
		var reply tokenReply
		err := m.retryCore().ExecuteWithRetry(ctx, RefreshScope, attempts, func(ctx context.Context) error {
			r, err := postTokenForm(ctx, m.HTTP, form)
			if err != nil {
				return err
			}
			reply = r
			return nil
		})
		if err != nil {
			m.Metrics.IncTokenRefresh("network-error")
			return false, err
		}

		if reply.status == http.StatusTooManyRequests && rateLimited < maxRateLimitRetries {
			wait := retryAfter(reply.retryAfter) + time.Duration(rand.Int64N(int64(time.Second)))
			m.log().Warn().Dur("wait", wait).Msg("token endpoint rate limited")
			if err := clock.SafeDelay(ctx, wait); err != nil {
				return false, err
			}
			continue
		}
		return m.apply(reply)
	}
}

func (m *RefreshManager) apply(reply tokenReply) (bool, error) {
	msg := reply.body.errorText()
	lower := strings.ToLower(msg + " " + reply.body.Error)

	switch {
	case reply.status == http.StatusOK:
	case strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "invalid refresh token"):
		m.Metrics.IncTokenRefresh("invalid-grant")
		m.log().Error().Str("reason", msg).Msg("refresh token rejected")
		return false, ErrInvalidGrant
	case reply.status == http.StatusUnauthorized && (strings.Contains(lower, "expired") || strings.Contains(lower, "invalid")):
		m.Metrics.IncTokenRefresh("reauth-required")
		m.log().Error().Str("reason", msg).Msg("refresh unauthorized; manual re-authentication required")
		return false, ErrReauthRequired
	default:
		m.Metrics.IncTokenRefresh("failed")
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", reply.status)
		}
		return false, fmt.Errorf("twitch: refresh failed (%d): %s", reply.status, msg)
	}

	access := strings.TrimSpace(reply.body.AccessToken)
	if access == "" {
		m.Metrics.IncTokenRefresh("failed")
		return false, ErrNoAccessToken
	}
	expiresIn := time.Duration(reply.body.ExpiresIn) * time.Second
	if reply.body.ExpiresIn <= 0 {
		expiresIn = time.Hour
	}

	m.Secrets.SetTwitchTokens(secrets.Twitch{
		AccessToken:  access,
		RefreshToken: reply.body.RefreshToken,
		ExpiresAt:    m.clock().Now().Add(expiresIn).UnixMilli(),
	})
	// Re-read so an omitted refresh token keeps the previous one on disk too.
	updated := m.Secrets.Snapshot().Twitch
	if err := m.Store.Save(updated); err != nil {
		m.Metrics.IncTokenRefresh("persist-failed")
		return false, err
	}

	m.Metrics.IncTokenRefresh("success")
	m.log().Info().
		Str("access_token", logging.TokenPrefix(access)).
		Time("expires_at", time.UnixMilli(updated.ExpiresAt).UTC()).
		Msg("refreshed token")
	if m.OnRefresh != nil {
		m.OnRefresh(updated)
	}
	return true, nil
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		if d > maxRetryAfter {
			return maxRetryAfter
		}
		if d < 0 {
			return 0
		}
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		if d > maxRetryAfter {
			return maxRetryAfter
		}
		return d
	}
	return time.Second
}

// EnsureFresh refreshes when the token expires within the buffer.
func (m *RefreshManager) EnsureFresh(ctx context.Context) (bool, error) {
	exp := m.Secrets.Snapshot().Twitch.ExpiresAt
	if exp == 0 {
		return false, nil
	}
	if time.UnixMilli(exp).Sub(m.clock().Now()) > m.buffer() {
		return false, nil
	}
	return m.Refresh(ctx)
}

// Schedule arms a refresh at expiresAt minus the buffer, replacing any
// pending one. An unknown or past expiry refreshes almost immediately.
func (m *RefreshManager) Schedule(ctx context.Context) Schedule {
	exp := m.Secrets.Snapshot().Twitch.ExpiresAt
	now := m.clock().Now()
	var delay time.Duration
	if exp > 0 {
		delay = time.UnixMilli(exp).Add(-m.buffer()).Sub(now)
	}
	return m.scheduleIn(ctx, delay)
}

func (m *RefreshManager) scheduleIn(ctx context.Context, delay time.Duration) Schedule {
	delay = clock.ValidateTimeout(delay, time.Second, "twitch-refresh")

	m.schedMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = m.clock().AfterFunc(delay, func() { m.fire(ctx, gen) })
	m.schedMu.Unlock()

	at := m.clock().Now().Add(delay)
	m.log().Debug().Time("refresh_at", at).Msg("token refresh scheduled")
	return Schedule{
		RefreshAt: at,
		Cancel: func() {
			m.schedMu.Lock()
			defer m.schedMu.Unlock()
			if m.gen == gen && m.timer != nil {
				m.timer.Stop()
				m.timer = nil
			}
		},
	}
}

func (m *RefreshManager) fire(ctx context.Context, gen uint64) {
	m.schedMu.Lock()
	current := m.gen == gen
	if current {
		m.timer = nil
	}
	m.schedMu.Unlock()
	if !current || ctx.Err() != nil {
		return
	}
	_ = m.PerformAutomaticRefresh(ctx)
}

// Stop cancels any pending refresh.
func (m *RefreshManager) Stop() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Pending reports whether a refresh is scheduled.
func (m *RefreshManager) Pending() bool {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	return m.timer != nil
}

// PerformAutomaticRefresh refreshes and reschedules. Fatal failures stop the
// schedule; transient ones retry with a doubling backoff capped at a minute.
func (m *RefreshManager) PerformAutomaticRefresh(ctx context.Context) error {
	ok, err := m.Refresh(ctx)
	switch {
	case err == nil && ok:
		m.schedMu.Lock()
		m.backoff = 0
		m.schedMu.Unlock()
		m.Schedule(ctx)
		return nil
	case err == nil:
		m.log().Warn().Msg("automatic refresh skipped: no refresh token")
		return nil
	case IsFatal(err) || ctx.Err() != nil:
		m.log().Error().Err(err).Msg("automatic refresh stopped")
		m.Stop()
		return err
	}

	m.schedMu.Lock()
	if m.backoff < minBackoff {
		m.backoff = minBackoff
	} else if m.backoff *= 2; m.backoff > maxBackoff {
		m.backoff = maxBackoff
	}
	wait := m.backoff
	m.schedMu.Unlock()

	m.log().Warn().Err(err).Dur("retry_in", wait).Msg("automatic refresh failed")
	m.scheduleIn(ctx, wait)
	return err
}

// Serve schedules refreshes until ctx ends.
func (m *RefreshManager) Serve(ctx context.Context) error {
	m.Schedule(ctx)
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}
