// Package eventsub runs the Twitch EventSub WebSocket session and the
// subscriptions attached to it.
package eventsub

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/helix"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/normalize"
	"github.com/you/gnasty-hub/internal/secrets"
)

// ConditionScope selects the condition shape a descriptor produces.
type ConditionScope int

const (
	ScopeBroadcaster ConditionScope = iota
	ScopeUser
	ScopeModerator
	ScopeToBroadcaster
)

// Descriptor is one subscription the hub asks for.
type Descriptor struct {
	Name    string
	Type    string
	Version string
	Scope   ConditionScope
}

// Condition builds the subscription condition for the given ids.
func (d Descriptor) Condition(userID, broadcasterID string) map[string]string {
	switch d.Scope {
	case ScopeUser:
		return map[string]string{"broadcaster_user_id": broadcasterID, "user_id": userID}
	case ScopeModerator:
		return map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": userID}
	case ScopeToBroadcaster:
		return map[string]string{"to_broadcaster_user_id": broadcasterID}
	default:
		return map[string]string{"broadcaster_user_id": broadcasterID}
	}
}

// DefaultDescriptors is the ordered subscription set created for every
// fresh session.
var DefaultDescriptors = []Descriptor{
	{Name: "chat", Type: normalize.SubChatMessage, Version: "1", Scope: ScopeUser},
	{Name: "follow", Type: normalize.SubFollow, Version: "2", Scope: ScopeModerator},
	{Name: "subscribe", Type: normalize.SubSubscribe, Version: "1"},
	{Name: "raid", Type: normalize.SubRaid, Version: "1", Scope: ScopeToBroadcaster},
	{Name: "cheer", Type: normalize.SubCheer, Version: "1"},
	{Name: "gift-subscribe", Type: normalize.SubSubscriptionGift, Version: "1"},
	{Name: "subscribe-message", Type: normalize.SubSubscriptionMessage, Version: "1"},
	{Name: "stream-online", Type: normalize.SubStreamOnline, Version: "1"},
	{Name: "stream-offline", Type: normalize.SubStreamOffline, Version: "1"},
}

// RedemptionDescriptor is appended when channel point redemptions are wanted.
var RedemptionDescriptor = Descriptor{Name: "redemption", Type: normalize.SubRedemptionAdd, Version: "1"}

// Record is an active subscription.
type Record struct {
	ID      string
	Type    string
	Version string
	Status  string
	Name    string
}

// Registry holds the active subscriptions of the current session, keyed by
// the server-assigned id.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Record
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Record)}
}

func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	r.subs[rec.ID] = rec
	r.mu.Unlock()
}

// Remove reports whether id was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	return ok
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.subs[id]
	return rec, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]Record)
	r.mu.Unlock()
}

// Snapshot returns the records sorted by id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.subs))
	for _, rec := range r.subs {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// API is the slice of the Helix client the manager drives.
type API interface {
	CreateEventSubSubscription(ctx context.Context, req helix.CreateSubscriptionRequest) (helix.Subscription, error)
	ListEventSubSubscriptions(ctx context.Context, status string) ([]helix.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

// Error codes that are not Helix error strings.
const (
	CodeAuthMissing  = "AUTH_MISSING"
	CodeNetworkError = "NETWORK_ERROR"
)

const (
	revalidateEvery = 5 * time.Second
	deleteSpacing   = 100 * time.Millisecond
	maxCreateRetry  = 1
)

// SubscriptionError classifies a failed create.
type SubscriptionError struct {
	Code        string
	Message     string
	Status      int
	IsCritical  bool
	IsRetryable bool
}

// ParseSubscriptionError classifies err. Anything that is not a Helix
// response is treated as a network failure.
func ParseSubscriptionError(err error) SubscriptionError {
	if errors.Is(err, helix.ErrAuthMissing) {
		return SubscriptionError{Code: CodeAuthMissing, Message: err.Error(), IsCritical: true}
	}
	var apiErr *helix.APIError
	if !errors.As(err, &apiErr) {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return SubscriptionError{Code: CodeNetworkError, Message: msg, IsRetryable: true}
	}
	code := strings.TrimSpace(apiErr.Code)
	if code == "" {
		code = http.StatusText(apiErr.Status)
	}
	return SubscriptionError{
		Code:        code,
		Message:     apiErr.Message,
		Status:      apiErr.Status,
		IsCritical:  code == "Unauthorized" || code == "Forbidden",
		IsRetryable: code == "Too Many Requests" || code == "Internal Server Error",
	}
}

// Failure is one descriptor that could not be subscribed.
type Failure struct {
	Name string
	Type string
	SubscriptionError
}

// SetupResult summarises one setup run.
type SetupResult struct {
	Successful int
	Total      int
	Failures   []Failure
	Timestamp  time.Time
}

// Failed reports whether nothing was subscribed.
func (r *SetupResult) Failed() bool {
	return r == nil || (r.Total > 0 && r.Successful == 0)
}

// SetupOptions are the inputs of Manager.Setup.
type SetupOptions struct {
	Descriptors       []Descriptor
	UserID            string
	BroadcasterID     string
	SessionID         string
	SubscriptionDelay time.Duration
	// IsConnected validates the session before and during setup.
	IsConnected           func(ctx context.Context) bool
	ValidationAlreadyDone bool
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	API           API
	Secrets       *secrets.Store
	Subscriptions *Registry
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Errors        *errhandler.Handler
	// RetryUnit scales the single create retry; zero means one second.
	RetryUnit time.Duration
}

// Manager creates and deletes the subscriptions of a session. Creates are
// strictly sequential.
type Manager struct {
	api       API
	secrets   *secrets.Store
	subs      *Registry
	clock     clock.Clock
	metrics   *metrics.Metrics
	errs      *errhandler.Handler
	retryUnit time.Duration
	log       zerolog.Logger

	mu sync.Mutex
}

func NewManager(cfg ManagerConfig) *Manager {
	subs := cfg.Subscriptions
	if subs == nil {
		subs = NewRegistry()
	}
	errs := cfg.Errors
	if errs == nil {
		errs = errhandler.New("twitch", cfg.Metrics)
	}
	unit := cfg.RetryUnit
	if unit <= 0 {
		unit = time.Second
	}
	return &Manager{
		api:       cfg.API,
		secrets:   cfg.Secrets,
		subs:      subs,
		clock:     clock.OrReal(cfg.Clock),
		metrics:   cfg.Metrics,
		errs:      errs,
		retryUnit: unit,
		log:       logging.With("eventsub"),
	}
}

// Subscriptions returns the registry the manager writes to.
func (m *Manager) Subscriptions() *Registry { return m.subs }

func (m *Manager) authReady() bool {
	if m.secrets == nil {
		return false
	}
	rec := m.secrets.Snapshot()
	return rec.TwitchClientID != "" && rec.Twitch.AccessToken != ""
}

// Setup creates every descriptor for the session in order. It returns nil
// when the connection does not validate.
func (m *Manager) Setup(ctx context.Context, opts SetupOptions) (*SetupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := func() bool { return opts.IsConnected == nil || opts.IsConnected(ctx) }
	if !opts.ValidationAlreadyDone && !valid() {
		m.log.Warn().Str("session", opts.SessionID).Msg("eventsub: connection not valid, skipping subscription setup")
		return nil, nil
	}

	descs := opts.Descriptors
	if descs == nil {
		descs = DefaultDescriptors
	}
	res := &SetupResult{Total: len(descs), Timestamp: m.clock.Now()}

	if !m.authReady() {
		for _, d := range descs {
			res.Failures = append(res.Failures, Failure{
				Name: d.Name,
				Type: d.Type,
				SubscriptionError: SubscriptionError{
					Code:       CodeAuthMissing,
					Message:    "missing client id or access token",
					IsCritical: true,
				},
			})
		}
		m.metrics.IncSubscription("auth-missing")
		m.log.Error().Int("total", res.Total).Msg("eventsub: cannot subscribe without credentials; re-authentication required")
		return res, nil
	}

	limit := rate.Inf
	if opts.SubscriptionDelay > 0 {
		limit = rate.Every(opts.SubscriptionDelay)
	}
	pace := rate.NewLimiter(limit, 1)
	lastCheck := m.clock.Now()

	for _, d := range descs {
		if now := m.clock.Now(); now.Sub(lastCheck) >= revalidateEvery {
			lastCheck = now
			if !valid() {
				m.log.Warn().Str("next", d.Name).Msg("eventsub: connection lost during setup, stopping")
				break
			}
		}
		if err := pace.Wait(ctx); err != nil {
			return res, err
		}

		req := helix.WebSocketSubscription(d.Type, d.Version, d.Condition(opts.UserID, opts.BroadcasterID), opts.SessionID)
		sub, err := m.create(ctx, d, req)
		if err == nil {
			m.subs.Put(Record{ID: sub.ID, Type: d.Type, Version: d.Version, Status: sub.Status, Name: d.Name})
			res.Successful++
			m.metrics.IncSubscription("created")
			m.log.Debug().Str("name", d.Name).Str("id", sub.ID).Msg("eventsub: subscribed")
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		se := ParseSubscriptionError(err)
		res.Failures = append(res.Failures, Failure{Name: d.Name, Type: d.Type, SubscriptionError: se})
		m.metrics.IncSubscription("failed")
		m.log.Warn().
			Str("name", d.Name).
			Str("code", se.Code).
			Bool("critical", se.IsCritical).
			Str("message", se.Message).
			Msg("eventsub: subscription failed")
		if se.IsCritical {
			break
		}
	}

	m.log.Info().
		Int("successful", res.Successful).
		Int("total", res.Total).
		Int("failed", len(res.Failures)).
		Msg("eventsub: subscription setup finished")
	return res, nil
}

// create posts one subscription, retrying once for retryable failures.
func (m *Manager) create(ctx context.Context, d Descriptor, req helix.CreateSubscriptionRequest) (helix.Subscription, error) {
	retriesRemaining := maxCreateRetry
	for {
		sub, err := m.api.CreateEventSubSubscription(ctx, req)
		if err == nil {
			return sub, nil
		}
		se := ParseSubscriptionError(err)
		if !se.IsRetryable || se.IsCritical || retriesRemaining == 0 || ctx.Err() != nil {
			return helix.Subscription{}, err
		}
		delay := time.Duration(retriesRemaining) * m.retryUnit
		m.log.Info().Str("name", d.Name).Str("code", se.Code).Dur("delay", delay).Msg("eventsub: retrying subscription")
		m.metrics.IncSubscription("retried")
		retriesRemaining--
		if werr := m.sleep(ctx, delay); werr != nil {
			return helix.Subscription{}, err
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := clock.SafeAfterFunc(m.clock, d, time.Millisecond, "eventsub:retry", func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

// CleanupResult counts deletes.
type CleanupResult struct {
	Deleted int
	Failed  int
}

// CleanupAllWebSocketSubscriptions deletes every websocket subscription on
// the account, or only those of sessionID when it is set.
func (m *Manager) CleanupAllWebSocketSubscriptions(ctx context.Context, sessionID string) CleanupResult {
	return m.deleteMatching(ctx, func(s helix.Subscription) bool {
		if s.Transport.Method != "websocket" {
			return false
		}
		return sessionID == "" || s.Transport.SessionID == sessionID
	})
}

// DeleteAllSubscriptions deletes the subscriptions of sessionID only.
func (m *Manager) DeleteAllSubscriptions(ctx context.Context, sessionID string) CleanupResult {
	if sessionID == "" {
		return CleanupResult{}
	}
	return m.deleteMatching(ctx, func(s helix.Subscription) bool {
		return s.Transport.Method == "websocket" && s.Transport.SessionID == sessionID
	})
}

func (m *Manager) deleteMatching(ctx context.Context, match func(helix.Subscription) bool) CleanupResult {
	var res CleanupResult
	all, err := m.api.ListEventSubSubscriptions(ctx, "")
	if err != nil {
		m.errs.Handle(err, "eventsub:list-subscriptions")
		return res
	}
	pace := rate.NewLimiter(rate.Every(deleteSpacing), 1)
	for _, s := range all {
		if !match(s) {
			continue
		}
		if err := pace.Wait(ctx); err != nil {
			return res
		}
		if err := m.api.DeleteEventSubSubscription(ctx, s.ID); err != nil {
			res.Failed++
			m.errs.HandleWith(err, "eventsub:delete-subscription", map[string]any{"id": s.ID, "type": s.Type})
			continue
		}
		m.subs.Remove(s.ID)
		res.Deleted++
	}
	if res.Deleted > 0 || res.Failed > 0 {
		m.log.Info().Int("deleted", res.Deleted).Int("failed", res.Failed).Msg("eventsub: subscriptions cleaned up")
	}
	return res
}
