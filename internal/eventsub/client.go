package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/helix"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/normalize"
	"github.com/you/gnasty-hub/internal/retry"
)

const (
	DefaultURL = "wss://eventsub.wss.twitch.tv/ws?keepalive_timeout_seconds=30"

	// RetryScope is the retry.Core scope used for reconnects.
	RetryScope = "platform:twitch"

	// WelcomeWait is the pause between the welcome and subscription setup.
	WelcomeWait = 2 * time.Second

	defaultWelcomeTimeout = 15 * time.Second
	defaultWelcomeWarn    = 5 * time.Second
	defaultKeepalive      = 30 * time.Second
	keepaliveGrace        = 5 * time.Second
	readLimit             = 1 << 20
	cleanupTimeout        = 5 * time.Second
)

var (
	ErrWelcomeTimeout     = errors.New("eventsub: no session_welcome received within timeout")
	ErrSubscriptionSetup  = errors.New("eventsub: subscription setup failed")
	ErrValidation         = errors.New("eventsub: connection validation failed")
	ErrKeepaliveTimeout   = errors.New("eventsub: keepalive timeout")
	ErrReconnectExhausted = errors.New("eventsub: reconnect attempts exhausted")
)

type closeInfo struct {
	reason    string
	reconnect bool
}

var closeCodes = map[websocket.StatusCode]closeInfo{
	websocket.StatusNormalClosure:   {"normal closure", false},
	websocket.StatusGoingAway:       {"going away", true},
	websocket.StatusAbnormalClosure: {"abnormal closure", true},
	4000:                            {"internal server error", true},
	4001:                            {"client sent inbound traffic", true},
	4002:                            {"client failed ping-pong", true},
	4003:                            {"connection unused", true},
	4004:                            {"reconnect grace time expired", true},
	4005:                            {"network timeout", true},
	4006:                            {"network error", true},
	4007:                            {"invalid reconnect", true},
}

// DescribeClose returns the reason text for a close code and whether the
// client should reconnect after it.
func DescribeClose(code websocket.StatusCode) (string, bool) {
	if info, ok := closeCodes[code]; ok {
		return info.reason, info.reconnect
	}
	return fmt.Sprintf("unknown close code %d", code), true
}

// Identity is the pair of ids subscription conditions are built from.
type Identity struct {
	UserID        string
	BroadcasterID string
}

// Publisher receives canonical events.
type Publisher interface {
	PublishEvent(ev core.Event) error
}

// Config wires a Client.
type Config struct {
	URL               string
	HTTP              *http.Client
	WelcomeTimeout    time.Duration
	WelcomeWarn       time.Duration
	SubscriptionDelay time.Duration
	Descriptors       []Descriptor

	// Validate runs after the welcome. It checks the token and returns the
	// ids used for subscription conditions.
	Validate func(ctx context.Context) (Identity, error)

	Manager *Manager
	Events  Publisher
	Retry   *retry.Core
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Errors  *errhandler.Handler
}

// session is one WebSocket connection.
type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	welcome   chan welcomeFrame
	failed    chan error
	welcomed  atomic.Bool
	lastFrame atomic.Int64
	closeOnce sync.Once
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

type welcomeFrame struct {
	id        string
	keepalive time.Duration
}

// Client owns the EventSub session: connect, welcome, subscription setup,
// notifications and reconnects.
type Client struct {
	cfg         Config
	manager     *Manager
	retry       *retry.Core
	clock       clock.Clock
	metrics     *metrics.Metrics
	errs        *errhandler.Handler
	log         zerolog.Logger
	welcomeWait time.Duration

	reconnectCh chan struct{}
	giveUp      chan struct{}
	giveUpOnce  sync.Once

	mu           sync.Mutex
	current      *session
	state        core.ConnectionState
	sessionID    string
	reconnectURL string
	keepalive    time.Duration
	stopped      bool
	lastErr      string
	connectedAt  time.Time
}

// New builds a Client. Manager and Retry are required.
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	cfg.WelcomeTimeout = clock.ValidateTimeout(cfg.WelcomeTimeout, defaultWelcomeTimeout, "eventsub:welcome-timeout")
	cfg.WelcomeWarn = clock.ValidateTimeout(cfg.WelcomeWarn, defaultWelcomeWarn, "eventsub:welcome-warn")
	errs := cfg.Errors
	if errs == nil {
		errs = errhandler.New("twitch", cfg.Metrics)
	}
	rc := cfg.Retry
	if rc == nil {
		rc = retry.New(retry.WithClock(cfg.Clock), retry.WithMetrics(cfg.Metrics), retry.WithErrorHandler(errs))
	}
	return &Client{
		cfg:         cfg,
		manager:     cfg.Manager,
		retry:       rc,
		clock:       clock.OrReal(cfg.Clock),
		metrics:     cfg.Metrics,
		errs:        errs,
		log:         logging.With("eventsub"),
		welcomeWait: WelcomeWait,
		reconnectCh: make(chan struct{}, 1),
		giveUp:      make(chan struct{}),
		state:       core.StateIdle,
	}
}

// SessionID returns the id of the live session, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status reports the connection state.
func (c *Client) Status() core.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.ConnectionStatus{
		Platform:          core.PlatformTwitch,
		State:             c.state,
		ConnectionID:      c.sessionID,
		ReconnectAttempts: c.retry.Stats()[RetryScope].Attempts,
		LastError:         c.lastErr,
		ConnectedAt:       c.connectedAt,
	}
}

func (c *Client) setState(st core.ConnectionState, err error) {
	c.mu.Lock()
	c.state = st
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	c.metrics.SetConnected(string(core.PlatformTwitch), st == core.StateConnected)
}

func (c *Client) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

// Connect dials the pending reconnect URL or the configured endpoint and
// waits for the session to be ready. A fresh session gets its
// subscriptions created; a migrated one keeps them.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	target := c.cfg.URL
	migrating := c.reconnectURL != ""
	if migrating {
		target = c.reconnectURL
	}
	c.stopped = false
	c.mu.Unlock()
	c.setState(core.StateConnecting, nil)

	c.log.Info().Bool("reconnect_url", migrating).Msg("eventsub: connecting")
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.WelcomeTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: c.cfg.HTTP})
	cancel()
	if err != nil {
		if migrating {
			c.clearReconnectURL()
		}
		err = fmt.Errorf("eventsub: dial: %w", err)
		c.setState(core.StateError, err)
		return "", err
	}
	conn.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(ctx)
	s := &session{
		conn:    conn,
		cancel:  connCancel,
		welcome: make(chan welcomeFrame, 1),
		failed:  make(chan error, 1),
	}
	s.lastFrame.Store(c.clock.Now().UnixNano())
	go c.readLoop(connCtx, s)

	w, err := c.awaitWelcome(ctx, s)
	if err != nil {
		s.close(websocket.StatusNormalClosure, "welcome not received")
		if migrating {
			c.clearReconnectURL()
		}
		c.setState(core.StateError, err)
		return "", err
	}

	c.mu.Lock()
	prev := c.current
	c.current = s
	c.sessionID = w.id
	c.keepalive = w.keepalive
	c.reconnectURL = ""
	c.connectedAt = c.clock.Now()
	c.mu.Unlock()
	if prev != nil && prev != s {
		prev.close(websocket.StatusNormalClosure, "session migrated")
	}
	go c.watchdog(connCtx, s, w.keepalive)

	if migrating {
		c.setState(core.StateConnected, nil)
		c.retry.OnSuccess(RetryScope)
		c.log.Info().Str("session", w.id).Int("subscriptions", c.manager.Subscriptions().Len()).Msg("eventsub: session migrated, subscriptions carried over")
		c.emitConnected(w.id)
		return w.id, nil
	}

	ident, err := c.validate(ctx)
	if err != nil {
		return "", c.abandon(s, err)
	}
	if err := c.wait(ctx, c.welcomeWait); err != nil {
		return "", c.abandon(s, err)
	}

	c.manager.Subscriptions().Clear()
	res, err := c.manager.Setup(ctx, SetupOptions{
		Descriptors:       c.cfg.Descriptors,
		UserID:            ident.UserID,
		BroadcasterID:     ident.BroadcasterID,
		SessionID:         w.id,
		SubscriptionDelay: c.cfg.SubscriptionDelay,
		IsConnected: func(context.Context) bool {
			return c.isCurrent(s)
		},
		ValidationAlreadyDone: true,
	})
	if err != nil {
		return "", c.abandon(s, err)
	}
	if res.Failed() {
		c.emitSubscriptionFailed(w.id, res)
		err := fmt.Errorf("%w: %d of %d subscriptions failed", ErrSubscriptionSetup, len(res.Failures), res.Total)
		if onlyCritical(res) {
			err = fmt.Errorf("%w (%w)", err, retry.ErrAuth)
		}
		return "", c.abandon(s, err)
	}

	c.setState(core.StateConnected, nil)
	c.retry.OnSuccess(RetryScope)
	c.log.Info().Str("session", w.id).Int("subscriptions", res.Successful).Msg("eventsub: connected")
	c.emitConnected(w.id)
	return w.id, nil
}

func onlyCritical(res *SetupResult) bool {
	if len(res.Failures) == 0 {
		return false
	}
	for _, f := range res.Failures {
		if !f.IsCritical {
			return false
		}
	}
	return true
}

// abandon drops a session that never became usable and returns err.
func (c *Client) abandon(s *session, err error) error {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
		c.sessionID = ""
	}
	c.mu.Unlock()
	s.close(websocket.StatusNormalClosure, "setup aborted")
	c.setState(core.StateError, err)
	return err
}

func (c *Client) validate(ctx context.Context) (Identity, error) {
	if c.cfg.Validate == nil {
		return Identity{}, nil
	}
	ident, err := c.cfg.Validate(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return ident, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Client) awaitWelcome(ctx context.Context, s *session) (welcomeFrame, error) {
	warn := c.clock.AfterFunc(c.cfg.WelcomeWarn, func() {
		c.log.Warn().Dur("after", c.cfg.WelcomeWarn).Msg("eventsub: still waiting for session_welcome")
	})
	defer warn.Stop()
	expired := make(chan struct{})
	deadline := c.clock.AfterFunc(c.cfg.WelcomeTimeout, func() { close(expired) })
	defer deadline.Stop()

	select {
	case w := <-s.welcome:
		return w, nil
	case err := <-s.failed:
		return welcomeFrame{}, err
	case <-expired:
		return welcomeFrame{}, ErrWelcomeTimeout
	case <-ctx.Done():
		return welcomeFrame{}, ctx.Err()
	}
}

func (c *Client) clearReconnectURL() {
	c.mu.Lock()
	c.reconnectURL = ""
	c.mu.Unlock()
}

type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		MessageTimestamp string `json:"message_timestamp"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID                      string `json:"id"`
			Status                  string `json:"status"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription *helix.Subscription `json:"subscription"`
		Event        json.RawMessage     `json:"event"`
	} `json:"payload"`
}

func (c *Client) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleReadError(s, err)
			return
		}
		s.lastFrame.Store(c.clock.Now().UnixNano())
		c.handleFrame(s, data)
	}
}

func (c *Client) handleReadError(s *session, err error) {
	code := websocket.CloseStatus(err)
	if !s.welcomed.Load() {
		reason := "connection closed before welcome"
		if code != -1 {
			r, _ := DescribeClose(code)
			reason = fmt.Sprintf("%s (%d %s)", reason, code, r)
		}
		select {
		case s.failed <- fmt.Errorf("eventsub: %s: %w", reason, err):
		default:
		}
		return
	}
	if !c.isCurrent(s) {
		return
	}

	c.mu.Lock()
	c.current = nil
	c.sessionID = ""
	stopped := c.stopped
	c.mu.Unlock()
	s.cancel()

	if stopped {
		c.setState(core.StateDisconnected, nil)
		return
	}
	if code == -1 {
		c.log.Warn().Err(err).Msg("eventsub: connection lost")
		c.scheduleReconnect(fmt.Errorf("eventsub: read: %w", err))
		return
	}
	reason, reconnect := DescribeClose(code)
	if code == 4007 {
		c.clearReconnectURL()
	}
	if !reconnect {
		c.log.Info().Int("code", int(code)).Str("reason", reason).Msg("eventsub: connection closed")
		c.setState(core.StateDisconnected, nil)
		return
	}
	c.log.Warn().Int("code", int(code)).Str("reason", reason).Msg("eventsub: connection closed, reconnecting")
	c.scheduleReconnect(fmt.Errorf("eventsub: closed %d: %s", code, reason))
}

func (c *Client) handleFrame(s *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.errs.Handle(fmt.Errorf("eventsub: decode frame: %w", err), "eventsub:frame")
		return
	}
	switch env.Metadata.MessageType {
	case "session_welcome":
		if env.Payload.Session == nil || env.Payload.Session.ID == "" {
			c.log.Warn().Msg("eventsub: welcome without session id")
			return
		}
		keepalive := time.Duration(env.Payload.Session.KeepaliveTimeoutSeconds) * time.Second
		if keepalive <= 0 {
			keepalive = defaultKeepalive
		}
		if s.welcomed.CompareAndSwap(false, true) {
			s.welcome <- welcomeFrame{id: env.Payload.Session.ID, keepalive: keepalive}
			c.log.Info().Str("session", env.Payload.Session.ID).Dur("keepalive", keepalive).Msg("eventsub: welcome received")
		}
	case "session_keepalive":
		c.log.Debug().Msg("eventsub: keepalive")
	case "session_reconnect":
		if env.Payload.Session == nil || env.Payload.Session.ReconnectURL == "" {
			c.log.Warn().Msg("eventsub: reconnect message without url")
			return
		}
		c.mu.Lock()
		c.reconnectURL = env.Payload.Session.ReconnectURL
		c.mu.Unlock()
		c.log.Info().Msg("eventsub: server requested reconnect")
		c.requestReconnect()
	case "notification":
		c.handleNotification(env)
	case "revocation":
		if sub := env.Payload.Subscription; sub != nil {
			c.manager.Subscriptions().Remove(sub.ID)
			c.log.Warn().Str("id", sub.ID).Str("type", sub.Type).Str("status", sub.Status).Msg("eventsub: subscription revoked")
		}
	default:
		c.log.Debug().Str("type", env.Metadata.MessageType).Msg("eventsub: ignoring message")
	}
}

func (c *Client) handleNotification(env envelope) {
	subType := env.Metadata.SubscriptionType
	if subType == "" && env.Payload.Subscription != nil {
		subType = env.Payload.Subscription.Type
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Metadata.MessageTimestamp)
	if err != nil {
		ts = c.clock.Now()
	}
	events, err := normalize.EventSub(subType, env.Payload.Event, ts)
	if err != nil {
		c.errs.HandleWith(err, "eventsub:normalize", map[string]any{"subscription_type": subType})
		return
	}
	if len(events) == 0 {
		c.log.Debug().Str("subscription_type", subType).Msg("eventsub: unhandled notification")
	}
	for _, ev := range events {
		c.publish(ev)
	}
}

func (c *Client) publish(ev core.Event) {
	if c.cfg.Events == nil {
		return
	}
	if err := c.cfg.Events.PublishEvent(ev); err != nil {
		c.errs.Handle(err, "eventsub:publish")
	}
}

func (c *Client) emitConnected(sessionID string) {
	ev, err := normalize.Simple(core.PlatformTwitch, core.ChatConnected{StreamID: sessionID}, c.clock.Now(), "", "", sessionID)
	if err != nil {
		c.errs.Handle(err, "eventsub:connected-event")
		return
	}
	c.publish(ev)
}

func (c *Client) emitSubscriptionFailed(sessionID string, res *SetupResult) {
	codes := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		codes = append(codes, f.Name+"="+f.Code)
	}
	msg := fmt.Sprintf("subscription setup failed for session %s: %s", sessionID, strings.Join(codes, ", "))
	ev, err := normalize.Simple(core.PlatformTwitch, core.ErrorInfo{Message: msg, Code: "eventsub-subscription-failed"}, c.clock.Now(), "", "", sessionID)
	if err != nil {
		c.errs.Handle(err, "eventsub:failed-event")
		return
	}
	c.publish(ev)
}

// watchdog reconnects when the server stops sending frames.
func (c *Client) watchdog(ctx context.Context, s *session, keepalive time.Duration) {
	limit := keepalive + keepaliveGrace
	tick := c.clock.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C():
			idle := c.clock.Now().Sub(time.Unix(0, s.lastFrame.Load()))
			if idle <= limit {
				continue
			}
			if !c.isCurrent(s) {
				return
			}
			c.mu.Lock()
			c.current = nil
			c.sessionID = ""
			c.mu.Unlock()
			c.log.Warn().Dur("idle", idle).Msg("eventsub: keepalive missed, reconnecting")
			s.close(websocket.StatusGoingAway, "keepalive timeout")
			c.scheduleReconnect(ErrKeepaliveTimeout)
			return
		}
	}
}

func (c *Client) requestReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Client) scheduleReconnect(err error) {
	dec := c.retry.OnError(RetryScope, err, retry.Hooks{
		Reconnect: c.requestReconnect,
		Cleanup: func() error {
			c.manager.Subscriptions().Clear()
			return nil
		},
		SetState: func(connected bool) {
			if !connected {
				c.setState(core.StateDisconnected, err)
			}
		},
	})
	if dec.Scheduled {
		return
	}
	msg := "reconnect attempts exhausted"
	if dec.Reason == retry.ReasonAuth {
		msg = "Manual re-authentication required"
	}
	ev, eerr := normalize.Simple(core.PlatformTwitch, core.ErrorInfo{Message: msg, Code: dec.Reason}, c.clock.Now(), "", "", "")
	if eerr == nil {
		c.publish(ev)
	}
	c.setState(core.StateError, err)
	c.giveUpOnce.Do(func() { close(c.giveUp) })
}

// Disconnect closes the session. With reconnect set a new connection is
// requested immediately; otherwise pending reconnects are cancelled and
// the session's subscriptions are deleted.
func (c *Client) Disconnect(ctx context.Context, reconnect bool) {
	c.mu.Lock()
	s := c.current
	sessionID := c.sessionID
	c.current = nil
	c.sessionID = ""
	c.stopped = !reconnect
	c.mu.Unlock()

	if !reconnect {
		c.retry.Cancel(RetryScope)
		if sessionID != "" {
			cctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			c.manager.DeleteAllSubscriptions(cctx, sessionID)
			cancel()
		}
		c.manager.Subscriptions().Clear()
	}
	if s != nil {
		s.close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setState(core.StateDisconnected, nil)
	c.log.Info().Bool("reconnect", reconnect).Msg("eventsub: disconnected")
	if reconnect {
		c.requestReconnect()
	}
}

// Serve connects and keeps the session alive until ctx ends or reconnects
// are exhausted.
func (c *Client) Serve(ctx context.Context) error {
	c.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Disconnect(context.WithoutCancel(ctx), false)
			return ctx.Err()
		case <-c.giveUp:
			return ErrReconnectExhausted
		case <-c.reconnectCh:
			c.connect(ctx)
		}
	}
}

func (c *Client) connect(ctx context.Context) {
	if _, err := c.Connect(ctx); err != nil && ctx.Err() == nil {
		c.scheduleReconnect(err)
	}
}

func (c *Client) String() string { return "eventsub" }
