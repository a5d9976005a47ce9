// Package tiktok connects to a TikTok LIVE WebSocket bridge and turns its
// frames into canonical events.
package tiktok

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
	"github.com/you/gnasty-hub/internal/gifts"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/normalize"
	"github.com/you/gnasty-hub/internal/retry"
)

const (
	DefaultBridgeURL = "wss://ws.eulerstream.com"

	// RetryScope is the retry.Core scope used for reconnects.
	RetryScope = "platform:tiktok"

	defaultPingInterval   = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
	readLimit             = 1 << 21
)

var (
	ErrFatalClose         = errors.New("tiktok: bridge refused connection")
	ErrReconnectExhausted = errors.New("tiktok: reconnect attempts exhausted")
	ErrUsernameRequired   = errors.New("tiktok: username is required")
	ErrPingFailed         = errors.New("tiktok: ping failed")
)

// TimeoutError is returned when no room info arrives in time.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Connection timeout - no room info received within %d seconds", int(e.After/time.Second))
}

// CloseInfo describes a bridge close code.
type CloseInfo struct {
	Reason    string
	Reconnect bool
	StreamEnd bool
	Fatal     bool
}

var closeCodes = map[websocket.StatusCode]CloseInfo{
	1000: {Reason: "normal closure"},
	1001: {Reason: "going away", Reconnect: true},
	1006: {Reason: "abnormal closure", Reconnect: true},
	1011: {Reason: "server error", Reconnect: true},
	4005: {Reason: "stream ended", StreamEnd: true},
	4006: {Reason: "inactivity timeout", Reconnect: true},
	4401: {Reason: "invalid options", Fatal: true},
	4404: {Reason: "User is not live", StreamEnd: true},
	4429: {Reason: "too many connections", Fatal: true},
	4500: {Reason: "unexpected error", Reconnect: true},
}

// DescribeClose looks up a close code. Unknown codes reconnect.
func DescribeClose(code websocket.StatusCode) CloseInfo {
	if info, ok := closeCodes[code]; ok {
		return info
	}
	return CloseInfo{Reason: fmt.Sprintf("unknown close code %d", code), Reconnect: true}
}

// CloseError is a bridge close observed by the client.
type CloseError struct {
	Code websocket.StatusCode
	CloseInfo
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("tiktok: connection closed (%d %s)", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	if e.Fatal {
		return ErrFatalClose
	}
	return nil
}

// Event is a raw bridge message.
type Event struct {
	Kind       string
	Data       map[string]any
	ReceivedAt time.Time
}

// RoomInfo is what Connect resolves with.
type RoomInfo struct {
	RoomID string
	IsLive bool
	Status int
}

// Publisher receives canonical events.
type Publisher interface {
	PublishEvent(ev core.Event) error
}

// Config wires a Client.
type Config struct {
	BridgeURL      string
	Username       string
	APIKey         string
	PingInterval   time.Duration
	ConnectTimeout time.Duration
	HTTP           *http.Client

	Events Publisher
	// OnRaw sees every bridge message, including kinds with no canonical form.
	OnRaw func(Event)
	// Gifts aggregates gift streaks; without it gifts publish as they arrive.
	Gifts *gifts.Aggregator

	Retry   *retry.Core
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Errors  *errhandler.Handler
}

type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	room      chan RoomInfo
	failed    chan error
	resolved  atomic.Bool
	closeOnce sync.Once
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

// Client is one bridge connection for one username.
type Client struct {
	cfg     Config
	retry   *retry.Core
	clock   clock.Clock
	metrics *metrics.Metrics
	errs    *errhandler.Handler
	log     zerolog.Logger

	reconnectCh chan struct{}
	giveUp      chan error
	giveUpOnce  sync.Once

	mu           sync.Mutex
	current      *session
	state        core.ConnectionState
	room         RoomInfo
	stopped      bool
	lastErr      string
	connectedAt  time.Time
	lastMessage  time.Time
	messageCount int
}

// New builds a Client.
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	cfg.Username = strings.TrimPrefix(strings.TrimSpace(cfg.Username), "@")
	cfg.PingInterval = clock.ValidateTimeout(cfg.PingInterval, defaultPingInterval, "tiktok:ping-interval")
	cfg.ConnectTimeout = clock.ValidateTimeout(cfg.ConnectTimeout, defaultConnectTimeout, "tiktok:connect-timeout")
	errs := cfg.Errors
	if errs == nil {
		errs = errhandler.New(string(core.PlatformTikTok), cfg.Metrics)
	}
	rc := cfg.Retry
	if rc == nil {
		rc = retry.New(retry.WithClock(cfg.Clock), retry.WithMetrics(cfg.Metrics), retry.WithErrorHandler(errs))
	}
	return &Client{
		cfg:         cfg,
		retry:       rc,
		clock:       clock.OrReal(cfg.Clock),
		metrics:     cfg.Metrics,
		errs:        errs,
		log:         logging.With("tiktok").With().Str("user", cfg.Username).Logger(),
		reconnectCh: make(chan struct{}, 1),
		giveUp:      make(chan error, 1),
		state:       core.StateIdle,
	}
}

// endpoint builds the bridge URL for the configured user.
func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BridgeURL)
	if err != nil {
		return "", fmt.Errorf("tiktok: bridge url: %w", err)
	}
	q := u.Query()
	q.Set("uniqueId", c.cfg.Username)
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Status reports the connection state.
func (c *Client) Status() core.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.ConnectionStatus{
		Platform:          core.PlatformTikTok,
		State:             c.state,
		ConnectionID:      c.room.RoomID,
		ReconnectAttempts: c.retry.Stats()[RetryScope].Attempts,
		LastError:         c.lastErr,
		ConnectedAt:       c.connectedAt,
	}
}

// Stats returns the message counters of the current connection.
func (c *Client) Stats() (count int, last time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageCount, c.lastMessage
}

func (c *Client) setState(st core.ConnectionState, err error) {
	c.mu.Lock()
	c.state = st
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	c.metrics.SetConnected(string(core.PlatformTikTok), st == core.StateConnected)
}

func (c *Client) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

// Connect opens the bridge socket and waits for room info.
func (c *Client) Connect(ctx context.Context) (RoomInfo, error) {
	if c.cfg.Username == "" {
		return RoomInfo{}, ErrUsernameRequired
	}
	target, err := c.endpoint()
	if err != nil {
		return RoomInfo{}, err
	}
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	c.setState(core.StateConnecting, nil)
	c.log.Info().Msg("tiktok: connecting to bridge")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: c.cfg.HTTP})
	cancel()
	if err != nil {
		err = fmt.Errorf("tiktok: dial: %w", err)
		c.setState(core.StateError, err)
		return RoomInfo{}, err
	}
	conn.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(ctx)
	s := &session{
		conn:   conn,
		cancel: connCancel,
		room:   make(chan RoomInfo, 1),
		failed: make(chan error, 1),
	}
	c.mu.Lock()
	prev := c.current
	c.current = s
	c.messageCount = 0
	c.mu.Unlock()
	if prev != nil {
		prev.close(websocket.StatusNormalClosure, "replaced")
	}
	go c.readLoop(connCtx, s)
	go c.pingLoop(connCtx, s)

	expired := make(chan struct{})
	deadline := c.clock.AfterFunc(c.cfg.ConnectTimeout, func() { close(expired) })
	defer deadline.Stop()

	select {
	case room := <-s.room:
		c.mu.Lock()
		c.room = room
		c.connectedAt = c.clock.Now()
		c.mu.Unlock()
		c.setState(core.StateConnected, nil)
		c.retry.OnSuccess(RetryScope)
		c.log.Info().Str("room", room.RoomID).Bool("live", room.IsLive).Msg("tiktok: connected")
		return room, nil
	case err := <-s.failed:
		c.drop(s)
		c.setState(core.StateError, err)
		return RoomInfo{}, err
	case <-expired:
		err := &TimeoutError{After: c.cfg.ConnectTimeout}
		c.drop(s)
		s.close(websocket.StatusNormalClosure, "room info timeout")
		c.setState(core.StateError, err)
		return RoomInfo{}, err
	case <-ctx.Done():
		c.drop(s)
		s.close(websocket.StatusNormalClosure, "cancelled")
		return RoomInfo{}, ctx.Err()
	}
}

func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleClose(s, err)
			return
		}
		c.handleFrame(s, data)
	}
}

func (c *Client) pingLoop(ctx context.Context, s *session) {
	tick := c.clock.NewTicker(c.cfg.PingInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C():
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.pingFailed(s, err)
				return
			}
		}
	}
}

// pingFailed tears s down and schedules the reconnect itself: closing the
// session cancels readLoop before it can observe the failure.
func (c *Client) pingFailed(s *session, err error) {
	err = fmt.Errorf("%w: %w", ErrPingFailed, err)
	c.log.Warn().Err(err).Msg("tiktok: ping failed, reconnecting")
	if !s.resolved.Load() {
		select {
		case s.failed <- err:
		default:
		}
		s.close(websocket.StatusGoingAway, "ping failed")
		return
	}
	if !c.isCurrent(s) {
		s.close(websocket.StatusGoingAway, "ping failed")
		return
	}
	c.mu.Lock()
	c.current = nil
	stopped := c.stopped
	c.mu.Unlock()
	s.close(websocket.StatusGoingAway, "ping failed")
	if stopped {
		c.setState(core.StateDisconnected, nil)
		return
	}
	c.scheduleReconnect(err)
}

type frame struct {
	Type     string            `json:"type"`
	Event    string            `json:"event"`
	Data     map[string]any    `json:"data"`
	Messages []json.RawMessage `json:"messages"`
}

func (c *Client) handleFrame(s *session, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.errs.Handle(fmt.Errorf("tiktok: decode frame: %w", err), "tiktok:frame")
		return
	}
	if len(f.Messages) == 0 {
		c.handleMessage(s, f)
		return
	}
	for _, raw := range f.Messages {
		var m frame
		if err := json.Unmarshal(raw, &m); err != nil {
			c.errs.Handle(fmt.Errorf("tiktok: decode message: %w", err), "tiktok:frame")
			continue
		}
		c.handleMessage(s, m)
	}
}

func (c *Client) handleMessage(s *session, m frame) {
	kind := m.Type
	if kind == "" {
		kind = m.Event
	}
	if kind == "" {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	c.messageCount++
	c.lastMessage = now
	c.mu.Unlock()

	switch kind {
	case "connected", "roomInfo":
		if room, ok := readRoom(m.Data); ok && s.resolved.CompareAndSwap(false, true) {
			s.room <- room
		}
		c.raw(Event{Kind: kind, Data: m.Data, ReceivedAt: now})
	case "streamEnd":
		c.streamEnd(now, "stream ended")
	default:
		c.Dispatch(Event{Kind: kind, Data: m.Data, ReceivedAt: now})
	}
}

// readRoom accepts {roomInfo:{id,isLive,status}} and flat {roomId,isLive,status}.
func readRoom(data map[string]any) (RoomInfo, bool) {
	src := data
	if inner, ok := data["roomInfo"].(map[string]any); ok {
		src = inner
	}
	id := anyString(src["id"])
	if id == "" {
		id = anyString(src["roomId"])
	}
	if id == "" {
		id = anyString(data["roomId"])
	}
	if id == "" {
		return RoomInfo{}, false
	}
	live, _ := src["isLive"].(bool)
	status := 0
	if n, ok := src["status"].(float64); ok {
		status = int(n)
	}
	return RoomInfo{RoomID: id, IsLive: live, Status: status}, true
}

func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func (c *Client) raw(ev Event) {
	if c.cfg.OnRaw != nil {
		c.cfg.OnRaw(ev)
	}
}

// Dispatch fans a raw bridge event out to canonical events.
func (c *Client) Dispatch(ev Event) {
	c.raw(ev)
	if ev.Kind == "social" {
		if normalize.IsTikTokShare(ev.Data) {
			c.emit("social", ev.Data, ev.ReceivedAt)
			return
		}
		if normalize.IsTikTokFollow(ev.Data) {
			c.raw(Event{Kind: "follow", Data: ev.Data, ReceivedAt: ev.ReceivedAt})
			c.emit("follow", ev.Data, ev.ReceivedAt)
		}
		return
	}
	c.emit(ev.Kind, ev.Data, ev.ReceivedAt)
}

func (c *Client) emit(kind string, data map[string]any, at time.Time) {
	events, err := normalize.TikTok(kind, data, at)
	if err != nil {
		c.errs.HandleWith(err, "tiktok:normalize", map[string]any{"kind": kind})
		return
	}
	for _, ev := range events {
		if ev.Type == core.TypeGift && c.cfg.Gifts != nil {
			g, err := gifts.FromEvent(ev)
			if err == nil {
				err = c.cfg.Gifts.HandleStandardGift(g)
			}
			if err != nil {
				c.errs.HandleWith(err, "tiktok:gift", map[string]any{"user_id": ev.UserID})
			}
			continue
		}
		c.publish(ev)
	}
}

func (c *Client) publish(ev core.Event) {
	if c.cfg.Events == nil {
		return
	}
	if err := c.cfg.Events.PublishEvent(ev); err != nil {
		c.errs.Handle(err, "tiktok:publish")
	}
}

func (c *Client) streamEnd(at time.Time, reason string) {
	c.log.Info().Str("reason", reason).Msg("tiktok: stream ended")
	data := map[string]any{"reason": reason}
	c.raw(Event{Kind: "streamEnd", Data: data, ReceivedAt: at})
	c.emit("streamEnd", data, at)
}

func (c *Client) handleClose(s *session, err error) {
	code := websocket.CloseStatus(err)
	info := DescribeClose(code)
	if code == -1 {
		info = CloseInfo{Reason: err.Error(), Reconnect: true}
	}
	if info.StreamEnd {
		c.streamEnd(c.clock.Now(), info.Reason)
	}
	closeErr := &CloseError{Code: code, CloseInfo: info}

	if !s.resolved.Load() {
		select {
		case s.failed <- closeErr:
		default:
		}
		return
	}
	if !c.isCurrent(s) {
		return
	}
	c.mu.Lock()
	c.current = nil
	stopped := c.stopped
	c.mu.Unlock()
	s.cancel()

	switch {
	case stopped:
		c.setState(core.StateDisconnected, nil)
	case info.Reconnect:
		c.log.Warn().Int("code", int(code)).Str("reason", info.Reason).Msg("tiktok: connection closed, reconnecting")
		c.scheduleReconnect(closeErr)
	case info.Fatal:
		c.log.Error().Int("code", int(code)).Str("reason", info.Reason).Msg("tiktok: bridge refused connection")
		c.fail(closeErr)
	default:
		c.log.Info().Int("code", int(code)).Str("reason", info.Reason).Msg("tiktok: connection closed")
		c.setState(core.StateDisconnected, nil)
	}
}

func (c *Client) requestReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// scheduleReconnect asks the retry core for a delayed reconnect, unless
// err says a reconnect is pointless.
func (c *Client) scheduleReconnect(err error) {
	var ce *CloseError
	if errors.As(err, &ce) && !ce.Reconnect {
		if ce.Fatal {
			c.fail(err)
		} else {
			c.setState(core.StateDisconnected, err)
		}
		return
	}
	dec := c.retry.OnError(RetryScope, err, retry.Hooks{
		Reconnect: c.requestReconnect,
		SetState: func(connected bool) {
			if !connected {
				c.setState(core.StateDisconnected, err)
			}
		},
	})
	if !dec.Scheduled {
		c.fail(fmt.Errorf("%w: %w", ErrReconnectExhausted, err))
	}
}

func (c *Client) fail(err error) {
	c.setState(core.StateError, err)
	ev, eerr := normalize.Simple(core.PlatformTikTok, core.ErrorInfo{Message: err.Error(), Code: "tiktok-connection"}, c.clock.Now(), "", "", "")
	if eerr == nil {
		c.publish(ev)
	}
	c.giveUpOnce.Do(func() { c.giveUp <- err })
}

// Disconnect closes the bridge socket. With reconnect set a new connection
// is requested immediately; otherwise pending reconnects are cancelled.
func (c *Client) Disconnect(reconnect bool) {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.stopped = !reconnect
	c.mu.Unlock()
	if !reconnect {
		c.retry.Cancel(RetryScope)
		if c.cfg.Gifts != nil {
			c.cfg.Gifts.Cleanup()
		}
	}
	if s != nil {
		s.close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setState(core.StateDisconnected, nil)
	if reconnect {
		c.requestReconnect()
	}
}

// Serve connects and keeps the connection alive until ctx ends, the bridge
// refuses the connection, or reconnects run out.
func (c *Client) Serve(ctx context.Context) error {
	c.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Disconnect(false)
			return ctx.Err()
		case err := <-c.giveUp:
			c.Disconnect(false)
			return err
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

func (c *Client) String() string { return "tiktok" }
