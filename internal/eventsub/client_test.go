package eventsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/helix"
	"github.com/you/gnasty-hub/internal/retry"
	"github.com/you/gnasty-hub/internal/secrets"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.Event
}

func (p *recordingPublisher) PublishEvent(ev core.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) ofType(t core.EventType) []core.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []core.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newWSServer runs script against every accepted connection.
func newWSServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "script ended")
		script(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func send(ctx context.Context, c *websocket.Conn, frame string) {
	_ = c.Write(ctx, websocket.MessageText, []byte(frame))
}

// drain reads until the peer goes away so close handshakes complete.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func welcomeFrameJSON(id string) string {
	return `{"metadata":{"message_id":"w-` + id + `","message_type":"session_welcome","message_timestamp":"2026-03-01T12:00:00Z"},` +
		`"payload":{"session":{"id":"` + id + `","status":"connected","keepalive_timeout_seconds":10,"reconnect_url":null}}}`
}

const followNotification = `{"metadata":{"message_id":"n1","message_type":"notification","message_timestamp":"2026-03-01T12:00:00.5Z",` +
	`"subscription_type":"channel.follow","subscription_version":"2"},"payload":{"subscription":{"id":"x","type":"channel.follow"},` +
	`"event":{"user_id":"42","user_login":"alice","user_name":"Alice","broadcaster_user_id":"b"}}}`

type harness struct {
	client *Client
	api    *fakeAPI
	pub    *recordingPublisher
	retry  *retry.Core
}

func newHarness(t *testing.T, url string, sec *secrets.Store, api *fakeAPI) *harness {
	t.Helper()
	if api == nil {
		api = &fakeAPI{}
	}
	pub := &recordingPublisher{}
	rc := retry.New(retry.WithClock(clock.NewFake(time.Unix(0, 0))))
	m := NewManager(ManagerConfig{API: api, Secrets: sec, RetryUnit: time.Millisecond})
	c := New(Config{
		URL:            url,
		WelcomeTimeout: 2 * time.Second,
		Manager:        m,
		Events:         pub,
		Retry:          rc,
		Validate: func(context.Context) (Identity, error) {
			return Identity{UserID: "u", BroadcasterID: "b"}, nil
		},
	})
	c.welcomeWait = 0
	t.Cleanup(func() { c.Disconnect(context.Background(), false) })
	return &harness{client: c, api: api, pub: pub, retry: rc}
}

func TestDescribeClose(t *testing.T) {
	tests := []struct {
		code      websocket.StatusCode
		reason    string
		reconnect bool
	}{
		{1000, "normal closure", false},
		{1001, "going away", true},
		{1006, "abnormal closure", true},
		{4000, "internal server error", true},
		{4001, "client sent inbound traffic", true},
		{4002, "client failed ping-pong", true},
		{4003, "connection unused", true},
		{4004, "reconnect grace time expired", true},
		{4005, "network timeout", true},
		{4006, "network error", true},
		{4007, "invalid reconnect", true},
	}
	for _, tt := range tests {
		reason, reconnect := DescribeClose(tt.code)
		if reason != tt.reason || reconnect != tt.reconnect {
			t.Errorf("%d: got %q %v", tt.code, reason, reconnect)
		}
	}
	if _, reconnect := DescribeClose(4999); !reconnect {
		t.Error("unknown codes should reconnect")
	}
}

func TestConnectWelcomeSetupAndNotifications(t *testing.T) {
	notify := make(chan struct{})
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("sess-1"))
		<-notify
		send(ctx, c, followNotification)
		drain(ctx, c)
	})
	h := newHarness(t, url, newSecrets("tok"), nil)

	id, err := h.client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id != "sess-1" || h.client.SessionID() != "sess-1" {
		t.Fatalf("session = %q", id)
	}
	if h.api.createCount() != 9 || h.api.creates[0].Transport.SessionID != "sess-1" {
		t.Fatalf("creates = %d", h.api.createCount())
	}
	if got := h.pub.ofType(core.TypeChatConnected); len(got) != 1 {
		t.Fatalf("connected events = %+v", got)
	}
	if st := h.client.Status(); st.State != core.StateConnected || st.ConnectionID != "sess-1" {
		t.Fatalf("status = %+v", st)
	}

	close(notify)
	eventually(t, "follow event", func() bool { return len(h.pub.ofType(core.TypeFollow)) == 1 })
	ev := h.pub.ofType(core.TypeFollow)[0]
	if ev.UserID != "42" || ev.Username != "Alice" || ev.Timestamp != "2026-03-01T12:00:00.500Z" {
		t.Fatalf("follow = %+v", ev)
	}
}

func TestConnectWelcomeTimeout(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) { drain(ctx, c) })
	h := newHarness(t, url, newSecrets("tok"), nil)
	h.client.cfg.WelcomeTimeout = 50 * time.Millisecond
	h.client.cfg.WelcomeWarn = 10 * time.Millisecond

	_, err := h.client.Connect(context.Background())
	if !errors.Is(err, ErrWelcomeTimeout) {
		t.Fatalf("err = %v", err)
	}
	if h.client.Status().State != core.StateError {
		t.Fatalf("state = %s", h.client.Status().State)
	}
}

func TestConnectClosedBeforeWelcome(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = c.Close(4003, "unused")
	})
	h := newHarness(t, url, newSecrets("tok"), nil)
	_, err := h.client.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "before welcome") {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectSubscriptionFailureRejects(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("sess-x"))
		drain(ctx, c)
	})
	h := newHarness(t, url, newSecrets(""), nil)

	_, err := h.client.Connect(context.Background())
	if !errors.Is(err, ErrSubscriptionSetup) {
		t.Fatalf("err = %v", err)
	}
	if !retry.IsAuthError(err) {
		t.Fatalf("missing credentials should not be retried: %v", err)
	}
	failed := h.pub.ofType(core.TypeError)
	if len(failed) != 1 {
		t.Fatalf("error events = %+v", failed)
	}
	info := failed[0].Data.(core.ErrorInfo)
	if info.Code != "eventsub-subscription-failed" || !strings.Contains(info.Message, "sess-x") {
		t.Fatalf("error info = %+v", info)
	}
	if len(h.pub.ofType(core.TypeChatConnected)) != 0 {
		t.Fatal("connected event emitted for failed setup")
	}
}

func TestSessionReconnectKeepsSubscriptions(t *testing.T) {
	second := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("sess-2"))
		drain(ctx, c)
	})
	subscribed := make(chan struct{})
	api := &fakeAPI{create: func(n int, req helix.CreateSubscriptionRequest) (helix.Subscription, error) {
		if n == len(DefaultDescriptors) {
			close(subscribed)
		}
		return helix.Subscription{ID: "sub-" + req.Type, Status: "enabled"}, nil
	}}
	first := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("sess-1"))
		<-subscribed
		send(ctx, c, `{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"id":"sess-1","status":"reconnecting","reconnect_url":"`+second+`"}}}`)
		drain(ctx, c)
	})
	h := newHarness(t, first, newSecrets("tok"), api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.client.Serve(ctx) }()

	eventually(t, "migrated session", func() bool { return h.client.SessionID() == "sess-2" })
	if h.api.createCount() != len(DefaultDescriptors) {
		t.Fatalf("creates = %d, subscriptions should carry over", h.api.createCount())
	}
	if h.client.manager.Subscriptions().Len() != len(DefaultDescriptors) {
		t.Fatalf("registry = %d", h.client.manager.Subscriptions().Len())
	}
	if got := h.pub.ofType(core.TypeChatConnected); len(got) != 2 {
		t.Fatalf("connected events = %d", len(got))
	}
	h.client.mu.Lock()
	pending := h.client.reconnectURL
	h.client.mu.Unlock()
	if pending != "" {
		t.Fatalf("reconnect url not cleared: %q", pending)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v", err)
	}
}

func TestCloseSchedulesReconnect(t *testing.T) {
	tests := []struct {
		name      string
		code      websocket.StatusCode
		reconnect bool
	}{
		{"server error", 4000, true},
		{"network timeout", 4005, true},
		{"normal", websocket.StatusNormalClosure, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closeNow := make(chan struct{})
			url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
				send(ctx, c, welcomeFrameJSON("s"))
				<-closeNow
				_ = c.Close(tt.code, "bye")
			})
			h := newHarness(t, url, newSecrets("tok"), nil)
			if _, err := h.client.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			close(closeNow)
			eventually(t, "session closed", func() bool { return h.client.SessionID() == "" })

			if tt.reconnect {
				eventually(t, "reconnect scheduled", func() bool { return h.retry.Stats()[RetryScope].Pending })
				return
			}
			eventually(t, "disconnected", func() bool { return h.client.Status().State == core.StateDisconnected })
			if h.retry.Stats()[RetryScope].Pending {
				t.Fatal("normal closure scheduled a reconnect")
			}
		})
	}
}

func TestRevocationRemovesSubscription(t *testing.T) {
	revoke := make(chan struct{})
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("s"))
		<-revoke
		send(ctx, c, `{"metadata":{"message_type":"revocation","subscription_type":"channel.follow"},`+
			`"payload":{"subscription":{"id":"sub-channel.follow","status":"authorization_revoked","type":"channel.follow"}}}`)
		drain(ctx, c)
	})
	h := newHarness(t, url, newSecrets("tok"), nil)
	if _, err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	close(revoke)
	eventually(t, "revocation", func() bool {
		_, ok := h.client.manager.Subscriptions().Get("sub-channel.follow")
		return !ok
	})
	if h.client.manager.Subscriptions().Len() != len(DefaultDescriptors)-1 {
		t.Fatalf("registry = %d", h.client.manager.Subscriptions().Len())
	}
}

func TestDisconnectWithoutReconnectCancels(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcomeFrameJSON("s"))
		drain(ctx, c)
	})
	h := newHarness(t, url, newSecrets("tok"), nil)
	h.api.listed = []helix.Subscription{{ID: "sub-1", Transport: helix.Transport{Method: "websocket", SessionID: "s"}}}
	if _, err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.client.Disconnect(context.Background(), false)

	if h.client.SessionID() != "" || h.client.Status().State != core.StateDisconnected {
		t.Fatalf("status = %+v", h.client.Status())
	}
	if len(h.api.deleted) != 1 || h.api.deleted[0] != "sub-1" {
		t.Fatalf("deleted = %v", h.api.deleted)
	}
	time.Sleep(20 * time.Millisecond)
	if h.retry.Stats()[RetryScope].Pending {
		t.Fatal("reconnect scheduled after explicit disconnect")
	}
}
