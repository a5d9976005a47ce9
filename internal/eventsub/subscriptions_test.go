package eventsub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/gnasty-hub/internal/helix"
	"github.com/you/gnasty-hub/internal/normalize"
	"github.com/you/gnasty-hub/internal/secrets"
)

func newSecrets(token string) *secrets.Store {
	s := secrets.New()
	s.InitializeStatic(secrets.Static{TwitchClientID: "cid"})
	if token != "" {
		s.SetTwitchTokens(secrets.Twitch{AccessToken: token, RefreshToken: "r"})
	}
	return s
}

type fakeAPI struct {
	mu       sync.Mutex
	creates  []helix.CreateSubscriptionRequest
	create   func(n int, req helix.CreateSubscriptionRequest) (helix.Subscription, error)
	listed   []helix.Subscription
	listErr  error
	deleted  []string
	failIDs  map[string]bool
	deleteAt []time.Time
}

func (f *fakeAPI) CreateEventSubSubscription(_ context.Context, req helix.CreateSubscriptionRequest) (helix.Subscription, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	n := len(f.creates)
	f.mu.Unlock()
	if f.create != nil {
		return f.create(n, req)
	}
	return helix.Subscription{ID: "sub-" + req.Type, Status: "enabled", Type: req.Type}, nil
}

func (f *fakeAPI) ListEventSubSubscriptions(context.Context, string) ([]helix.Subscription, error) {
	return f.listed, f.listErr
}

func (f *fakeAPI) DeleteEventSubSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteAt = append(f.deleteAt, time.Now())
	if f.failIDs[id] {
		return errors.New("boom")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func newTestManager(api API, sec *secrets.Store) *Manager {
	return NewManager(ManagerConfig{API: api, Secrets: sec, RetryUnit: time.Millisecond})
}

func TestDescriptorConditions(t *testing.T) {
	tests := []struct {
		scope ConditionScope
		want  map[string]string
	}{
		{ScopeBroadcaster, map[string]string{"broadcaster_user_id": "b"}},
		{ScopeUser, map[string]string{"broadcaster_user_id": "b", "user_id": "u"}},
		{ScopeModerator, map[string]string{"broadcaster_user_id": "b", "moderator_user_id": "u"}},
		{ScopeToBroadcaster, map[string]string{"to_broadcaster_user_id": "b"}},
	}
	for _, tt := range tests {
		got := Descriptor{Scope: tt.scope}.Condition("u", "b")
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("scope %d: got %v want %v", tt.scope, got, tt.want)
		}
	}
	if len(DefaultDescriptors) != 9 {
		t.Fatalf("default descriptors = %d", len(DefaultDescriptors))
	}
}

func TestParseSubscriptionError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		critical  bool
		retryable bool
	}{
		{"unauthorized", &helix.APIError{Status: 401, Code: "Unauthorized"}, "Unauthorized", true, false},
		{"forbidden", &helix.APIError{Status: 403, Code: "Forbidden"}, "Forbidden", true, false},
		{"rate limited", &helix.APIError{Status: 429, Code: "Too Many Requests"}, "Too Many Requests", false, true},
		{"server", &helix.APIError{Status: 500}, "Internal Server Error", false, true},
		{"conflict", &helix.APIError{Status: 409, Code: "Conflict"}, "Conflict", false, false},
		{"network", errors.New("dial tcp: connection refused"), CodeNetworkError, false, true},
		{"auth missing", helix.ErrAuthMissing, CodeAuthMissing, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSubscriptionError(tt.err)
			if got.Code != tt.code || got.IsCritical != tt.critical || got.IsRetryable != tt.retryable {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestSetupAuthMissing(t *testing.T) {
	api := &fakeAPI{}
	m := newTestManager(api, newSecrets(""))
	res, err := m.Setup(context.Background(), SetupOptions{SessionID: "s"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if res.Successful != 0 || res.Total != 9 || len(res.Failures) != 9 {
		t.Fatalf("result = %+v", res)
	}
	for _, f := range res.Failures {
		if f.Code != CodeAuthMissing {
			t.Fatalf("failure code = %q", f.Code)
		}
	}
	if api.createCount() != 0 {
		t.Fatalf("creates = %d, want none", api.createCount())
	}
}

func TestSetupValidationFails(t *testing.T) {
	api := &fakeAPI{}
	m := newTestManager(api, newSecrets("tok"))
	res, err := m.Setup(context.Background(), SetupOptions{
		SessionID:   "s",
		IsConnected: func(context.Context) bool { return false },
	})
	if err != nil || res != nil {
		t.Fatalf("Setup = %+v, %v; want nil, nil", res, err)
	}
}

func TestSetupCreatesInOrder(t *testing.T) {
	api := &fakeAPI{}
	m := newTestManager(api, newSecrets("tok"))
	res, err := m.Setup(context.Background(), SetupOptions{
		UserID:            "u1",
		BroadcasterID:     "b1",
		SessionID:         "sess",
		SubscriptionDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if res.Successful != 9 || len(res.Failures) != 0 || res.Failed() {
		t.Fatalf("result = %+v", res)
	}
	for i, req := range api.creates {
		if req.Type != DefaultDescriptors[i].Type {
			t.Fatalf("create %d type = %s", i, req.Type)
		}
		if req.Transport.Method != "websocket" || req.Transport.SessionID != "sess" {
			t.Fatalf("transport = %+v", req.Transport)
		}
	}
	if api.creates[1].Condition["moderator_user_id"] != "u1" {
		t.Fatalf("follow condition = %v", api.creates[1].Condition)
	}
	rec, ok := m.Subscriptions().Get("sub-" + normalize.SubChatMessage)
	if !ok || rec.Name != "chat" || rec.Status != "enabled" {
		t.Fatalf("registry record = %+v, %v", rec, ok)
	}
}

func TestSetupRetriesOnceForRetryable(t *testing.T) {
	api := &fakeAPI{create: func(n int, req helix.CreateSubscriptionRequest) (helix.Subscription, error) {
		if n == 1 {
			return helix.Subscription{}, &helix.APIError{Status: 500, Code: "Internal Server Error"}
		}
		return helix.Subscription{ID: "ok", Status: "enabled"}, nil
	}}
	m := newTestManager(api, newSecrets("tok"))
	res, err := m.Setup(context.Background(), SetupOptions{Descriptors: DefaultDescriptors[:1], SessionID: "s"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if res.Successful != 1 || api.createCount() != 2 {
		t.Fatalf("result = %+v creates = %d", res, api.createCount())
	}
}

func TestSetupGivesUpAfterSingleRetry(t *testing.T) {
	api := &fakeAPI{create: func(int, helix.CreateSubscriptionRequest) (helix.Subscription, error) {
		return helix.Subscription{}, &helix.APIError{Status: 429, Code: "Too Many Requests"}
	}}
	m := newTestManager(api, newSecrets("tok"))
	res, _ := m.Setup(context.Background(), SetupOptions{Descriptors: DefaultDescriptors[:2], SessionID: "s"})
	if api.createCount() != 4 {
		t.Fatalf("creates = %d, want 2 per descriptor", api.createCount())
	}
	if len(res.Failures) != 2 || res.Failures[0].Code != "Too Many Requests" || !res.Failed() {
		t.Fatalf("result = %+v", res)
	}
}

func TestSetupCriticalStopsLoop(t *testing.T) {
	api := &fakeAPI{create: func(n int, req helix.CreateSubscriptionRequest) (helix.Subscription, error) {
		if n == 2 {
			return helix.Subscription{}, &helix.APIError{Status: 403, Code: "Forbidden", Message: "missing scope"}
		}
		return helix.Subscription{ID: req.Type, Status: "enabled"}, nil
	}}
	m := newTestManager(api, newSecrets("tok"))
	res, _ := m.Setup(context.Background(), SetupOptions{SessionID: "s"})
	if api.createCount() != 2 {
		t.Fatalf("creates = %d, want loop to stop at the forbidden one", api.createCount())
	}
	if res.Successful != 1 || len(res.Failures) != 1 || !res.Failures[0].IsCritical {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures[0].Name != "follow" || res.Failures[0].Message != "missing scope" {
		t.Fatalf("failure = %+v", res.Failures[0])
	}
}

type refresherFunc func(ctx context.Context) (bool, error)

func (f refresherFunc) Refresh(ctx context.Context) (bool, error) { return f(ctx) }

func TestSetupRefreshesOnUnauthorized(t *testing.T) {
	sec := newSecrets("old")
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/eventsub/subscriptions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			t.Errorf("retry used %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"data":[{"id":"sub-1","status":"enabled","type":"channel.follow","version":"2"}]}`)
	}))
	defer srv.Close()

	refreshes := 0
	client := helix.New(helix.Config{
		BaseURL: srv.URL,
		HTTP:    srv.Client(),
		Secrets: sec,
		Refresher: refresherFunc(func(context.Context) (bool, error) {
			refreshes++
			sec.SetTwitchTokens(secrets.Twitch{AccessToken: "fresh"})
			return true, nil
		}),
	})
	m := newTestManager(client, sec)
	res, err := m.Setup(context.Background(), SetupOptions{
		Descriptors:   DefaultDescriptors[1:2],
		UserID:        "u",
		BroadcasterID: "b",
		SessionID:     "s",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if res.Successful != 1 || res.Total != 1 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := m.Subscriptions().Get("sub-1"); !ok {
		t.Fatal("sub-1 missing from registry")
	}
	if refreshes != 1 || posts.Load() != 2 {
		t.Fatalf("refreshes = %d posts = %d", refreshes, posts.Load())
	}
}

func TestCleanupFiltersAndTolerates(t *testing.T) {
	api := &fakeAPI{
		listed: []helix.Subscription{
			{ID: "a", Transport: helix.Transport{Method: "websocket", SessionID: "s1"}},
			{ID: "b", Transport: helix.Transport{Method: "websocket", SessionID: "s2"}},
			{ID: "c", Transport: helix.Transport{Method: "webhook"}},
			{ID: "d", Transport: helix.Transport{Method: "websocket", SessionID: "s1"}},
		},
		failIDs: map[string]bool{"a": true},
	}
	m := newTestManager(api, newSecrets("tok"))
	m.Subscriptions().Put(Record{ID: "d"})

	res := m.DeleteAllSubscriptions(context.Background(), "s1")
	if res.Deleted != 1 || res.Failed != 1 {
		t.Fatalf("session cleanup = %+v", res)
	}
	if !reflect.DeepEqual(api.deleted, []string{"d"}) {
		t.Fatalf("deleted = %v", api.deleted)
	}
	if m.Subscriptions().Len() != 0 {
		t.Fatal("registry entry not removed")
	}
	if gap := api.deleteAt[1].Sub(api.deleteAt[0]); gap < 90*time.Millisecond {
		t.Fatalf("deletes spaced %v apart", gap)
	}

	api.deleted, api.failIDs = nil, nil
	res = m.CleanupAllWebSocketSubscriptions(context.Background(), "")
	if res.Deleted != 3 || !reflect.DeepEqual(api.deleted, []string{"a", "b", "d"}) {
		t.Fatalf("all cleanup = %+v deleted %v", res, api.deleted)
	}

	if got := m.DeleteAllSubscriptions(context.Background(), ""); got != (CleanupResult{}) {
		t.Fatalf("empty session cleanup = %+v", got)
	}
}

func TestCleanupListFailure(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("down")}
	m := newTestManager(api, newSecrets("tok"))
	if res := m.CleanupAllWebSocketSubscriptions(context.Background(), ""); res != (CleanupResult{}) {
		t.Fatalf("result = %+v", res)
	}
}
