package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-hub/internal/bus"
	"github.com/you/gnasty-hub/internal/core"
)

type fakeConfig struct {
	disabled map[string]bool
	err      error
	calls    []string
}

func (f *fakeConfig) AreNotificationsEnabled(key string, platform core.Platform) (bool, error) {
	f.calls = append(f.calls, string(platform)+"."+key)
	if f.err != nil {
		return false, f.err
	}
	return !f.disabled[string(platform)+"."+key], nil
}

type fakeRuntime struct {
	mu    sync.Mutex
	chats []FlatChat
	calls []core.EventType
}

func (f *fakeRuntime) HandleChatMessage(_ context.Context, msg FlatChat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, msg)
	return nil
}

func (f *fakeRuntime) record(ev core.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev.Type)
	return nil
}

func (f *fakeRuntime) HandleFollow(_ context.Context, ev core.Event) error       { return f.record(ev) }
func (f *fakeRuntime) HandleShare(_ context.Context, ev core.Event) error        { return f.record(ev) }
func (f *fakeRuntime) HandleMember(_ context.Context, ev core.Event) error       { return f.record(ev) }
func (f *fakeRuntime) HandleGift(_ context.Context, ev core.Event) error         { return f.record(ev) }
func (f *fakeRuntime) HandleEnvelope(_ context.Context, ev core.Event) error     { return f.record(ev) }
func (f *fakeRuntime) HandlePaypiggy(_ context.Context, ev core.Event) error      { return f.record(ev) }
func (f *fakeRuntime) HandleGiftPaypiggy(_ context.Context, ev core.Event) error { return f.record(ev) }
func (f *fakeRuntime) HandleCheer(_ context.Context, ev core.Event) error        { return f.record(ev) }
func (f *fakeRuntime) HandleRaid(_ context.Context, ev core.Event) error         { return f.record(ev) }
func (f *fakeRuntime) HandleRedemption(_ context.Context, ev core.Event) error   { return f.record(ev) }

type fakeNotifier struct {
	types []core.EventType
}

func (f *fakeNotifier) HandleNotification(_ context.Context, t core.EventType, _ core.Platform, _ core.Event) error {
	f.types = append(f.types, t)
	return nil
}

func event(p core.Platform, data core.Payload) core.Event {
	return core.Event{
		Platform:  p,
		Type:      data.EventType(),
		Timestamp: "2024-06-01T12:00:00.000Z",
		UserID:    "u1",
		Username:  "alice",
		Data:      data,
	}
}

func TestRouteChatFlattens(t *testing.T) {
	cfg := &fakeConfig{}
	rt := &fakeRuntime{}
	r := New(cfg, rt, &fakeNotifier{}, nil)

	ev := event(core.PlatformTwitch, core.Chat{Message: "hello", IsMod: true})
	if err := r.RouteEvent(context.Background(), ev); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(rt.chats) != 1 {
		t.Fatalf("expected one chat, got %d", len(rt.chats))
	}
	got := rt.chats[0]
	if got.Message != "hello" || !got.IsMod || got.Username != "alice" || got.Platform != core.PlatformTwitch {
		t.Fatalf("unexpected flattened chat %+v", got)
	}
	if len(cfg.calls) != 1 || cfg.calls[0] != "twitch.messagesEnabled" {
		t.Fatalf("unexpected config lookups %v", cfg.calls)
	}
}

func TestRouteGating(t *testing.T) {
	cfg := &fakeConfig{disabled: map[string]bool{"tiktok.giftsEnabled": true}}
	rt := &fakeRuntime{}
	r := New(cfg, rt, &fakeNotifier{}, nil)

	if err := r.RouteEvent(context.Background(), event(core.PlatformTikTok, core.Gift{GiftType: "Rose", GiftCount: 1})); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(rt.calls) != 0 {
		t.Fatalf("disabled gift must not reach runtime")
	}
	if err := r.RouteEvent(context.Background(), event(core.PlatformTwitch, core.Gift{GiftType: "bits", GiftCount: 1})); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(rt.calls) != 1 || rt.calls[0] != core.TypeGift {
		t.Fatalf("twitch gift should pass, got %v", rt.calls)
	}
}

func TestRouteEveryGatedType(t *testing.T) {
	rt := &fakeRuntime{}
	r := New(&fakeConfig{}, rt, &fakeNotifier{}, nil)
	payloads := []core.Payload{
		core.Follow{}, core.Share{}, core.Member{}, core.Gift{}, core.Envelope{},
		core.Paypiggy{}, core.GiftPaypiggy{}, core.Cheer{}, core.Raid{}, core.Redemption{},
	}
	for _, p := range payloads {
		if err := r.RouteEvent(context.Background(), event(core.PlatformTwitch, p)); err != nil {
			t.Fatalf("route %s: %v", p.EventType(), err)
		}
	}
	if len(rt.calls) != len(payloads) {
		t.Fatalf("expected %d handler calls, got %v", len(payloads), rt.calls)
	}
	for i, p := range payloads {
		if rt.calls[i] != p.EventType() {
			t.Fatalf("call %d: got %s want %s", i, rt.calls[i], p.EventType())
		}
	}
}

func TestRouteConfigErrorPropagates(t *testing.T) {
	boom := errors.New("config unavailable")
	r := New(&fakeConfig{err: boom}, &fakeRuntime{}, &fakeNotifier{}, nil)
	err := r.RouteEvent(context.Background(), event(core.PlatformYouTube, core.Follow{}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected config error to propagate, got %v", err)
	}
}

func TestRouteUngatedGoesToNotifier(t *testing.T) {
	cfg := &fakeConfig{}
	n := &fakeNotifier{}
	r := New(cfg, &fakeRuntime{}, n, nil)
	for _, p := range []core.Payload{core.ViewerCount{Count: 3}, core.StreamStatus{Online: true}, core.Like{Count: 1}} {
		if err := r.RouteEvent(context.Background(), event(core.PlatformTikTok, p)); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	if len(n.types) != 3 || n.types[0] != core.TypeViewerCount {
		t.Fatalf("unexpected notifier calls %v", n.types)
	}
	if len(cfg.calls) != 0 {
		t.Fatalf("ungated types must not consult config")
	}
}

func TestRouteRejectsInvalid(t *testing.T) {
	r := New(&fakeConfig{}, &fakeRuntime{}, &fakeNotifier{}, nil)
	ev := event(core.PlatformTwitch, core.Chat{Message: "x"})
	ev.Timestamp = ""
	if err := r.RouteEvent(context.Background(), ev); !errors.Is(err, core.ErrMissingTimestamp) {
		t.Fatalf("expected missing timestamp error, got %v", err)
	}
}

func TestConsumeInOrderAndDispose(t *testing.T) {
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	rt := &fakeRuntime{}
	r := New(&fakeConfig{}, rt, &fakeNotifier{}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), b) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(r.subs)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("router never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, text := range []string{"a", "b", "c"} {
		if err := b.PublishEvent(event(core.PlatformTikTok, core.Chat{Message: text})); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for {
		rt.mu.Lock()
		n := len(rt.chats)
		rt.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d chats routed", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	rt.mu.Lock()
	order := []string{rt.chats[0].Message, rt.chats[1].Message, rt.chats[2].Message}
	rt.mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("events out of order: %v", order)
	}

	failed := false
	r.Track("external", func() error {
		failed = true
		return errors.New("already gone")
	})
	r.Dispose()
	if !failed {
		t.Fatalf("dispose should release every listener")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop after dispose")
	}
}
