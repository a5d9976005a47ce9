package display

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/router"
	"github.com/you/gnasty-hub/internal/seen"
	"github.com/you/gnasty-hub/internal/vfx"
)

type recordingRenderer struct {
	mu    sync.Mutex
	shown []Item
	hid   []Item
}

func (r *recordingRenderer) Show(_ context.Context, it Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, it)
	return nil
}

func (r *recordingRenderer) Hide(_ context.Context, it Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hid = append(r.hid, it)
	return nil
}

type staticSettings struct {
	notifications map[core.Platform]bool
	greetings     map[core.Platform]bool
}

func (s staticSettings) PlatformNotificationsEnabled(p core.Platform) bool { return s.notifications[p] }
func (s staticSettings) GreetingsEnabled(p core.Platform) bool             { return s.greetings[p] }

type fakeVFX struct {
	mu   sync.Mutex
	cmds []vfx.Command
}

func (f *fakeVFX) EmitAndWait(_ context.Context, cmd vfx.Command, _ time.Duration) (vfx.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return vfx.Completion{CorrelationID: "c", Success: true}, nil
}

func allOn() staticSettings {
	on := map[core.Platform]bool{core.PlatformTikTok: true, core.PlatformTwitch: true, core.PlatformYouTube: true}
	return staticSettings{notifications: on, greetings: on}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	rr := &recordingRenderer{}
	q := NewQueue(QueueConfig{Renderer: rr, Settings: allOn()})

	add := func(text string, prio int, typ ItemType) {
		t.Helper()
		if err := q.AddItem(Item{Type: typ, Platform: core.PlatformTwitch, Text: text, Priority: prio, Duration: time.Millisecond}); err != nil {
			t.Fatalf("AddItem: %v", err)
		}
	}
	add("chat-1", PriorityChat, ItemChat)
	add("follow", PriorityFollow, ItemNotification)
	add("chat-2", PriorityChat, ItemChat)
	add("gift", PriorityMonetization, ItemNotification)

	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := []string{"gift", "follow", "chat-1", "chat-2"}
	if len(rr.shown) != len(want) {
		t.Fatalf("shown %d items, want %d", len(rr.shown), len(want))
	}
	for i, w := range want {
		if rr.shown[i].Text != w {
			t.Fatalf("shown[%d] = %q, want %q", i, rr.shown[i].Text, w)
		}
	}
	// Both notifications hidden after their duration; chat-1 hidden when chat-2 replaced it.
	if len(rr.hid) != 3 {
		t.Fatalf("hid %d items, want 3", len(rr.hid))
	}
}

func TestQueueRejectsInvalidItems(t *testing.T) {
	q := NewQueue(QueueConfig{Renderer: &recordingRenderer{}})
	if err := q.AddItem(Item{Type: "banner", Platform: core.PlatformTwitch}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if err := q.AddItem(Item{Type: ItemChat, Platform: "myspace"}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestNotificationGatedPerPlatform(t *testing.T) {
	rr := &recordingRenderer{}
	settings := allOn()
	settings.notifications = map[core.Platform]bool{core.PlatformTwitch: true}
	q := NewQueue(QueueConfig{Renderer: rr, Settings: settings})

	_ = q.AddItem(Item{Type: ItemNotification, Platform: core.PlatformTikTok, Text: "blocked", Duration: time.Millisecond})
	_ = q.AddItem(Item{Type: ItemNotification, Platform: core.PlatformTwitch, Text: "allowed", Duration: time.Millisecond})
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(rr.shown) != 1 || rr.shown[0].Text != "allowed" {
		t.Fatalf("shown = %+v", rr.shown)
	}
}

func TestNotificationPlaysEffect(t *testing.T) {
	rr := &recordingRenderer{}
	fx := &fakeVFX{}
	q := NewQueue(QueueConfig{Renderer: rr, Settings: allOn(), VFX: fx})
	rt := NewRuntime(RuntimeConfig{
		Queue:     q,
		Settings:  allOn(),
		Durations: map[core.EventType]time.Duration{core.TypeFollow: time.Millisecond},
		Effects:   map[core.EventType]vfx.Command{core.TypeFollow: {CommandKey: "follow", Command: "!follow"}},
	})

	ev := core.Event{Platform: core.PlatformTwitch, Type: core.TypeFollow, Timestamp: "2024-01-01T00:00:00.000Z", UserID: "u1", Username: "alice", Data: core.Follow{}}
	if err := rt.HandleFollow(context.Background(), ev); err != nil {
		t.Fatalf("HandleFollow: %v", err)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(fx.cmds) != 1 {
		t.Fatalf("vfx commands = %d, want 1", len(fx.cmds))
	}
	cmd := fx.cmds[0]
	if cmd.Context.Source != "display-queue" || cmd.Context.NotificationType != "follow" {
		t.Fatalf("context = %+v", cmd.Context)
	}
	if cmd.Username != "alice" || cmd.Platform != "twitch" {
		t.Fatalf("cmd = %+v", cmd)
	}
	if rr.shown[0].Text != "alice followed" {
		t.Fatalf("text = %q", rr.shown[0].Text)
	}
}

func TestRuntimeGreetsFirstMessageOnce(t *testing.T) {
	rr := &recordingRenderer{}
	q := NewQueue(QueueConfig{Renderer: rr})
	rt := NewRuntime(RuntimeConfig{Queue: q, Seen: seen.NewMemory(), Settings: allOn()})

	msg := router.FlatChat{Platform: core.PlatformTikTok, UserID: "u1", Username: "bob", Message: "hi", Timestamp: "2024-01-01T00:00:00.000Z"}
	ctx := context.Background()
	if err := rt.HandleChatMessage(ctx, msg); err != nil {
		t.Fatalf("first: %v", err)
	}
	msg.Message = "again"
	if err := rt.HandleChatMessage(ctx, msg); err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("queue len = %d, want 3 (greeting + 2 chats)", got)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := []ItemType{ItemChat, ItemChat, ItemGreeting}
	for i, w := range want {
		if rr.shown[i].Type != w {
			t.Fatalf("shown[%d].Type = %s, want %s", i, rr.shown[i].Type, w)
		}
	}
	if rr.shown[2].Text != "Welcome, bob!" {
		t.Fatalf("greeting = %q", rr.shown[2].Text)
	}
}

func TestRuntimeNoGreetingWhenDisabled(t *testing.T) {
	q := NewQueue(QueueConfig{Renderer: &recordingRenderer{}})
	settings := allOn()
	settings.greetings = map[core.Platform]bool{}
	rt := NewRuntime(RuntimeConfig{Queue: q, Settings: settings})

	msg := router.FlatChat{Platform: core.PlatformYouTube, UserID: "u1", Username: "c", Message: "hey", Timestamp: "2024-01-01T00:00:00.000Z"}
	if err := rt.HandleChatMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleChatMessage: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
}

func TestNotificationText(t *testing.T) {
	cases := []struct {
		ev   core.Event
		want string
	}{
		{core.Event{Username: "a", Data: core.Gift{GiftType: "Rose", GiftCount: 5, Currency: "coins", Amount: 5}}, "a sent 5x Rose"},
		{core.Event{Username: "a", Data: core.Gift{GiftType: "superchat", GiftCount: 1, Currency: "USD", Amount: 5}}, "a sent $5.00"},
		{core.Event{Username: "a", Data: core.GiftPaypiggy{GiftCount: 3, Anonymous: true}}, "An anonymous viewer gifted 3 subs"},
		{core.Event{Username: "", Data: core.Cheer{Bits: 100}}, "Someone cheered 100 bits"},
		{core.Event{Username: "r", Data: core.Raid{ViewerCount: 42}}, "r is raiding with 42 viewers"},
	}
	for _, tc := range cases {
		if got := NotificationText(tc.ev); got != tc.want {
			t.Errorf("NotificationText(%T) = %q, want %q", tc.ev.Data, got, tc.want)
		}
	}
}

func TestProcessQueueStopsOnCancel(t *testing.T) {
	q := NewQueue(QueueConfig{Renderer: &recordingRenderer{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.ProcessQueue(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("ProcessQueue = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessQueue did not return")
	}
}
