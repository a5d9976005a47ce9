package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/you/gnasty-hub/internal/bus"
	"github.com/you/gnasty-hub/internal/config"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/eventsub"
	"github.com/you/gnasty-hub/internal/tiktok"
	"github.com/you/gnasty-hub/internal/twitch"
	"github.com/you/gnasty-hub/internal/vfx"
)

func TestPermanentErrors(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: refused"), false},
		{tiktok.ErrFatalClose, true},
		{fmt.Errorf("%w: 4404", tiktok.ErrReconnectExhausted), true},
		{eventsub.ErrReconnectExhausted, true},
		{fmt.Errorf("refresh: %w", twitch.ErrInvalidGrant), true},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		if got := permanent(tc.err); got != tc.want {
			t.Errorf("permanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestServiceStopsRestartingOnPermanentError(t *testing.T) {
	svc := newService("tiktok", func(context.Context) error { return tiktok.ErrFatalClose })
	if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("Serve() = %v", err)
	}

	boom := errors.New("boom")
	svc = newService("ytlive", func(context.Context) error { return boom })
	if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("transient Serve() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc = newService("router", func(context.Context) error { return boom })
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Serve() = %v", err)
	}
	if svc.String() != "router" {
		t.Fatalf("String() = %q", svc.String())
	}
}

func TestDisplayEffects(t *testing.T) {
	got := displayEffects(map[string]config.EffectConfig{
		"Gift":   {Command: "!confetti", Filename: "confetti.webm", DurationMs: 1500},
		"follow": {CommandKey: "follows", Command: "!wave"},
		"raid":   {},
	})
	if len(got) != 2 {
		t.Fatalf("effects = %+v", got)
	}
	gift := got[core.TypeGift]
	if gift.CommandKey != "gift" || gift.Command != "!confetti" || gift.DurationMs != 1500 {
		t.Fatalf("gift effect = %+v", gift)
	}
	if got[core.TypeFollow].CommandKey != "follows" {
		t.Fatalf("follow effect = %+v", got[core.TypeFollow])
	}
	if displayEffects(nil) != nil {
		t.Fatalf("no effects configured should be nil")
	}
}

func TestEffectPlayerCompletesCommands(t *testing.T) {
	b := bus.New()
	effects, err := vfx.New(context.Background(), b.Publisher(), b.Subscriber(), nil)
	if err != nil {
		t.Fatalf("vfx.New: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close()
		effects.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- newEffectPlayer(effects).Serve(ctx) }()

	// The player subscribes asynchronously; retry until it answers.
	var got vfx.Completion
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = effects.EmitAndWait(ctx, vfx.Command{CommandKey: "gift", Command: "!confetti", DurationMs: 10}, 100*time.Millisecond)
		if err == nil || time.Now().After(deadline) {
			break
		}
	}
	if err != nil {
		t.Fatalf("EmitAndWait: %v", err)
	}
	if !got.Success || got.CommandKey != "gift" {
		t.Fatalf("completion = %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("player did not stop")
	}
}

func TestNewHubPipelineOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Seen.SQLitePath = filepath.Join(t.TempDir(), "seen.db")

	h, err := newHub(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newHub: %v", err)
	}
	defer h.close()
	if len(h.statuses) != 0 {
		t.Fatalf("no platform enabled, got %d status sources", len(h.statuses))
	}
}

func TestNewHubTwitchNeedsTokens(t *testing.T) {
	cfg := config.Default()
	cfg.Twitch.Enabled = true
	cfg.Twitch.Channel = "somechannel"
	cfg.Twitch.ClientID = "client"
	cfg.Twitch.TokenFile = filepath.Join(t.TempDir(), "missing.json")

	if _, err := newHub(context.Background(), cfg); err == nil {
		t.Fatalf("expected an error without stored tokens")
	}
}

func TestNewHubWiresPlatforms(t *testing.T) {
	cfg := config.Default()
	cfg.TikTok.Enabled = true
	cfg.TikTok.Username = "someone"
	cfg.YouTube.Enabled = true
	cfg.YouTube.ChannelURL = "https://www.youtube.com/@someone"
	cfg.Metrics.Addr = "127.0.0.1:0"

	h, err := newHub(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newHub: %v", err)
	}
	defer h.close()

	var platforms []core.Platform
	for _, s := range h.statuses {
		platforms = append(platforms, s.Status().Platform)
	}
	if len(platforms) != 2 || platforms[0] != core.PlatformTikTok || platforms[1] != core.PlatformYouTube {
		t.Fatalf("status sources = %v", platforms)
	}
}
