package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/gnasty-hub/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TikTok.ReconnectBase != 3*time.Second || cfg.TikTok.ReconnectCap != 5 {
		t.Fatalf("tiktok reconnect defaults: %s cap %d", cfg.TikTok.ReconnectBase, cfg.TikTok.ReconnectCap)
	}
	if cfg.TikTok.GiftAggregationDelay != 2*time.Second {
		t.Fatalf("gift aggregation delay: %s", cfg.TikTok.GiftAggregationDelay)
	}
	if cfg.Twitch.WelcomeTimeout != 15*time.Second || cfg.Twitch.RefreshBuffer != 5*time.Minute {
		t.Fatalf("twitch timing defaults: %+v", cfg.Twitch)
	}
	if cfg.Twitch.CallbackPort != 3000 {
		t.Fatalf("callback port: %d", cfg.Twitch.CallbackPort)
	}
	if cfg.YouTube.MaxStreams != 2 || cfg.YouTube.PollInterval != time.Minute {
		t.Fatalf("youtube defaults: %+v", cfg.YouTube)
	}
	if cfg.Notifications.GiftsEnabled == nil || !*cfg.Notifications.GiftsEnabled {
		t.Fatalf("gifts should default on")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("GNASTY_TWITCH__ENABLED", "true")
	t.Setenv("GNASTY_TWITCH__CHANNEL", "elora")
	t.Setenv("GNASTY_TWITCH__CLIENT_ID", "cid")
	t.Setenv("GNASTY_TWITCH__CLIENT_SECRET", "secret")
	t.Setenv("GNASTY_TWITCH__SCOPES", "user:read:chat, bits:read")
	t.Setenv("GNASTY_TWITCH__WELCOME_TIMEOUT", "20s")
	t.Setenv("GNASTY_NOTIFICATIONS__FOLLOWS_ENABLED", "false")
	t.Setenv("GNASTY_YOUTUBE__TOGGLES__GREETINGS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Twitch.Enabled || cfg.Twitch.Channel != "elora" || cfg.Twitch.ClientID != "cid" {
		t.Fatalf("twitch overrides: %+v", cfg.Twitch)
	}
	if len(cfg.Twitch.Scopes) != 2 || cfg.Twitch.Scopes[1] != "bits:read" {
		t.Fatalf("scopes: %v", cfg.Twitch.Scopes)
	}
	if cfg.Twitch.WelcomeTimeout != 20*time.Second {
		t.Fatalf("welcome timeout: %s", cfg.Twitch.WelcomeTimeout)
	}
	if cfg.Notifications.FollowsEnabled == nil || *cfg.Notifications.FollowsEnabled {
		t.Fatalf("follows should be disabled")
	}
	if cfg.YouTube.Toggles.GreetingsEnabled {
		t.Fatalf("youtube greetings should be disabled")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	path := filepath.Join(t.TempDir(), "hub.yaml")
	body := `
tiktok:
  enabled: true
  username: streamer
  toggles:
    notifications:
      gifts_enabled: false
display:
  effects:
    follow:
      command_key: follow
      command: "!follow"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !cfg.TikTok.Enabled || cfg.TikTok.Username != "streamer" {
		t.Fatalf("tiktok: %+v", cfg.TikTok)
	}
	if cfg.TikTok.BridgeURL == "" {
		t.Fatalf("bridge url default lost")
	}
	if fx := cfg.Display.Effects["follow"]; fx.Command != "!follow" {
		t.Fatalf("effects: %+v", cfg.Display.Effects)
	}

	tg := NewToggles(cfg)
	on, err := tg.AreNotificationsEnabled("giftsEnabled", core.PlatformTikTok)
	if err != nil || on {
		t.Fatalf("tiktok gifts = %v, %v; want disabled", on, err)
	}
	on, err = tg.AreNotificationsEnabled("giftsEnabled", core.PlatformTwitch)
	if err != nil || !on {
		t.Fatalf("twitch gifts = %v, %v; want enabled", on, err)
	}
}

func TestValidateRequiresEnabledFields(t *testing.T) {
	cfg := Default()
	cfg.Twitch.Enabled = true
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	cfg.Twitch.Channel = "chan"
	cfg.Twitch.ClientID = "id"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTogglesUnknownKey(t *testing.T) {
	tg := NewToggles(Default())
	if _, err := tg.AreNotificationsEnabled("likesEnabled", core.PlatformTikTok); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestTogglesPlatformSwitches(t *testing.T) {
	cfg := Default()
	cfg.TikTok.Toggles.NotificationsEnabled = false
	tg := NewToggles(cfg)
	if tg.PlatformNotificationsEnabled(core.PlatformTikTok) {
		t.Fatal("tiktok notifications should be off")
	}
	if !tg.PlatformNotificationsEnabled(core.PlatformTwitch) || !tg.GreetingsEnabled(core.PlatformYouTube) {
		t.Fatal("defaults should be on")
	}
	if tg.GreetingsEnabled("myspace") {
		t.Fatal("unknown platform should be off")
	}

	cfg.TikTok.Toggles.NotificationsEnabled = true
	tg.Update(cfg)
	if !tg.PlatformNotificationsEnabled(core.PlatformTikTok) {
		t.Fatal("update not applied")
	}
}

func TestRetryPolicies(t *testing.T) {
	cfg := Default()
	tt := cfg.TikTokRetryPolicy()
	if tt.LinearCap != 5 || tt.BaseDelay != 3*time.Second || tt.JitterMax != 0 {
		t.Fatalf("tiktok policy: %+v", tt)
	}
	if got := tt.Delay(7, 0); got != 15*time.Second {
		t.Fatalf("tiktok delay(7) = %s, want 15s", got)
	}
	tw := cfg.TwitchRetryPolicy()
	if tw.MaxAttempts != 10 || tw.MaxDelay != 30*time.Second {
		t.Fatalf("twitch policy: %+v", tw)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Twitch.ClientSecret = "supersecret"
	cfg.TikTok.APIKey = "key-123"
	out := string(cfg.RedactedJSON())
	if strings.Contains(out, "supersecret") || strings.Contains(out, "key-123") {
		t.Fatalf("secrets leaked: %s", out)
	}
	if !strings.Contains(out, "***REDACTED*** (len=11)") {
		t.Fatalf("missing redaction marker: %s", out)
	}
}
