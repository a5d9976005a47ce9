package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/retry"
)

// PathEnvVar names the optional YAML config file.
const PathEnvVar = "GNASTY_CONFIG"

const envPrefix = "GNASTY_"

type Config struct {
	Logging       logging.Config      `koanf:"logging"`
	TikTok        TikTokConfig        `koanf:"tiktok"`
	Twitch        TwitchConfig        `koanf:"twitch"`
	YouTube       YouTubeConfig       `koanf:"youtube"`
	Notifications NotificationToggles `koanf:"notifications"`
	Display       DisplayConfig       `koanf:"display"`
	Seen          SeenConfig          `koanf:"seen"`
	Metrics       MetricsConfig       `koanf:"metrics"`
}

// PlatformToggles are the switches every platform section carries.
type PlatformToggles struct {
	NotificationsEnabled bool `koanf:"notifications_enabled"`
	GreetingsEnabled     bool `koanf:"greetings_enabled"`
	// Overrides replace the global toggles for this platform when set.
	Overrides NotificationToggles `koanf:"notifications"`
}

type TikTokConfig struct {
	Enabled              bool            `koanf:"enabled"`
	Username             string          `koanf:"username" validate:"required_if=Enabled true"`
	APIKey               string          `koanf:"api_key"`
	BridgeURL            string          `koanf:"bridge_url" validate:"required_if=Enabled true"`
	ReconnectBase        time.Duration   `koanf:"reconnect_base"`
	ReconnectCap         int             `koanf:"reconnect_cap"`
	MaxReconnectAttempts int             `koanf:"max_reconnect_attempts" validate:"gte=0"`
	PingInterval         time.Duration   `koanf:"ping_interval"`
	ConnectTimeout       time.Duration   `koanf:"connect_timeout"`
	GiftAggregationDelay time.Duration   `koanf:"gift_aggregation_delay"`
	Toggles              PlatformToggles `koanf:"toggles"`
}

type TwitchConfig struct {
	Enabled              bool            `koanf:"enabled"`
	Channel              string          `koanf:"channel" validate:"required_if=Enabled true"`
	ClientID             string          `koanf:"client_id" validate:"required_if=Enabled true"`
	ClientSecret         string          `koanf:"client_secret"`
	TokenFile            string          `koanf:"token_file"`
	Scopes               []string        `koanf:"scopes"`
	EventSubURL          string          `koanf:"eventsub_url" validate:"omitempty,url"`
	HelixURL             string          `koanf:"helix_url" validate:"omitempty,url"`
	ReconnectBase        time.Duration   `koanf:"reconnect_base"`
	ReconnectMax         time.Duration   `koanf:"reconnect_max"`
	MaxReconnectAttempts int             `koanf:"max_reconnect_attempts" validate:"gte=0"`
	WelcomeTimeout       time.Duration   `koanf:"welcome_timeout"`
	WelcomeWarn          time.Duration   `koanf:"welcome_warn"`
	SubscriptionDelay    time.Duration   `koanf:"subscription_delay"`
	RefreshBuffer        time.Duration   `koanf:"refresh_buffer"`
	CallbackPort         int             `koanf:"callback_port" validate:"gte=0,lte=65535"`
	Toggles              PlatformToggles `koanf:"toggles"`
}

type YouTubeConfig struct {
	Enabled      bool            `koanf:"enabled"`
	ChannelURL   string          `koanf:"channel_url" validate:"required_if=Enabled true"`
	PollInterval time.Duration   `koanf:"poll_interval"`
	MaxStreams   int             `koanf:"max_streams" validate:"gte=0"`
	Toggles      PlatformToggles `koanf:"toggles"`
}

type DisplayConfig struct {
	NotificationDuration time.Duration `koanf:"notification_duration"`
	VFXGuard             time.Duration `koanf:"vfx_guard"`
	// Effects maps an event type to the effect played with it.
	Effects map[string]EffectConfig `koanf:"effects"`
}

type EffectConfig struct {
	CommandKey  string `koanf:"command_key"`
	Command     string `koanf:"command"`
	Filename    string `koanf:"filename"`
	MediaSource string `koanf:"media_source"`
	DurationMs  int64  `koanf:"duration_ms"`
}

// SeenConfig selects the first-message tracker. An empty path keeps it in memory.
type SeenConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

func defaultToggles() PlatformToggles {
	return PlatformToggles{NotificationsEnabled: true, GreetingsEnabled: true}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Logging: logging.Config{Level: "info", Format: "console"},
		TikTok: TikTokConfig{
			BridgeURL:            "wss://ws.eulerstream.com",
			ReconnectBase:        3 * time.Second,
			ReconnectCap:         5,
			PingInterval:         30 * time.Second,
			ConnectTimeout:       15 * time.Second,
			GiftAggregationDelay: 2 * time.Second,
			Toggles:              defaultToggles(),
		},
		Twitch: TwitchConfig{
			TokenFile:            "tokens.json",
			Scopes:               []string{"user:read:chat", "moderator:read:followers", "channel:read:subscriptions", "bits:read", "channel:read:redemptions"},
			EventSubURL:          "wss://eventsub.wss.twitch.tv/ws?keepalive_timeout_seconds=30",
			HelixURL:             "https://api.twitch.tv/helix",
			ReconnectBase:        time.Second,
			ReconnectMax:         30 * time.Second,
			MaxReconnectAttempts: 10,
			WelcomeTimeout:       15 * time.Second,
			WelcomeWarn:          5 * time.Second,
			SubscriptionDelay:    100 * time.Millisecond,
			RefreshBuffer:        5 * time.Minute,
			CallbackPort:         3000,
			Toggles:              defaultToggles(),
		},
		YouTube: YouTubeConfig{
			PollInterval: 60 * time.Second,
			MaxStreams:   2,
			Toggles:      defaultToggles(),
		},
		Notifications: NotificationToggles{
			MessagesEnabled:    ptr(true),
			FollowsEnabled:     ptr(true),
			SharesEnabled:      ptr(true),
			MembersEnabled:     ptr(true),
			GiftsEnabled:       ptr(true),
			PaypiggiesEnabled:  ptr(true),
			RaidsEnabled:       ptr(true),
			RedemptionsEnabled: ptr(true),
		},
		Display: DisplayConfig{
			NotificationDuration: 5 * time.Second,
			VFXGuard:             30 * time.Second,
		},
	}
}

// Load layers defaults, the optional YAML file named by GNASTY_CONFIG, and
// GNASTY_* environment variables ("__" separates levels:
// GNASTY_TWITCH__CLIENT_ID -> twitch.client_id).
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv(PathEnvVar)))
}

// LoadFile is Load with an explicit config path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := splitLists(k, "twitch.scopes"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", "."))
}

func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, p := range paths {
		raw, ok := k.Get(p).(string)
		if !ok {
			continue
		}
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if err := k.Set(p, out); err != nil {
			return fmt.Errorf("config: set %s: %w", p, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Validate checks struct constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// TwitchRetryPolicy is the reconnect policy for the EventSub socket.
func (c Config) TwitchRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = c.Twitch.ReconnectBase
	p.MaxDelay = c.Twitch.ReconnectMax
	p.MaxAttempts = c.Twitch.MaxReconnectAttempts
	return p
}

// TikTokRetryPolicy is the linear reconnect policy for the bridge socket.
func (c Config) TikTokRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = c.TikTok.ReconnectBase
	p.LinearCap = c.TikTok.ReconnectCap
	p.MaxDelay = c.TikTok.ReconnectBase * time.Duration(max(c.TikTok.ReconnectCap, 1))
	p.JitterMax = 0
	p.MaxAttempts = c.TikTok.MaxReconnectAttempts
	return p
}

// Redacted renders the config for logs with credentials masked.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"logging": map[string]any{"level": c.Logging.Level, "format": c.Logging.Format},
		"tiktok": map[string]any{
			"enabled":    c.TikTok.Enabled,
			"username":   c.TikTok.Username,
			"api_key":    redactString(c.TikTok.APIKey),
			"bridge_url": c.TikTok.BridgeURL,
		},
		"twitch": map[string]any{
			"enabled":       c.Twitch.Enabled,
			"channel":       c.Twitch.Channel,
			"client_id":     redactString(c.Twitch.ClientID),
			"client_secret": redactString(c.Twitch.ClientSecret),
			"token_file":    c.Twitch.TokenFile,
			"scopes":        append([]string(nil), c.Twitch.Scopes...),
		},
		"youtube": map[string]any{
			"enabled":     c.YouTube.Enabled,
			"channel_url": c.YouTube.ChannelURL,
			"max_streams": c.YouTube.MaxStreams,
		},
		"seen":    map[string]any{"sqlite_path": c.Seen.SQLitePath},
		"metrics": map[string]any{"addr": c.Metrics.Addr},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
