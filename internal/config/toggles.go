package config

import (
	"fmt"
	"sync"

	"github.com/you/gnasty-hub/internal/core"
)

// NotificationToggles holds one switch per gated event family. A nil field
// means "not set here".
type NotificationToggles struct {
	MessagesEnabled    *bool `koanf:"messages_enabled"`
	FollowsEnabled     *bool `koanf:"follows_enabled"`
	SharesEnabled      *bool `koanf:"shares_enabled"`
	MembersEnabled     *bool `koanf:"members_enabled"`
	GiftsEnabled       *bool `koanf:"gifts_enabled"`
	PaypiggiesEnabled  *bool `koanf:"paypiggies_enabled"`
	RaidsEnabled       *bool `koanf:"raids_enabled"`
	RedemptionsEnabled *bool `koanf:"redemptions_enabled"`
}

func ptr(b bool) *bool { return &b }

func (n NotificationToggles) lookup(settingKey string) (*bool, bool) {
	switch settingKey {
	case "messagesEnabled":
		return n.MessagesEnabled, true
	case "followsEnabled":
		return n.FollowsEnabled, true
	case "sharesEnabled":
		return n.SharesEnabled, true
	case "membersEnabled":
		return n.MembersEnabled, true
	case "giftsEnabled":
		return n.GiftsEnabled, true
	case "paypiggiesEnabled":
		return n.PaypiggiesEnabled, true
	case "raidsEnabled":
		return n.RaidsEnabled, true
	case "redemptionsEnabled":
		return n.RedemptionsEnabled, true
	}
	return nil, false
}

// Toggles answers notification and greeting lookups from a loaded Config.
// It is safe for concurrent use and can be swapped on reload.
type Toggles struct {
	mu  sync.RWMutex
	cfg Config
}

func NewToggles(cfg Config) *Toggles {
	return &Toggles{cfg: cfg}
}

// Update replaces the backing config.
func (t *Toggles) Update(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *Toggles) platform(p core.Platform) (PlatformToggles, bool) {
	switch p {
	case core.PlatformTikTok:
		return t.cfg.TikTok.Toggles, true
	case core.PlatformTwitch:
		return t.cfg.Twitch.Toggles, true
	case core.PlatformYouTube:
		return t.cfg.YouTube.Toggles, true
	}
	return PlatformToggles{}, false
}

// AreNotificationsEnabled resolves settingKey for platform: the platform
// override wins, then the global value. Unset keys default to enabled.
func (t *Toggles) AreNotificationsEnabled(settingKey string, platform core.Platform) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	global, known := t.cfg.Notifications.lookup(settingKey)
	if !known {
		return false, fmt.Errorf("config: unknown notification setting %q", settingKey)
	}
	if pt, ok := t.platform(platform); ok {
		if v, _ := pt.Overrides.lookup(settingKey); v != nil {
			return *v, nil
		}
	}
	if global != nil {
		return *global, nil
	}
	return true, nil
}

func (t *Toggles) PlatformNotificationsEnabled(platform core.Platform) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pt, ok := t.platform(platform)
	return ok && pt.NotificationsEnabled
}

func (t *Toggles) GreetingsEnabled(platform core.Platform) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pt, ok := t.platform(platform)
	return ok && pt.GreetingsEnabled
}
