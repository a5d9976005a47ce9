package display

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/currency"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/router"
	"github.com/you/gnasty-hub/internal/seen"
	"github.com/you/gnasty-hub/internal/vfx"
)

// Priorities, lowest shown first. Chat never outranks its greeting.
const (
	PriorityMonetization = 1
	PrioritySubscription = 2
	PriorityRaid         = 3
	PriorityRedemption   = 4
	PriorityFollow       = 5
	PriorityShare        = 6
	PriorityMember       = 7
	PriorityChat         = 8
	PriorityGreeting     = 9
)

var priorities = map[core.EventType]int{
	core.TypeGift:         PriorityMonetization,
	core.TypeEnvelope:     PriorityMonetization,
	core.TypeCheer:        PriorityMonetization,
	core.TypeGiftPaypiggy: PriorityMonetization,
	core.TypePaypiggy:     PrioritySubscription,
	core.TypeRaid:         PriorityRaid,
	core.TypeRedemption:   PriorityRedemption,
	core.TypeFollow:       PriorityFollow,
	core.TypeShare:        PriorityShare,
	core.TypeMember:       PriorityMember,
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Queue    *Queue
	Seen     seen.Tracker
	Settings Settings
	// Durations overrides the notification display time per event type.
	Durations map[core.EventType]time.Duration
	// Effects maps event types to the effect played with the notification.
	Effects map[core.EventType]vfx.Command
}

// Runtime turns routed events into display items.
type Runtime struct {
	queue     *Queue
	seen      seen.Tracker
	settings  Settings
	durations map[core.EventType]time.Duration
	effects   map[core.EventType]vfx.Command
	log       zerolog.Logger
}

var (
	_ router.Runtime             = (*Runtime)(nil)
	_ router.NotificationManager = (*Runtime)(nil)
)

// NewRuntime builds a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	tracker := cfg.Seen
	if tracker == nil {
		tracker = seen.NewMemory()
	}
	return &Runtime{
		queue:     cfg.Queue,
		seen:      tracker,
		settings:  cfg.Settings,
		durations: cfg.Durations,
		effects:   cfg.Effects,
		log:       logging.With("display-runtime"),
	}
}

// HandleChatMessage queues the chat line, preceded by a greeting the first
// time a user speaks.
func (r *Runtime) HandleChatMessage(ctx context.Context, msg router.FlatChat) error {
	first, err := r.seen.IsFirstMessage(ctx, msg.Platform, msg.UserID, msg.Username)
	if err != nil {
		r.log.Warn().Err(err).Str("platform", string(msg.Platform)).Msg("display: first-message lookup failed")
		first = false
	}

	ev := core.Event{
		Platform:  msg.Platform,
		Type:      core.TypeChat,
		Timestamp: msg.Timestamp,
		ID:        msg.ID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Metadata:  msg.Metadata,
		Data: core.Chat{
			Message:       msg.Message,
			IsMod:         msg.IsMod,
			IsSubscriber:  msg.IsSubscriber,
			IsBroadcaster: msg.IsBroadcaster,
			Badges:        msg.Badges,
			Colour:        msg.Colour,
		},
	}

	if first && r.settings != nil && r.settings.GreetingsEnabled(msg.Platform) {
		greeting := Item{
			Type:     ItemGreeting,
			Platform: msg.Platform,
			Event:    ev,
			Text:     fmt.Sprintf("Welcome, %s!", displayName(msg.Username)),
			Priority: PriorityGreeting,
		}
		if err := r.queue.AddItem(greeting); err != nil {
			return err
		}
	}

	return r.queue.AddItem(Item{
		Type:     ItemChat,
		Platform: msg.Platform,
		Event:    ev,
		Text:     fmt.Sprintf("%s: %s", displayName(msg.Username), msg.Message),
		Priority: PriorityChat,
	})
}

func (r *Runtime) HandleFollow(_ context.Context, ev core.Event) error       { return r.notify(ev) }
func (r *Runtime) HandleShare(_ context.Context, ev core.Event) error        { return r.notify(ev) }
func (r *Runtime) HandleMember(_ context.Context, ev core.Event) error       { return r.notify(ev) }
func (r *Runtime) HandleGift(_ context.Context, ev core.Event) error         { return r.notify(ev) }
func (r *Runtime) HandleEnvelope(_ context.Context, ev core.Event) error     { return r.notify(ev) }
func (r *Runtime) HandlePaypiggy(_ context.Context, ev core.Event) error     { return r.notify(ev) }
func (r *Runtime) HandleGiftPaypiggy(_ context.Context, ev core.Event) error { return r.notify(ev) }
func (r *Runtime) HandleCheer(_ context.Context, ev core.Event) error        { return r.notify(ev) }
func (r *Runtime) HandleRaid(_ context.Context, ev core.Event) error         { return r.notify(ev) }
func (r *Runtime) HandleRedemption(_ context.Context, ev core.Event) error   { return r.notify(ev) }

// HandleNotification receives lifecycle and informational events. They are
// logged, not displayed.
func (r *Runtime) HandleNotification(_ context.Context, eventType core.EventType, platform core.Platform, ev core.Event) error {
	switch d := ev.Data.(type) {
	case core.ErrorInfo:
		r.log.Warn().Str("platform", string(platform)).Str("code", d.Code).Msg(d.Message)
	case core.StreamDetected:
		r.log.Info().Str("platform", string(platform)).Strs("new", d.NewStreamIDs).Strs("all", d.AllStreamIDs).Msg("streams detected")
	case core.ViewerCount:
		r.log.Debug().Str("platform", string(platform)).Int("viewers", d.Count).Msg("viewer count")
	default:
		r.log.Debug().Str("platform", string(platform)).Str("type", string(eventType)).Msg("notification")
	}
	return nil
}

func (r *Runtime) notify(ev core.Event) error {
	item := Item{
		Type:     ItemNotification,
		Platform: ev.Platform,
		Event:    ev,
		Text:     NotificationText(ev),
		Priority: priorities[ev.Type],
		Duration: r.durations[ev.Type],
	}
	if item.Priority == 0 {
		item.Priority = PriorityMember
	}
	if tmpl, ok := r.effects[ev.Type]; ok {
		cmd := tmpl
		cmd.Username = ev.Username
		cmd.UserID = ev.UserID
		cmd.Platform = string(ev.Platform)
		item.VFX = &cmd
	}
	return r.queue.AddItem(item)
}

func displayName(username string) string {
	if strings.TrimSpace(username) == "" {
		return "Someone"
	}
	return username
}

// NotificationText renders the one-line overlay text for ev.
func NotificationText(ev core.Event) string {
	who := displayName(ev.Username)
	switch d := ev.Data.(type) {
	case core.Follow:
		return who + " followed"
	case core.Share:
		return who + " shared the stream"
	case core.Member:
		if d.Level != "" {
			return fmt.Sprintf("%s became a member (%s)", who, d.Level)
		}
		return who + " joined"
	case core.Gift:
		if d.Currency != "" && d.Currency != "coins" && d.Amount > 0 {
			return fmt.Sprintf("%s sent %s", who, currency.Format(d.Amount, d.Currency))
		}
		return fmt.Sprintf("%s sent %dx %s", who, d.GiftCount, d.GiftType)
	case core.Envelope:
		return fmt.Sprintf("%s dropped a treasure chest", who)
	case core.Paypiggy:
		if d.Months > 1 {
			return fmt.Sprintf("%s subscribed for %d months", who, d.Months)
		}
		return who + " subscribed"
	case core.GiftPaypiggy:
		if d.Anonymous {
			who = "An anonymous viewer"
		}
		return fmt.Sprintf("%s gifted %d subs", who, d.GiftCount)
	case core.Cheer:
		return fmt.Sprintf("%s cheered %d bits", who, d.Bits)
	case core.Raid:
		return fmt.Sprintf("%s is raiding with %d viewers", who, d.ViewerCount)
	case core.Redemption:
		return fmt.Sprintf("%s redeemed %s", who, d.RewardTitle)
	}
	return who
}
