// Package router gates canonical events against notification settings and
// dispatches them to the runtime handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/ingesttrace"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
)

// ConfigService answers notification toggle lookups.
type ConfigService interface {
	AreNotificationsEnabled(settingKey string, platform core.Platform) (bool, error)
}

// NotificationManager receives every event type without a dedicated handler.
type NotificationManager interface {
	HandleNotification(ctx context.Context, eventType core.EventType, platform core.Platform, ev core.Event) error
}

// FlatChat is the chat shape handed to the runtime: message text is lifted
// to the top level.
type FlatChat struct {
	Platform      core.Platform
	ID            string
	UserID        string
	Username      string
	Message       string
	Timestamp     string
	IsMod         bool
	IsSubscriber  bool
	IsBroadcaster bool
	Badges        []string
	Colour        string
	Metadata      map[string]any
}

// Runtime is the set of handlers the router dispatches to.
type Runtime interface {
	HandleChatMessage(ctx context.Context, msg FlatChat) error
	HandleFollow(ctx context.Context, ev core.Event) error
	HandleShare(ctx context.Context, ev core.Event) error
	HandleMember(ctx context.Context, ev core.Event) error
	HandleGift(ctx context.Context, ev core.Event) error
	HandleEnvelope(ctx context.Context, ev core.Event) error
	HandlePaypiggy(ctx context.Context, ev core.Event) error
	HandleGiftPaypiggy(ctx context.Context, ev core.Event) error
	HandleCheer(ctx context.Context, ev core.Event) error
	HandleRaid(ctx context.Context, ev core.Event) error
	HandleRedemption(ctx context.Context, ev core.Event) error
}

// SettingKeys maps gated event types to their toggle name.
var SettingKeys = map[core.EventType]string{
	core.TypeChat:         "messagesEnabled",
	core.TypeFollow:       "followsEnabled",
	core.TypeShare:        "sharesEnabled",
	core.TypeMember:       "membersEnabled",
	core.TypeGift:         "giftsEnabled",
	core.TypeEnvelope:     "giftsEnabled",
	core.TypeCheer:        "giftsEnabled",
	core.TypeGiftPaypiggy: "giftsEnabled",
	core.TypePaypiggy:     "paypiggiesEnabled",
	core.TypeRaid:         "raidsEnabled",
	core.TypeRedemption:   "redemptionsEnabled",
}

type handlerFunc func(Runtime, context.Context, core.Event) error

var handlers = map[core.EventType]handlerFunc{
	core.TypeFollow:       Runtime.HandleFollow,
	core.TypeShare:        Runtime.HandleShare,
	core.TypeMember:       Runtime.HandleMember,
	core.TypeGift:         Runtime.HandleGift,
	core.TypeEnvelope:     Runtime.HandleEnvelope,
	core.TypePaypiggy:     Runtime.HandlePaypiggy,
	core.TypeGiftPaypiggy: Runtime.HandleGiftPaypiggy,
	core.TypeCheer:        Runtime.HandleCheer,
	core.TypeRaid:         Runtime.HandleRaid,
	core.TypeRedemption:   Runtime.HandleRedemption,
}

// Router is the single dispatch point for canonical events.
type Router struct {
	cfg      ConfigService
	runtime  Runtime
	notifier NotificationManager
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	name   string
	cancel func() error
}

// New builds a Router.
func New(cfg ConfigService, runtime Runtime, notifier NotificationManager, m *metrics.Metrics) *Router {
	return &Router{
		cfg:      cfg,
		runtime:  runtime,
		notifier: notifier,
		metrics:  m,
		log:      logging.With("router"),
	}
}

// RouteEvent gates ev and invokes its handler. Errors from the config
// service are returned to the caller.
func (r *Router) RouteEvent(ctx context.Context, ev core.Event) error {
	trace := ingesttrace.FromEvent(ev)
	defer trace.Log(r.log, "router: trace")

	if err := ev.Validate(); err != nil {
		trace.Inc(ingesttrace.StageDropped("invalid"))
		r.metrics.IncDropped(string(ev.Platform), "invalid")
		return fmt.Errorf("router: %w", err)
	}

	key, gated := SettingKeys[ev.Type]
	if !gated {
		if r.notifier == nil {
			trace.Inc(ingesttrace.StageDropped("unhandled"))
			return nil
		}
		trace.Inc(ingesttrace.StageRouted)
		r.metrics.IncRouted(string(ev.Platform), string(ev.Type))
		return r.notifier.HandleNotification(ctx, ev.Type, ev.Platform, ev)
	}

	enabled, err := r.cfg.AreNotificationsEnabled(key, ev.Platform)
	if err != nil {
		return fmt.Errorf("router: %s lookup for %s: %w", key, ev.Platform, err)
	}
	if !enabled {
		trace.Inc(ingesttrace.StageDropped("disabled"))
		r.metrics.IncDropped(string(ev.Platform), "disabled")
		r.log.Debug().
			Str("platform", string(ev.Platform)).
			Str("type", string(ev.Type)).
			Str("setting", key).
			Msg("router: event disabled by settings")
		return nil
	}

	trace.Inc(ingesttrace.StageRouted)
	r.metrics.IncRouted(string(ev.Platform), string(ev.Type))
	if ev.Type == core.TypeChat {
		return r.runtime.HandleChatMessage(ctx, Flatten(ev))
	}
	return handlers[ev.Type](r.runtime, ctx, ev)
}

// Flatten lifts chat fields to the top level.
func Flatten(ev core.Event) FlatChat {
	c, _ := ev.Data.(core.Chat)
	return FlatChat{
		Platform:      ev.Platform,
		ID:            ev.ID,
		UserID:        ev.UserID,
		Username:      ev.Username,
		Message:       c.Message,
		Timestamp:     ev.Timestamp,
		IsMod:         c.IsMod,
		IsSubscriber:  c.IsSubscriber,
		IsBroadcaster: c.IsBroadcaster,
		Badges:        c.Badges,
		Colour:        c.Colour,
		Metadata:      ev.Metadata,
	}
}

// EventSource is the subscription side of the bus.
type EventSource interface {
	SubscribeEvents(ctx context.Context) (<-chan *message.Message, error)
}

// Consume routes every event from src in arrival order until ctx ends or
// the router is disposed.
func (r *Router) Consume(ctx context.Context, src EventSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs, err := src.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("router: subscribe: %w", err)
	}
	r.track("platform-events", func() error {
		cancel()
		return nil
	})

	for msg := range msgs {
		ev, err := core.Decode(msg.Payload)
		if err != nil {
			r.log.Warn().Err(err).Msg("router: dropping undecodable event")
			msg.Ack()
			continue
		}
		if err := r.RouteEvent(ctx, ev); err != nil {
			r.log.Error().
				Err(err).
				Str("platform", string(ev.Platform)).
				Str("type", string(ev.Type)).
				Msg("router: route failed")
		}
		msg.Ack()
	}
	return ctx.Err()
}

// Serve adapts Consume for a supervisor.
func (r *Router) Serve(ctx context.Context, src EventSource) error {
	err := r.Consume(ctx, src)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Router) track(name string, cancel func() error) {
	r.mu.Lock()
	r.subs = append(r.subs, subscription{name: name, cancel: cancel})
	r.mu.Unlock()
}

// Track registers an external listener so Dispose releases it.
func (r *Router) Track(name string, unsubscribe func() error) {
	r.track(name, unsubscribe)
}

// Dispose releases every tracked subscription. Individual failures are
// logged and do not stop the rest.
func (r *Router) Dispose() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		if err := s.cancel(); err != nil {
			r.log.Warn().Err(err).Str("listener", s.name).Msg("router: unsubscribe failed")
		}
	}
}
