package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/you/gnasty-hub/internal/bus"
	"github.com/you/gnasty-hub/internal/config"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/display"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/eventsub"
	"github.com/you/gnasty-hub/internal/gifts"
	"github.com/you/gnasty-hub/internal/helix"
	"github.com/you/gnasty-hub/internal/httpapi"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/retry"
	"github.com/you/gnasty-hub/internal/router"
	"github.com/you/gnasty-hub/internal/secrets"
	"github.com/you/gnasty-hub/internal/seen"
	"github.com/you/gnasty-hub/internal/tiktok"
	"github.com/you/gnasty-hub/internal/twitch"
	"github.com/you/gnasty-hub/internal/vfx"
	"github.com/you/gnasty-hub/internal/ytlive"
)

func runCommand(args []string) error {
	var (
		common         commonFlags
		metricsAddr    string
		tiktokUser     string
		twitchChannel  string
		youtubeChannel string
		seenPath       string
	)
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Status and metrics listen address (e.g., :9464)")
	fs.StringVar(&tiktokUser, "tiktok-username", "", "TikTok user to follow (enables tiktok)")
	fs.StringVar(&twitchChannel, "twitch-channel", "", "Twitch channel login to follow (enables twitch)")
	fs.StringVar(&youtubeChannel, "youtube-channel", "", "YouTube channel URL or @handle (enables youtube)")
	fs.StringVar(&seenPath, "seen-db", "", "SQLite file remembering chatters across restarts")
	_ = fs.Parse(args)

	overrides := visited(fs)
	cfg, err := common.load(overrides)
	if err != nil {
		return err
	}
	if overrides["metrics-addr"] {
		cfg.Metrics.Addr = strings.TrimSpace(metricsAddr)
	}
	if overrides["tiktok-username"] {
		cfg.TikTok.Username = strings.TrimSpace(tiktokUser)
		cfg.TikTok.Enabled = cfg.TikTok.Username != ""
	}
	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.TrimSpace(twitchChannel)
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if overrides["youtube-channel"] {
		cfg.YouTube.ChannelURL = strings.TrimSpace(youtubeChannel)
		cfg.YouTube.Enabled = cfg.YouTube.ChannelURL != ""
	}
	if overrides["seen-db"] {
		cfg.Seen.SQLitePath = strings.TrimSpace(seenPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Info().RawJSON("config", cfg.RedactedJSON()).Msg("hub: configuration")

	ctx, cancel := signalContext()
	defer cancel()

	h, err := newHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.close()
	return h.serve(ctx)
}

// hub owns everything built for one run.
type hub struct {
	cfg     config.Config
	metrics *metrics.Metrics
	events  *bus.Bus
	secrets *secrets.Store
	retry   *retry.Core
	// http carries REST and scrape traffic only; socket dials must not
	// inherit its Timeout.
	http    *http.Client
	tree    *tree

	statuses []httpapi.StatusSource
	closers  []func() error
}

func newHub(ctx context.Context, cfg config.Config) (*hub, error) {
	m := metrics.New()
	h := &hub{
		cfg:     cfg,
		metrics: m,
		events:  bus.New(),
		secrets: secrets.New(),
		http:    &http.Client{Timeout: 30 * time.Second},
		tree:    newTree(defaultTreeConfig()),
	}
	h.closers = append(h.closers, h.events.Close)
	h.retry = retry.New(retry.WithMetrics(m), retry.WithErrorHandler(errhandler.New("hub", m)))
	h.retry.Register(eventsub.RetryScope, cfg.TwitchRetryPolicy())
	h.retry.Register(tiktok.RetryScope, cfg.TikTokRetryPolicy())

	h.secrets.InitializeStatic(secrets.Static{
		TwitchClientID:     cfg.Twitch.ClientID,
		TwitchClientSecret: cfg.Twitch.ClientSecret,
		TikTokAPIKey:       cfg.TikTok.APIKey,
	})

	steps := []func(context.Context) error{
		h.wirePipeline,
		h.wireTikTok,
		h.wireTwitch,
		h.wireYouTube,
		h.wireStatus,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

func (h *hub) serve(ctx context.Context) error {
	logging.Info().Object("secrets", h.secrets.Snapshot()).Msg("hub: starting")
	err := h.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *hub) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			logging.Warn().Err(err).Msg("hub: close")
		}
	}
	h.closers = nil
}

// wirePipeline builds router -> runtime -> display queue -> overlay, plus
// the effect player answering the queue's effect commands.
func (h *hub) wirePipeline(ctx context.Context) error {
	var tracker seen.Tracker = seen.NewMemory()
	if path := h.cfg.Seen.SQLitePath; path != "" {
		db, err := seen.OpenSQLite(ctx, path, true)
		if err != nil {
			return fmt.Errorf("hub: seen database: %w", err)
		}
		h.closers = append(h.closers, db.Close)
		tracker = db
	}

	effects, err := vfx.New(ctx, h.events.Publisher(), h.events.Subscriber(), h.metrics)
	if err != nil {
		return err
	}
	h.closers = append(h.closers, func() error { effects.Close(); return nil })

	toggles := config.NewToggles(h.cfg)
	queue := display.NewQueue(display.QueueConfig{
		Renderer: newLogRenderer(),
		Settings: toggles,
		VFX:      effects,
		VFXGuard: h.cfg.Display.VFXGuard,
		Metrics:  h.metrics,
	})
	runtime := display.NewRuntime(display.RuntimeConfig{
		Queue:    queue,
		Seen:     tracker,
		Settings: toggles,
		Effects:  displayEffects(h.cfg.Display.Effects),
	})
	rt := router.New(toggles, runtime, runtime, h.metrics)
	h.closers = append(h.closers, func() error { rt.Dispose(); return nil })

	h.tree.addPipeline(newService("router", func(ctx context.Context) error {
		return rt.Serve(ctx, h.events)
	}))
	h.tree.addPipeline(newService("display", queue.ProcessQueue))
	h.tree.addPipeline(newService("effects", newEffectPlayer(effects).Serve))
	return nil
}

func (h *hub) wireTikTok(context.Context) error {
	if !h.cfg.TikTok.Enabled {
		return nil
	}
	errs := errhandler.New(string(core.PlatformTikTok), h.metrics)
	agg := gifts.New(gifts.Config{
		Delay:   h.cfg.TikTok.GiftAggregationDelay,
		Deliver: h.events.PublishEvent,
		Errors:  errs,
		Metrics: h.metrics,
	})
	client := tiktok.New(tiktok.Config{
		BridgeURL:      h.cfg.TikTok.BridgeURL,
		Username:       h.cfg.TikTok.Username,
		APIKey:         h.secrets.Snapshot().TikTokAPIKey,
		PingInterval:   h.cfg.TikTok.PingInterval,
		ConnectTimeout: h.cfg.TikTok.ConnectTimeout,
		Events:         h.events,
		Gifts:          agg,
		Retry:          h.retry,
		Metrics:        h.metrics,
		Errors:         errs,
	})
	h.statuses = append(h.statuses, client)
	h.tree.addPlatform(newService("tiktok", client.Serve))
	return nil
}

func (h *hub) wireTwitch(ctx context.Context) error {
	if !h.cfg.Twitch.Enabled {
		return nil
	}
	store := twitch.TokenStore{Path: h.cfg.Twitch.TokenFile}
	tokens, err := store.Load()
	if err != nil {
		return fmt.Errorf("hub: twitch tokens (run `hub auth` first): %w", err)
	}
	h.secrets.SetTwitchTokens(tokens)
	if !h.secrets.TwitchAuthReady() {
		return errors.New("hub: twitch tokens missing; run `hub auth` first")
	}

	errs := errhandler.New(string(core.PlatformTwitch), h.metrics)
	refresh := &twitch.RefreshManager{
		ClientID:     h.cfg.Twitch.ClientID,
		ClientSecret: h.cfg.Twitch.ClientSecret,
		Store:        store,
		Secrets:      h.secrets,
		HTTP:         h.http,
		Retry:        h.retry,
		Metrics:      h.metrics,
		Buffer:       h.cfg.Twitch.RefreshBuffer,
	}
	api := helix.New(helix.Config{
		BaseURL:   h.cfg.Twitch.HelixURL,
		HTTP:      h.http,
		Secrets:   h.secrets,
		Refresher: refresh,
		Metrics:   h.metrics,
	})
	manager := eventsub.NewManager(eventsub.ManagerConfig{
		API:           api,
		Secrets:       h.secrets,
		Subscriptions: eventsub.NewRegistry(),
		Metrics:       h.metrics,
		Errors:        errs,
	})
	channel := strings.ToLower(strings.TrimPrefix(h.cfg.Twitch.Channel, "#"))
	client := eventsub.New(eventsub.Config{
		URL:               h.cfg.Twitch.EventSubURL,
		WelcomeTimeout:    h.cfg.Twitch.WelcomeTimeout,
		WelcomeWarn:       h.cfg.Twitch.WelcomeWarn,
		SubscriptionDelay: h.cfg.Twitch.SubscriptionDelay,
		Descriptors:       eventsub.DefaultDescriptors,
		Validate: func(ctx context.Context) (eventsub.Identity, error) {
			v, err := twitch.ValidateToken(ctx, h.http, h.secrets.Snapshot().Twitch.AccessToken)
			if err != nil {
				return eventsub.Identity{}, err
			}
			id := eventsub.Identity{UserID: v.UserID, BroadcasterID: v.UserID}
			if channel != "" && !strings.EqualFold(channel, v.Login) {
				if id.BroadcasterID, err = api.ResolveUserID(ctx, channel); err != nil {
					return eventsub.Identity{}, err
				}
			}
			return id, nil
		},
		Manager: manager,
		Events:  h.events,
		Retry:   h.retry,
		Metrics: h.metrics,
		Errors:  errs,
	})

	h.statuses = append(h.statuses, client)
	h.tree.addPlatform(newService("twitch-refresh", refresh.Serve))
	h.tree.addPlatform(newService("twitch-tokens", func(ctx context.Context) error {
		return twitch.WatchTokenStore(ctx, store, h.secrets, func(secrets.Twitch) {
			refresh.Schedule(ctx)
		})
	}))
	h.tree.addPlatform(newService("eventsub", client.Serve))
	return nil
}

func (h *hub) wireYouTube(context.Context) error {
	if !h.cfg.YouTube.Enabled {
		return nil
	}
	errs := errhandler.New(string(core.PlatformYouTube), h.metrics)
	pool := ytlive.NewPool(errs, h.metrics, nil)
	monitor := ytlive.NewMonitor(ytlive.MonitorConfig{
		Detector: ytlive.NewResolver(h.http, h.cfg.YouTube.ChannelURL),
		Pool:     pool,
		Create: ytlive.ChatFactory(ytlive.ChatConfig{
			HTTP:   h.http,
			Events: h.events,
			Errors: errs,
		}, pool),
		MaxStreams: h.cfg.YouTube.MaxStreams,
		Interval:   h.cfg.YouTube.PollInterval,
		Events:     h.events,
		Errors:     errs,
	})
	h.statuses = append(h.statuses, pool)
	h.tree.addPlatform(newService("ytlive", monitor.Serve))
	return nil
}

func (h *hub) wireStatus(context.Context) error {
	if h.cfg.Metrics.Addr == "" {
		return nil
	}
	srv := httpapi.New(httpapi.Options{
		Addr:           h.cfg.Metrics.Addr,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		Build:          buildInfo(),
		Metrics:        h.metrics.Handler(),
	}, h.statuses...)
	h.tree.addPipeline(newService("httpapi", srv.Serve))
	return nil
}
