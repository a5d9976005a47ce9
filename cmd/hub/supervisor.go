package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/you/gnasty-hub/internal/eventsub"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/tiktok"
	"github.com/you/gnasty-hub/internal/twitch"
)

type treeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func defaultTreeConfig() treeConfig {
	return treeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// tree groups services in two layers: platform connections and the local
// pipeline (router, display, effects, status listener). A platform that keeps
// failing backs off on its own without stalling the pipeline.
type tree struct {
	root      *suture.Supervisor
	platforms *suture.Supervisor
	pipeline  *suture.Supervisor
}

func newTree(cfg treeConfig) *tree {
	log := logging.With("supervisor")
	spec := suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	// Children inherit the root hook when added.
	child := spec
	child.EventHook = nil

	t := &tree{
		root:      suture.New("gnasty-hub", spec),
		platforms: suture.New("platforms", child),
		pipeline:  suture.New("pipeline", child),
	}
	t.root.Add(t.pipeline)
	t.root.Add(t.platforms)
	return t
}

func eventHook(log zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		e := log.Warn()
		if ev.Type() == suture.EventTypeResume {
			e = log.Info()
		}
		e.Fields(ev.Map()).Msg("supervisor: " + ev.String())
	}
}

func (t *tree) addPlatform(svc suture.Service) suture.ServiceToken { return t.platforms.Add(svc) }

func (t *tree) addPipeline(svc suture.Service) suture.ServiceToken { return t.pipeline.Add(svc) }

func (t *tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

// service adapts a blocking run function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func newService(name string, run func(ctx context.Context) error) *service {
	return &service{name: name, run: run}
}

func (s *service) String() string { return s.name }

func (s *service) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if permanent(err) {
		log := logging.With("supervisor")
		log.Error().Err(err).Str("service", s.name).Msg("supervisor: service stopped for good")
		return suture.ErrDoNotRestart
	}
	return err
}

// permanent reports errors a restart cannot fix: refused bridge
// connections, exhausted reconnect budgets and credentials that need the
// auth flow.
func permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, tiktok.ErrFatalClose),
		errors.Is(err, tiktok.ErrReconnectExhausted),
		errors.Is(err, eventsub.ErrReconnectExhausted),
		twitch.IsFatal(err):
		return true
	}
	return false
}
