package main

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/config"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/display"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/vfx"
)

// logRenderer is the headless overlay: every shown and hidden item becomes
// a log line.
type logRenderer struct {
	log zerolog.Logger
}

func newLogRenderer() *logRenderer { return &logRenderer{log: logging.With("overlay")} }

func (r *logRenderer) Show(_ context.Context, it display.Item) error {
	r.log.Info().
		Str("kind", string(it.Type)).
		Str("platform", string(it.Platform)).
		Str("type", string(it.Event.Type)).
		Int("priority", it.Priority).
		Dur("duration", it.Duration).
		Msg(it.Text)
	return nil
}

func (r *logRenderer) Hide(_ context.Context, it display.Item) error {
	r.log.Debug().Str("kind", string(it.Type)).Str("type", string(it.Event.Type)).Msg("overlay: hide")
	return nil
}

// effectPlayer answers effect commands on the bus. It has no media output,
// so it holds each command for its duration and reports success.
type effectPlayer struct {
	bus *vfx.Bus
	log zerolog.Logger
}

func newEffectPlayer(b *vfx.Bus) *effectPlayer {
	return &effectPlayer{bus: b, log: logging.With("overlay")}
}

func (p *effectPlayer) Serve(ctx context.Context) error {
	cmds, err := p.bus.Commands(ctx)
	if err != nil {
		return err
	}
	for cmd := range cmds {
		p.play(ctx, cmd)
	}
	return ctx.Err()
}

func (p *effectPlayer) play(ctx context.Context, cmd vfx.Command) {
	p.log.Info().
		Str("correlation_id", cmd.CorrelationID).
		Str("command", cmd.Command).
		Str("command_key", cmd.CommandKey).
		Str("file", cmd.Filename).
		Str("user", cmd.Username).
		Msg("overlay: effect")

	done := vfx.Completion{CorrelationID: cmd.CorrelationID, CommandKey: cmd.CommandKey, Success: true}
	if cmd.DurationMs > 0 {
		t := time.NewTimer(time.Duration(cmd.DurationMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			done.Success = false
			done.Error = ctx.Err().Error()
		case <-t.C:
		}
	}
	if err := p.bus.Complete(done); err != nil {
		p.log.Warn().Err(err).Str("correlation_id", cmd.CorrelationID).Msg("overlay: completion not sent")
	}
}

// displayEffects converts configured effects, keyed by event type name, into
// the commands the runtime attaches to notifications.
func displayEffects(effects map[string]config.EffectConfig) map[core.EventType]vfx.Command {
	if len(effects) == 0 {
		return nil
	}
	out := make(map[core.EventType]vfx.Command, len(effects))
	for name, e := range effects {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.TrimSpace(e.Command) == "" {
			continue
		}
		key := e.CommandKey
		if key == "" {
			key = name
		}
		out[core.EventType(name)] = vfx.Command{
			CommandKey:  key,
			Command:     e.Command,
			Filename:    e.Filename,
			MediaSource: e.MediaSource,
			DurationMs:  e.DurationMs,
		}
	}
	return out
}
