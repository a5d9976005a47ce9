// Package vfx carries visual-effect commands to the overlay executor and
// reports their completion back to whoever is waiting on them.
package vfx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
)

const (
	TopicCommand   = "vfx:command"
	TopicCompleted = "vfx:effect-completed"

	// DefaultGuard bounds how long EmitAndWait waits for a completion.
	DefaultGuard = 30 * time.Second
)

// ErrGuardTimeout is returned when no completion arrives in time.
var ErrGuardTimeout = errors.New("vfx: timed out waiting for effect completion")

// CommandContext describes where a command came from.
type CommandContext struct {
	Source           string `json:"source"`
	NotificationType string `json:"notificationType,omitempty"`
	DelayAppliedMs   int64  `json:"delayApplied,omitempty"`
}

// Command asks the overlay to play an effect.
type Command struct {
	CorrelationID string         `json:"correlationId"`
	CommandKey    string         `json:"commandKey"`
	Command       string         `json:"command"`
	Filename      string         `json:"filename,omitempty"`
	MediaSource   string         `json:"mediaSource,omitempty"`
	VFXFilePath   string         `json:"vfxFilePath,omitempty"`
	DurationMs    int64          `json:"duration,omitempty"`
	Username      string         `json:"username,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	Context       CommandContext `json:"context"`
}

// Completion reports that an effect finished.
type Completion struct {
	CorrelationID string `json:"correlationId"`
	CommandKey    string `json:"commandKey,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Bus publishes commands and matches completions to waiters by correlation id.
type Bus struct {
	pub     message.Publisher
	sub     message.Subscriber
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan Completion

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts listening for completions on sub.
func New(ctx context.Context, pub message.Publisher, sub message.Subscriber, m *metrics.Metrics) (*Bus, error) {
	ctx, cancel := context.WithCancel(ctx)
	completions, err := sub.Subscribe(ctx, TopicCompleted)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vfx: subscribe completions: %w", err)
	}
	b := &Bus{
		pub:     pub,
		sub:     sub,
		metrics: m,
		log:     logging.With("vfx"),
		waiters: make(map[string]chan Completion),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.listen(completions)
	return b, nil
}

func (b *Bus) listen(msgs <-chan *message.Message) {
	defer close(b.done)
	for msg := range msgs {
		var c Completion
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			b.log.Warn().Err(err).Msg("vfx: malformed completion")
			msg.Ack()
			continue
		}
		msg.Ack()

		b.mu.Lock()
		ch, ok := b.waiters[c.CorrelationID]
		if ok {
			delete(b.waiters, c.CorrelationID)
		}
		b.mu.Unlock()
		if ok {
			ch <- c
		} else {
			b.log.Debug().Str("correlation_id", c.CorrelationID).Msg("vfx: completion with no waiter")
		}
	}
}

// Emit publishes cmd, assigning a correlation id when missing.
func (b *Bus) Emit(ctx context.Context, cmd Command) (string, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("vfx: encode command: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("correlation_id", cmd.CorrelationID)
	if err := b.pub.Publish(TopicCommand, msg); err != nil {
		b.metrics.IncVFX("publish_error")
		return "", fmt.Errorf("vfx: publish command: %w", err)
	}
	b.metrics.IncVFX("emitted")
	b.log.Debug().
		Str("correlation_id", cmd.CorrelationID).
		Str("command", cmd.CommandKey).
		Str("source", cmd.Context.Source).
		Msg("vfx: command emitted")
	return cmd.CorrelationID, nil
}

// EmitAndWait publishes cmd and blocks until its completion arrives, guard
// elapses or ctx ends.
func (b *Bus) EmitAndWait(ctx context.Context, cmd Command, guard time.Duration) (Completion, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	if guard <= 0 {
		guard = DefaultGuard
	}
	ch := make(chan Completion, 1)
	b.mu.Lock()
	b.waiters[cmd.CorrelationID] = ch
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		delete(b.waiters, cmd.CorrelationID)
		b.mu.Unlock()
	}

	if _, err := b.Emit(ctx, cmd); err != nil {
		release()
		return Completion{}, err
	}

	timer := time.NewTimer(guard)
	defer timer.Stop()
	select {
	case c := <-ch:
		b.metrics.IncVFX("completed")
		return c, nil
	case <-timer.C:
		release()
		b.metrics.IncVFX("timeout")
		return Completion{}, fmt.Errorf("%w (%s)", ErrGuardTimeout, cmd.CorrelationID)
	case <-ctx.Done():
		release()
		return Completion{}, ctx.Err()
	}
}

// Complete publishes a completion for a previously emitted command.
func (b *Bus) Complete(c Completion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("vfx: encode completion: %w", err)
	}
	if err := b.pub.Publish(TopicCompleted, message.NewMessage(uuid.NewString(), payload)); err != nil {
		return fmt.Errorf("vfx: publish completion: %w", err)
	}
	return nil
}

// Commands streams decoded commands for an effect executor until ctx ends.
func (b *Bus) Commands(ctx context.Context) (<-chan Command, error) {
	msgs, err := b.sub.Subscribe(ctx, TopicCommand)
	if err != nil {
		return nil, fmt.Errorf("vfx: subscribe commands: %w", err)
	}
	out := make(chan Command)
	go func() {
		defer close(out)
		for msg := range msgs {
			var cmd Command
			if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
				b.log.Warn().Err(err).Msg("vfx: malformed command")
				msg.Ack()
				continue
			}
			select {
			case out <- cmd:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Pending reports how many EmitAndWait calls are outstanding.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Close stops the completion listener.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}
