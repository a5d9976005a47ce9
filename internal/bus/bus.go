// Package bus is the in-process publish/subscribe backbone. Platform clients
// publish canonical events on TopicEvents and the router consumes them in
// publish order: PublishEvent returns only once the subscriber acked the
// message, so a single publisher never has two events in flight.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/logging"
)

// TopicEvents carries encoded core.Event values.
const TopicEvents = "platform:event"

const defaultBuffer = 256

// Bus wraps two watermill go-channel pub/subs: an acked one for platform
// events and a buffered one for every other topic.
type Bus struct {
	events *gochannel.GoChannel
	pubsub *gochannel.GoChannel
}

// New returns a ready bus.
func New() *Bus {
	logger := NewLogger()
	return &Bus{
		events: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, logger),
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: defaultBuffer,
		}, logger),
	}
}

// Publisher exposes the raw publisher for other topics.
func (b *Bus) Publisher() message.Publisher { return b.pubsub }

// Subscriber exposes the raw subscriber for other topics.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// PublishEvent encodes ev and publishes it on TopicEvents. It blocks until
// the subscriber acks, or returns at once when nobody is subscribed.
func (b *Bus) PublishEvent(ev core.Event) error {
	payload, err := core.Encode(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("platform", string(ev.Platform))
	msg.Metadata.Set("type", string(ev.Type))
	if err := b.events.Publish(TopicEvents, msg); err != nil {
		return fmt.Errorf("bus: publish event: %w", err)
	}
	return nil
}

// SubscribeEvents returns the ordered message stream for TopicEvents. The
// channel closes when ctx ends. Every message must be acked or nacked.
func (b *Bus) SubscribeEvents(ctx context.Context) (<-chan *message.Message, error) {
	return b.events.Subscribe(ctx, TopicEvents)
}

// Close shuts down every subscription.
func (b *Bus) Close() error {
	err := b.events.Close()
	if perr := b.pubsub.Close(); err == nil {
		err = perr
	}
	return err
}

// Logger adapts the zerolog logger to watermill.
type Logger struct {
	fields watermill.LogFields
}

// NewLogger returns a watermill logger writing through the logging package.
func NewLogger() watermill.LoggerAdapter { return &Logger{} }

func (l *Logger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]any(l.fields.Add(fields))).Msg("bus: " + msg)
}

func (l *Logger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]any(l.fields.Add(fields))).Msg("bus: " + msg)
}

func (l *Logger) Debug(msg string, fields watermill.LogFields) {
	log := logging.Logger()
	log.Trace().Fields(map[string]any(l.fields.Add(fields))).Msg("bus: " + msg)
}

func (l *Logger) Trace(msg string, fields watermill.LogFields) {
	log := logging.Logger()
	log.Trace().Fields(map[string]any(l.fields.Add(fields))).Msg("bus: " + msg)
}

func (l *Logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &Logger{fields: l.fields.Add(fields)}
}
