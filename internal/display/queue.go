// Package display orders chat, greetings and notifications for the overlay.
//
// Items are shown by ascending priority, FIFO within a priority. Chat items
// linger until replaced; notifications are hidden after their duration.
package display

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/vfx"
)

// ItemType distinguishes how an item is displayed.
type ItemType string

const (
	ItemChat         ItemType = "chat"
	ItemGreeting     ItemType = "greeting"
	ItemNotification ItemType = "notification"
)

// Item is one unit of overlay work.
type Item struct {
	Type     ItemType
	Platform core.Platform
	Event    core.Event
	// Text is the rendered line (chat message or notification text).
	Text     string
	Priority int
	Duration time.Duration
	VFX      *vfx.Command

	seq uint64
}

// Renderer draws items. It is implemented by the overlay.
type Renderer interface {
	Show(ctx context.Context, item Item) error
	Hide(ctx context.Context, item Item) error
}

// Settings are the per-platform display switches.
type Settings interface {
	PlatformNotificationsEnabled(platform core.Platform) bool
	GreetingsEnabled(platform core.Platform) bool
}

// VFXEmitter plays an effect and waits for it to finish.
type VFXEmitter interface {
	EmitAndWait(ctx context.Context, cmd vfx.Command, guard time.Duration) (vfx.Completion, error)
}

var ErrInvalidItem = errors.New("display: invalid item")

const defaultNotificationDuration = 5 * time.Second

// QueueConfig configures a Queue.
type QueueConfig struct {
	Renderer Renderer
	Settings Settings
	VFX      VFXEmitter
	VFXGuard time.Duration
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Queue is the priority display queue.
type Queue struct {
	renderer Renderer
	settings Settings
	vfx      VFXEmitter
	vfxGuard time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	wake   chan struct{}
	active *Item
}

// NewQueue builds a Queue.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		renderer: cfg.Renderer,
		settings: cfg.Settings,
		vfx:      cfg.VFX,
		vfxGuard: cfg.VFXGuard,
		clock:    clock.OrReal(cfg.Clock),
		metrics:  cfg.Metrics,
		log:      logging.With("display"),
		wake:     make(chan struct{}, 1),
	}
}

// AddItem enqueues item.
func (q *Queue) AddItem(item Item) error {
	switch item.Type {
	case ItemChat, ItemGreeting, ItemNotification:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidItem, item.Type)
	}
	if !item.Platform.Valid() {
		return fmt.Errorf("%w: platform %q", ErrInvalidItem, item.Platform)
	}
	if item.Type == ItemNotification && item.Duration <= 0 {
		item.Duration = defaultNotificationDuration
	}

	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, &item)
	depth := q.items.Len()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*Item)
	q.metrics.SetQueueDepth(q.items.Len())
	return it
}

// ProcessQueue displays items until ctx ends.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	for {
		it := q.pop()
		if it == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		if err := q.displayItem(ctx, it); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn().Err(err).Str("type", string(it.Type)).Msg("display: item failed")
		}
	}
}

// Drain displays every queued item and returns when the queue is empty.
func (q *Queue) Drain(ctx context.Context) error {
	for it := q.pop(); it != nil; it = q.pop() {
		if err := q.displayItem(ctx, it); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn().Err(err).Str("type", string(it.Type)).Msg("display: item failed")
		}
	}
	return nil
}

func (q *Queue) displayItem(ctx context.Context, it *Item) error {
	switch it.Type {
	case ItemNotification:
		return q.displayNotificationItem(ctx, it)
	default:
		return q.displayChatItem(ctx, it)
	}
}

// displayChatItem replaces whatever chat line is showing.
func (q *Queue) displayChatItem(ctx context.Context, it *Item) error {
	if q.active != nil {
		if err := q.renderer.Hide(ctx, *q.active); err != nil {
			q.log.Debug().Err(err).Msg("display: hide previous chat failed")
		}
	}
	q.active = it
	return q.renderer.Show(ctx, *it)
}

func (q *Queue) displayNotificationItem(ctx context.Context, it *Item) error {
	if q.settings != nil && !q.settings.PlatformNotificationsEnabled(it.Platform) {
		q.metrics.IncDropped(string(it.Platform), "notifications-disabled")
		q.log.Debug().Str("platform", string(it.Platform)).Msg("display: notifications disabled for platform")
		return nil
	}
	if err := q.renderer.Show(ctx, *it); err != nil {
		return fmt.Errorf("display: show notification: %w", err)
	}

	if it.VFX != nil && q.vfx != nil {
		cmd := *it.VFX
		cmd.Context.Source = "display-queue"
		cmd.Context.NotificationType = string(it.Event.Type)
		if _, err := q.vfx.EmitAndWait(ctx, cmd, q.vfxGuard); err != nil {
			q.log.Warn().Err(err).Str("command", cmd.CommandKey).Msg("display: vfx did not complete")
		}
	}

	if err := q.wait(ctx, it.Duration); err != nil {
		return err
	}
	return q.renderer.Hide(ctx, *it)
}

func (q *Queue) wait(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := clock.SafeAfterFunc(q.clock, d, defaultNotificationDuration, "display", func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
