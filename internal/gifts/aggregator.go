// Package gifts coalesces gift streaks into a single delayed event per
// (user, gift type) pair.
package gifts

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
	"github.com/you/gnasty-hub/internal/normalize"
)

const (
	// DefaultDelay is the debounce window after the last gift in a streak.
	DefaultDelay = 2 * time.Second
	// DuplicateWindow suppresses repeated deliveries of the same streak count.
	DuplicateWindow = time.Second
)

// Gift is one incoming gift notification. GiftCount is the running streak
// total reported by the platform, not an increment.
type Gift struct {
	Platform   core.Platform `validate:"required"`
	ID         string        `validate:"required"`
	UserID     string        `validate:"required"`
	Username   string        `validate:"required"`
	GiftType   string        `validate:"required"`
	GiftCount  int           `validate:"gt=0"`
	UnitAmount float64       `validate:"finite,gte=0"`
	Currency   string        `validate:"required"`
	Timestamp  time.Time     `validate:"required"`
	Original   map[string]any
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsInf(f, 0) && !math.IsNaN(f)
	})
	return v
}

// FromEvent extracts a Gift from a canonical gift event.
func FromEvent(ev core.Event) (Gift, error) {
	g, ok := ev.Data.(core.Gift)
	if !ok {
		return Gift{}, fmt.Errorf("gifts: event type %s is not a gift", ev.Type)
	}
	ts, err := ev.Time()
	if err != nil {
		return Gift{}, fmt.Errorf("gifts: %w", err)
	}
	return Gift{
		Platform:   ev.Platform,
		ID:         ev.ID,
		UserID:     ev.UserID,
		Username:   ev.Username,
		GiftType:   g.GiftType,
		GiftCount:  g.GiftCount,
		UnitAmount: g.UnitAmount,
		Currency:   g.Currency,
		Timestamp:  ts,
		Original:   g.Original,
	}, nil
}

// Deliver receives aggregated gift events.
type Deliver func(core.Event) error

// Config configures an Aggregator.
type Config struct {
	Delay   time.Duration
	Clock   clock.Clock
	Deliver Deliver
	Errors  *errhandler.Handler
	Metrics *metrics.Metrics
}

type entry struct {
	gen           uint64
	totalCount    int
	lastProcessed time.Time
	timer         clock.Timer
	last          Gift
}

// Aggregator debounces gift streaks. It is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	delay    time.Duration
	clock    clock.Clock
	deliver  Deliver
	errs     *errhandler.Handler
	metrics  *metrics.Metrics
	validate *validator.Validate
	entries  map[string]*entry
	log      zerolog.Logger
}

// New builds an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		delay:    clock.ValidateTimeout(cfg.Delay, DefaultDelay, "giftAggregationDelay"),
		clock:    clock.OrReal(cfg.Clock),
		deliver:  cfg.Deliver,
		errs:     cfg.Errors,
		metrics:  cfg.Metrics,
		validate: newValidator(),
		entries:  make(map[string]*entry),
		log:      logging.With("gifts"),
	}
}

func key(g Gift) string { return g.UserID + "\x00" + g.GiftType }

// HandleStandardGift records g and (re)arms the streak timer. A repeat of
// the current streak count within DuplicateWindow is ignored.
func (a *Aggregator) HandleStandardGift(g Gift) error {
	if err := a.validate.Struct(g); err != nil {
		return fmt.Errorf("gifts: invalid gift: %w", err)
	}
	k := key(g)
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entries[k]
	if e != nil && e.totalCount == g.GiftCount && now.Sub(e.lastProcessed) < DuplicateWindow {
		a.log.Debug().
			Str("user_id", g.UserID).
			Str("gift", g.GiftType).
			Int("count", g.GiftCount).
			Msg("gifts: duplicate streak update ignored")
		return nil
	}
	if e == nil {
		e = &entry{}
		a.entries[k] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.totalCount = g.GiftCount
	e.lastProcessed = now
	e.last = g
	gen := e.gen
	e.timer = clock.SafeAfterFunc(a.clock, a.delay, DefaultDelay, "gift-aggregation", func() {
		a.fire(k, gen)
	})
	return nil
}

func (a *Aggregator) fire(k string, gen uint64) {
	a.mu.Lock()
	e := a.entries[k]
	if e == nil || e.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.entries, k)
	total := e.totalCount
	last := e.last
	a.mu.Unlock()

	ev, err := a.buildAggregated(last, total)
	if err != nil {
		a.errs.Handle(err, "gift-aggregation")
		return
	}
	if err := a.safeDeliver(ev); err != nil {
		a.errs.HandleWith(err, "gift-delivery", map[string]any{"user_id": last.UserID, "gift": last.GiftType})
		return
	}
	a.metrics.IncGiftAggregated(string(last.Platform))
}

func (a *Aggregator) buildAggregated(last Gift, total int) (core.Event, error) {
	ts := last.Timestamp
	if ts.IsZero() {
		ts = a.clock.Now()
	}
	ev, err := normalize.Gift(last.Platform, normalize.GiftInput{
		ID:         last.ID,
		UserID:     last.UserID,
		Username:   last.Username,
		GiftType:   last.GiftType,
		GiftCount:  total,
		UnitAmount: last.UnitAmount,
		Amount:     last.UnitAmount * float64(total),
		Currency:   last.Currency,
		SourceType: "aggregated",
		Timestamp:  ts,
		Original:   last.Original,
	})
	if err != nil {
		return core.Event{}, err
	}
	g := ev.Data.(core.Gift)
	g.IsAggregated = true
	g.AggregatedCount = total
	ev.Data = g
	return ev, nil
}

func (a *Aggregator) safeDeliver(ev core.Event) (err error) {
	if a.deliver == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gifts: delivery panic: %v", r)
		}
	}()
	return a.deliver(ev)
}

// Pending returns the number of open streaks.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Cleanup cancels every pending timer and clears all streaks.
func (a *Aggregator) Cleanup() {
	a.mu.Lock()
	for k, e := range a.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(a.entries, k)
	}
	a.mu.Unlock()
}
