package ytlive

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
)

// Connection is one live chat attached to the pool.
type Connection interface {
	Disconnect() error
}

// CreateFunc opens the chat connection for a video.
type CreateFunc func(ctx context.Context, videoID string) (Connection, error)

type ConnectOptions struct {
	// ThrowOnError returns create failures instead of reporting them.
	ThrowOnError bool
}

type poolEntry struct {
	conn    Connection
	ready   bool
	addedAt time.Time
}

// Pool holds at most one connection per video id.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	pending map[string]bool

	errs    *errhandler.Handler
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger
}

// NewPool builds an empty pool. A nil clk uses wall time.
func NewPool(errs *errhandler.Handler, m *metrics.Metrics, clk clock.Clock) *Pool {
	return &Pool{
		entries: make(map[string]*poolEntry),
		pending: make(map[string]bool),
		errs:    errs,
		metrics: m,
		clock:   clock.OrReal(clk),
		log:     logging.With("ytlive"),
	}
}

// ConnectToStream creates and stores a connection for videoID. It reports
// false when one already exists or is being created, or when create fails
// and opts.ThrowOnError is unset.
func (p *Pool) ConnectToStream(ctx context.Context, videoID string, create CreateFunc, opts ConnectOptions) (bool, error) {
	p.mu.Lock()
	if p.entries[videoID] != nil || p.pending[videoID] {
		p.mu.Unlock()
		return false, nil
	}
	p.pending[videoID] = true
	p.mu.Unlock()

	conn, err := create(ctx, videoID)

	p.mu.Lock()
	delete(p.pending, videoID)
	if err == nil {
		p.entries[videoID] = &poolEntry{conn: conn, addedAt: p.clock.Now()}
	}
	count := len(p.entries)
	p.mu.Unlock()

	if err != nil {
		if opts.ThrowOnError {
			return false, err
		}
		p.errs.HandleWith(err, "connect-stream", map[string]any{"videoId": videoID})
		return false, nil
	}
	p.log.Info().Str("video_id", videoID).Int("connections", count).Msg("ytlive: stream connected")
	return true, nil
}

// SetConnectionReady marks videoID as receiving messages.
func (p *Pool) SetConnectionReady(videoID string) {
	p.mu.Lock()
	e := p.entries[videoID]
	if e != nil {
		e.ready = true
	}
	p.mu.Unlock()
	if e != nil {
		p.metrics.SetConnected(string(core.PlatformYouTube), true)
	}
}

func (p *Pool) IsAnyConnectionReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.anyReadyLocked()
}

func (p *Pool) anyReadyLocked() bool {
	for _, e := range p.entries {
		if e.ready {
			return true
		}
	}
	return false
}

// RemoveConnection disconnects and forgets videoID. Disconnect errors are
// reported, never returned; the entry is dropped either way.
func (p *Pool) RemoveConnection(videoID string) bool {
	p.mu.Lock()
	e := p.entries[videoID]
	delete(p.entries, videoID)
	anyReady := p.anyReadyLocked()
	p.mu.Unlock()
	if e == nil {
		return false
	}

	if err := e.conn.Disconnect(); err != nil {
		p.errs.HandleWith(err, "disconnect-stream", map[string]any{"videoId": videoID})
	}
	p.metrics.SetConnected(string(core.PlatformYouTube), anyReady)
	p.log.Info().Str("video_id", videoID).Dur("connected_for", p.clock.Now().Sub(e.addedAt)).Msg("ytlive: stream removed")
	return true
}

// RemoveAll disconnects every connection.
func (p *Pool) RemoveAll() {
	for _, id := range p.ActiveVideoIDs() {
		p.RemoveConnection(id)
	}
}

// ActiveVideoIDs lists connected ids in sorted order.
func (p *Pool) ActiveVideoIDs() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Status reports the pool as one youtube connection: connected once any
// video delivers messages.
func (p *Pool) Status() core.ConnectionStatus {
	ids := p.ActiveVideoIDs()
	st := core.ConnectionStatus{Platform: core.PlatformYouTube, State: core.StateIdle}
	switch {
	case p.IsAnyConnectionReady():
		st.State = core.StateConnected
	case len(ids) > 0:
		st.State = core.StateConnecting
	}
	st.ConnectionID = strings.Join(ids, ",")
	return st
}

// ConnectedAt reports when videoID joined the pool.
func (p *Pool) ConnectedAt(videoID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[videoID]
	if e == nil {
		return time.Time{}, false
	}
	return e.addedAt, true
}

func (p *Pool) Has(videoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[videoID] != nil
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ChatFactory returns a CreateFunc that starts a Chat per video. The first
// delivered message marks the video ready in p.
func ChatFactory(base ChatConfig, p *Pool) CreateFunc {
	return func(ctx context.Context, videoID string) (Connection, error) {
		cfg := base
		cfg.VideoID = videoID
		cfg.OnFirstMessage = p.SetConnectionReady
		chat, err := NewChat(cfg)
		if err != nil {
			return nil, err
		}
		if err := chat.Start(ctx); err != nil {
			return nil, err
		}
		return chat, nil
	}
}
