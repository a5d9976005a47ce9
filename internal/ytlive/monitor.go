package ytlive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/normalize"
)

const defaultCheckInterval = 60 * time.Second

var ErrDetectionFailed = errors.New("ytlive: live stream detection failed")

type MonitorConfig struct {
	Detector Detector
	Pool     *Pool
	Create   CreateFunc
	// MaxStreams caps concurrent connections; 0 means unlimited.
	MaxStreams int
	Interval   time.Duration

	Events Publisher
	Clock  clock.Clock
	Errors *errhandler.Handler
}

// CheckResult summarizes one detection pass.
type CheckResult struct {
	Added   []string
	Removed []string
	Active  []string
}

// Monitor keeps the pool in line with the channel's live videos.
type Monitor struct {
	cfg   MonitorConfig
	clock clock.Clock
	log   zerolog.Logger
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	cfg.Interval = clock.ValidateTimeout(cfg.Interval, defaultCheckInterval, "ytlive:interval")
	if cfg.MaxStreams < 0 {
		cfg.MaxStreams = 0
	}
	return &Monitor{cfg: cfg, clock: clock.OrReal(cfg.Clock), log: logging.With("ytlive")}
}

// CheckMultiStream runs one detection pass. Vanished videos are removed and
// new ones connected up to MaxStreams. A stream-detected event is published
// only when a new video was connected. With throwOnError set, detection and
// connection failures are returned rather than reported.
func (m *Monitor) CheckMultiStream(ctx context.Context, throwOnError bool) (CheckResult, error) {
	det, err := m.cfg.Detector.DetectLiveStreams(ctx)
	if err == nil && !det.Success {
		err = ErrDetectionFailed
	}
	if err != nil {
		if throwOnError {
			return CheckResult{}, err
		}
		m.cfg.Errors.Handle(err, "detect-live-streams")
		return CheckResult{Active: m.cfg.Pool.ActiveVideoIDs()}, nil
	}

	live := make(map[string]bool, len(det.VideoIDs))
	for _, id := range det.VideoIDs {
		live[id] = true
	}

	var res CheckResult
	for _, id := range m.cfg.Pool.ActiveVideoIDs() {
		if !live[id] && m.cfg.Pool.RemoveConnection(id) {
			res.Removed = append(res.Removed, id)
		}
	}

	for _, id := range det.VideoIDs {
		if m.cfg.Pool.Has(id) {
			continue
		}
		if m.cfg.MaxStreams > 0 && m.cfg.Pool.Count() >= m.cfg.MaxStreams {
			m.log.Debug().Str("video_id", id).Int("max_streams", m.cfg.MaxStreams).Msg("ytlive: stream limit reached")
			break
		}
		ok, err := m.cfg.Pool.ConnectToStream(ctx, id, m.cfg.Create, ConnectOptions{ThrowOnError: throwOnError})
		if err != nil {
			return res, err
		}
		if ok {
			res.Added = append(res.Added, id)
		}
	}

	res.Active = m.cfg.Pool.ActiveVideoIDs()
	if len(res.Added) > 0 {
		m.publishDetected(res)
	}
	return res, nil
}

func (m *Monitor) publishDetected(res CheckResult) {
	now := m.clock.Now()
	ev, err := normalize.Simple(core.PlatformYouTube, core.StreamDetected{
		NewStreamIDs:  res.Added,
		AllStreamIDs:  res.Active,
		DetectionTime: clock.FormatTimestamp(now),
	}, now, "", "", "")
	if err != nil {
		m.cfg.Errors.Handle(err, "stream-detected")
		return
	}
	m.log.Info().Strs("new", res.Added).Strs("all", res.Active).Msg("ytlive: new live streams")
	if m.cfg.Events == nil {
		return
	}
	if err := m.cfg.Events.PublishEvent(ev); err != nil {
		m.cfg.Errors.Handle(err, "publish")
	}
}

// Run checks once with errors returned, then keeps checking every Interval
// until ctx ends. All connections are closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.cfg.Pool.RemoveAll()
	if _, err := m.CheckMultiStream(ctx, true); err != nil {
		return err
	}

	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := m.CheckMultiStream(ctx, false); err != nil {
				m.cfg.Errors.Handle(err, "check-multi-stream")
			}
		}
	}
}

// Serve adapts Run to a supervisor.
func (m *Monitor) Serve(ctx context.Context) error { return m.Run(ctx) }

func (m *Monitor) String() string { return "ytlive" }
