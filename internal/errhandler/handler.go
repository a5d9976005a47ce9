// Package errhandler is the shared sink for errors that must be reported but
// must not propagate, such as cleanup and delivery failures.
package errhandler

import (
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/metrics"
)

// Handler logs operational errors for one platform and counts them.
type Handler struct {
	platform string
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New returns a Handler tagged with platform.
func New(platform string, m *metrics.Metrics) *Handler {
	return &Handler{
		platform: platform,
		log:      logging.With("errhandler").With().Str("platform", platform).Logger(),
		metrics:  m,
	}
}

// Handle reports err for op. Nil errors and a nil Handler are ignored.
func (h *Handler) Handle(err error, op string) {
	h.HandleWith(err, op, nil)
}

// HandleWith reports err with extra structured fields.
func (h *Handler) HandleWith(err error, op string, fields map[string]any) {
	if h == nil || err == nil {
		return
	}
	ev := h.log.Error().Err(err).Str("op", op)
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(h.platform + ": operation failed")
	h.metrics.IncPlatformError(h.platform)
}
