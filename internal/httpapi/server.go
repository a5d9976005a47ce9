// Package httpapi serves the hub's read-only status listener: liveness,
// per-platform connection state, build info and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports one platform connection.
type StatusSource interface {
	Status() core.ConnectionStatus
}

type Options struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	AccessLog      bool
	Build          BuildInfo
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	opts    Options
	sources []StatusSource
	limiter *ipRateLimiter
	router  chi.Router
	started time.Time
	log     zerolog.Logger
}

func New(opts Options, sources ...StatusSource) *Server {
	s := &Server{
		opts:    opts,
		sources: sources,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		started: time.Now(),
		log:     logging.With("httpapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withRateLimit)
	if opts.AccessLog {
		r.Use(s.withAccessLog)
	}
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/info", s.handleInfo)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

type statusResponse struct {
	Connected int                     `json:"connected"`
	Platforms []core.ConnectionStatus `json:"platforms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Platforms: make([]core.ConnectionStatus, 0, len(s.sources))}
	for _, src := range s.sources {
		st := src.Status()
		if st.State == core.StateConnected {
			resp.Connected++
		}
		resp.Platforms = append(resp.Platforms, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve listens on Options.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("httpapi: listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("httpapi: shutdown")
		}
		return nil
	}
}

func (s *Server) String() string { return "httpapi" }
