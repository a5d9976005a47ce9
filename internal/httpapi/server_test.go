package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/metrics"
)

type staticStatus core.ConnectionStatus

func (s staticStatus) Status() core.ConnectionStatus { return core.ConnectionStatus(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.1:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(Options{})
	rec := get(t, s.Handler(), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusListsPlatforms(t *testing.T) {
	s := New(Options{AccessLog: true},
		staticStatus{Platform: core.PlatformTikTok, State: core.StateConnected, ConnectionID: "room-1"},
		staticStatus{Platform: core.PlatformTwitch, State: core.StateDisconnected, LastError: "4003"},
	)
	rec := get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Connected != 1 || len(body.Platforms) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Platforms[0].ConnectionID != "room-1" || body.Platforms[1].LastError != "4003" {
		t.Fatalf("platforms = %+v", body.Platforms)
	}
}

func TestInfo(t *testing.T) {
	s := New(Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})
	rec := get(t, s.Handler(), "/info")
	var body infoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "1.2.3" || body.Revision != "abc" || body.Go == "" {
		t.Fatalf("info = %+v", body)
	}
}

func TestMetricsMountedOnlyWhenConfigured(t *testing.T) {
	if rec := get(t, New(Options{}).Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", rec.Code)
	}

	m := metrics.New()
	m.IncReconnect("platform:tiktok")
	rec := get(t, New(Options{Metrics: m.Handler()}).Handler(), "/metrics")
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "gnasty_") {
		t.Fatalf("metrics = %d %s", rec.Code, body)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	s := New(Options{RateLimitRPS: 1, RateLimitBurst: 1})
	h := s.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	other := httptest.NewRecorder()
	h.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("other client = %d", other.Code)
	}
}
