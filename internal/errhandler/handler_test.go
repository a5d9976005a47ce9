package errhandler

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/you/gnasty-hub/internal/metrics"
)

func TestHandleCountsErrors(t *testing.T) {
	m := metrics.New()
	h := New("tiktok", m)

	h.Handle(nil, "noop")
	h.Handle(errors.New("boom"), "cleanup")
	h.HandleWith(errors.New("boom"), "deliver", map[string]any{"key": "u1:rose"})

	n, err := testutil.GatherAndCount(m.Registry(), "gnasty_platform_errors_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one series, got %d", n)
	}
}

func TestNilHandler(t *testing.T) {
	var h *Handler
	h.Handle(errors.New("ignored"), "op")
}
