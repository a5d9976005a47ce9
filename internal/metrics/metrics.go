// Package metrics bundles the Prometheus collectors exported by the hub.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the hub.
type Metrics struct {
	registry          *prometheus.Registry
	connectionState   *prometheus.GaugeVec
	reconnects        *prometheus.CounterVec
	eventsRouted      *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	giftsAggregated   *prometheus.CounterVec
	subscriptions     *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec
	platformErrors    *prometheus.CounterVec
	vfxCommands       *prometheus.CounterVec
	displayQueueDepth prometheus.Gauge
}

// New builds a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gnasty",
			Name:      "platform_connected",
			Help:      "1 when the platform connection is established",
		}, []string{"platform"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled per retry scope",
		}, []string{"scope"}),
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "events_routed_total",
			Help:      "Canonical events delivered to a runtime handler",
		}, []string{"platform", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "events_dropped_total",
			Help:      "Events dropped by gating, normalization or filtering",
		}, []string{"platform", "reason"}),
		giftsAggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "gift_aggregations_total",
			Help:      "Aggregated gift events delivered",
		}, []string{"platform"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "eventsub_subscriptions_total",
			Help:      "EventSub subscription create attempts by outcome",
		}, []string{"outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "token_refreshes_total",
			Help:      "OAuth token refresh attempts by outcome",
		}, []string{"outcome"}),
		platformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "platform_errors_total",
			Help:      "Errors reported through the platform error handler",
		}, []string{"platform"}),
		vfxCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gnasty",
			Name:      "vfx_commands_total",
			Help:      "VFX commands by outcome",
		}, []string{"outcome"}),
		displayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnasty",
			Name:      "display_queue_depth",
			Help:      "Items waiting in the display queue",
		}),
	}

	registry.MustRegister(
		m.connectionState,
		m.reconnects,
		m.eventsRouted,
		m.eventsDropped,
		m.giftsAggregated,
		m.subscriptions,
		m.tokenRefreshes,
		m.platformErrors,
		m.vfxCommands,
		m.displayQueueDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnected(platform string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connectionState.WithLabelValues(platform).Set(v)
}

func (m *Metrics) IncReconnect(scope string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncRouted(platform, eventType string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(platform, eventType).Inc()
}

func (m *Metrics) IncDropped(platform, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(platform, reason).Inc()
}

func (m *Metrics) IncGiftAggregated(platform string) {
	if m == nil {
		return
	}
	m.giftsAggregated.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncSubscription(outcome string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncPlatformError(platform string) {
	if m == nil {
		return
	}
	m.platformErrors.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncVFX(outcome string) {
	if m == nil {
		return
	}
	m.vfxCommands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.displayQueueDepth.Set(float64(n))
}
