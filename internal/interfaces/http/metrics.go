package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/policyvault/internal/events"
	"github.com/sawpanic/policyvault/internal/vault"
)

// MetricsRegistry holds all Prometheus metrics for the vault
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Service operations
	OperationDuration *prometheus.HistogramVec
	Operations        *prometheus.CounterVec

	// Vault state
	TotalAssets   prometheus.Gauge
	TotalShares   prometheus.Gauge
	PricePerShare prometheus.Gauge
	Rebalancing   prometheus.Gauge

	// Events
	Events               *prometheus.CounterVec
	ConstraintViolations *prometheus.CounterVec
	EventDeliveries      *prometheus.CounterVec

	// HTTP
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	StreamClients   prometheus.Gauge
}

// NewMetricsRegistry creates a registry with all vault metrics plus the Go
// runtime and process collectors
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policyvault_operation_duration_seconds",
				Help:    "Duration of service operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "result"},
		),

		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyvault_operations_total",
				Help: "Total number of service operations by result",
			},
			[]string{"operation", "result"},
		),

		TotalAssets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policyvault_total_assets",
				Help: "Managed asset counter of the vault",
			},
		),

		TotalShares: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policyvault_total_shares",
				Help: "Shares outstanding",
			},
		),

		PricePerShare: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policyvault_price_per_share",
				Help: "Assets per share including the virtual offset",
			},
		),

		Rebalancing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policyvault_rebalancing",
				Help: "1 while a rebalancing episode is open",
			},
		),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyvault_events_total",
				Help: "Total number of published events by type",
			},
			[]string{"type"},
		),

		ConstraintViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyvault_constraint_violations_total",
				Help: "Total number of constraint violations by constraint and reason",
			},
			[]string{"constraint_id", "reason"},
		),

		EventDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyvault_event_deliveries_total",
				Help: "Event deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policyvault_http_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "policyvault_http_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter",
			},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policyvault_event_stream_clients",
				Help: "Connected event stream clients",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OperationDuration,
		m.Operations,
		m.TotalAssets,
		m.TotalShares,
		m.PricePerShare,
		m.Rebalancing,
		m.Events,
		m.ConstraintViolations,
		m.EventDeliveries,
		m.RequestDuration,
		m.RateLimited,
		m.StreamClients,
	)
	return m
}

// Registry exposes the underlying registry for gathering
func (m *MetricsRegistry) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOperation records a service call
func (m *MetricsRegistry) ObserveOperation(op, result string, d time.Duration) {
	m.OperationDuration.WithLabelValues(op, result).Observe(d.Seconds())
	m.Operations.WithLabelValues(op, result).Inc()
}

// SetVaultStatus updates the vault gauges
func (m *MetricsRegistry) SetVaultStatus(status vault.Status) {
	m.TotalAssets.Set(float64(status.TotalAssets))
	m.TotalShares.Set(float64(status.TotalShares))
	m.PricePerShare.Set(status.PricePerShare.InexactFloat64())
	if status.Phase == vault.Rebalancing {
		m.Rebalancing.Set(1)
	} else {
		m.Rebalancing.Set(0)
	}
}

// RecordDelivery counts one event delivery attempt
func (m *MetricsRegistry) RecordDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventDeliveries.WithLabelValues(sink, result).Inc()
}

// Name implements events.Sink
func (m *MetricsRegistry) Name() string { return "metrics" }

// Publish implements events.Sink
func (m *MetricsRegistry) Publish(_ context.Context, e events.Event) error {
	m.Events.WithLabelValues(string(e.Type)).Inc()
	if e.Type == events.ConstraintViolated {
		id, _ := e.Attributes["constraint_id"].(string)
		reason, _ := e.Attributes["reason"].(string)
		m.ConstraintViolations.WithLabelValues(id, reason).Inc()
	}
	return nil
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
