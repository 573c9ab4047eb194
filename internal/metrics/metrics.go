package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liqguard/internal/domain"
)

const namespace = "liqguard"

// Registry holds the Prometheus collectors for the monitor, price feeds and
// quoting.
type Registry struct {
	reg *prometheus.Registry

	Ticks          *prometheus.CounterVec
	TickSkips      *prometheus.CounterVec
	TickDuration   *prometheus.HistogramVec
	Breaches       *prometheus.CounterVec
	Payouts        *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	Conflicts      *prometheus.CounterVec
	Expirations    *prometheus.CounterVec
	ActivePolicies *prometheus.GaugeVec
	OracleFetches  *prometheus.CounterVec
	OraclePrice    *prometheus.GaugeVec
	OracleAge      *prometheus.GaugeVec
	Quotes         *prometheus.CounterVec
}

// New builds a Registry with its own prometheus.Registry, so separate
// instances never collide.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Monitor evaluation ticks by asset.",
		}, []string{"asset"}),
		TickSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_tick_skips_total",
			Help:      "Ticks skipped before breach evaluation, by reason.",
		}, []string{"asset", "reason"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Wall time of a monitor tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"asset"}),
		Breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_detected_total",
			Help:      "Active policies found breached.",
		}, []string{"asset"}),
		Payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout attempts by outcome.",
		}, []string{"asset", "outcome"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policies_resolved_total",
			Help:      "Policies moved to resolved.",
		}, []string{"asset"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_conflicts_total",
			Help:      "Resolve attempts that lost the status compare-and-swap.",
		}, []string{"asset"}),
		Expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policies_expired_total",
			Help:      "Policies moved to expired.",
		}, []string{"asset"}),
		ActivePolicies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_policies",
			Help:      "Active, unexpired policies seen at the last tick.",
		}, []string{"asset"}),
		OracleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_fetches_total",
			Help:      "Oracle fetches by source and result.",
		}, []string{"asset", "source", "result"}),
		OraclePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_price",
			Help:      "Last accepted oracle price.",
		}, []string{"asset", "source"}),
		OracleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_publish_time_seconds",
			Help:      "Publish time of the last accepted sample, unix seconds.",
		}, []string{"asset"}),
		Quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Premium quotes issued.",
		}, []string{"asset", "side"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Ticks, r.TickSkips, r.TickDuration, r.Breaches, r.Payouts,
		r.Resolutions, r.Conflicts, r.Expirations, r.ActivePolicies,
		r.OracleFetches, r.OraclePrice, r.OracleAge, r.Quotes,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) TickCompleted(asset domain.Asset, took time.Duration) {
	r.Ticks.WithLabelValues(string(asset)).Inc()
	r.TickDuration.WithLabelValues(string(asset)).Observe(took.Seconds())
}

func (r *Registry) TickSkipped(asset domain.Asset, reason string) {
	r.TickSkips.WithLabelValues(string(asset), reason).Inc()
}

func (r *Registry) BreachDetected(asset domain.Asset) {
	r.Breaches.WithLabelValues(string(asset)).Inc()
}

func (r *Registry) PayoutFinished(asset domain.Asset, outcome string) {
	r.Payouts.WithLabelValues(string(asset), outcome).Inc()
}

func (r *Registry) PolicyResolved(asset domain.Asset) {
	r.Resolutions.WithLabelValues(string(asset)).Inc()
}

func (r *Registry) ResolveConflict(asset domain.Asset) {
	r.Conflicts.WithLabelValues(string(asset)).Inc()
}

func (r *Registry) PolicyExpired(asset domain.Asset) {
	r.Expirations.WithLabelValues(string(asset)).Inc()
}

func (r *Registry) ActiveCount(asset domain.Asset, n int) {
	r.ActivePolicies.WithLabelValues(string(asset)).Set(float64(n))
}

func (r *Registry) QuoteIssued(asset domain.Asset, side domain.Side) {
	r.Quotes.WithLabelValues(string(asset), string(side)).Inc()
}

// ObserveFetch counts oracle fetch outcomes.
func (r *Registry) ObserveFetch(asset domain.Asset, source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.OracleFetches.WithLabelValues(string(asset), source, result).Inc()
}

// ObservePrice records the last accepted sample.
func (r *Registry) ObservePrice(asset domain.Asset, sample domain.PriceSample) {
	r.OraclePrice.WithLabelValues(string(asset), sample.Source).Set(sample.Price().InexactFloat64())
	r.OracleAge.WithLabelValues(string(asset)).Set(float64(sample.PublishedAt.Unix()))
}
