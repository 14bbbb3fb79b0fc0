package observability

import (
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration    *prometheus.HistogramVec
	externalErrors     *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	creditedAmount     *prometheus.CounterVec
	settlementFailures *prometheus.CounterVec
	auditLogFailures   prometheus.Counter
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixgw_request_duration_seconds",
				Help:    "Duration of operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_webhook_deliveries_total",
				Help: "Webhook deliveries by event and outcome.",
			},
			[]string{"event", "outcome"},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_settlements_total",
				Help: "Settlements applied, by entity kind.",
			},
			[]string{"kind"},
		),
		creditedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_credited_amount_total",
				Help: "Sum of balance credits in major units, by entity kind.",
			},
			[]string{"kind"},
		),
		settlementFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_settlement_failures_total",
				Help: "Settlement persistence failures by stage.",
			},
			[]string{"stage"},
		),
		auditLogFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pixgw_audit_log_failures_total",
				Help: "Webhook delivery log writes that failed.",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixgw_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrDelivery counts one processed webhook delivery.
func (m *Metrics) IncrDelivery(event string, outcome domain.DeliveryOutcome) {
	if event == "" {
		event = "unknown"
	}
	m.deliveries.WithLabelValues(event, string(outcome)).Inc()
}

// RecordSettlement counts a settlement and the amount it credited.
func (m *Metrics) RecordSettlement(kind string, credited float64) {
	m.settlements.WithLabelValues(kind).Inc()
	m.creditedAmount.WithLabelValues(kind).Add(credited)
}

// IncrSettlementFailure counts a failed settlement write.
func (m *Metrics) IncrSettlementFailure(stage string) {
	m.settlementFailures.WithLabelValues(stage).Inc()
}

// IncrAuditLogFailure counts a failed delivery log write.
func (m *Metrics) IncrAuditLogFailure() {
	m.auditLogFailures.Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// SettlementSnapshot returns the cumulative settlement counters for the
// GET /v1/admin/settlement-stats endpoint.
func (m *Metrics) SettlementSnapshot() *domain.SettlementStats {
	sumOutcome := func(outcome domain.DeliveryOutcome) float64 {
		return sumCounterVec(m.deliveries, func(labels map[string]string) bool {
			return labels["outcome"] == string(outcome)
		})
	}
	all := sumCounterVec(m.deliveries, func(map[string]string) bool { return true })

	hits := getCounterValue(m.cacheHits.WithLabelValues("replay"))
	misses := getCounterValue(m.cacheMisses.WithLabelValues("replay"))
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.SettlementStats{
		DeliveriesTotal:    int64(all),
		PaymentsSettled:    int64(sumOutcome(domain.OutcomeSettledPayment)),
		RecurringSettled:   int64(sumOutcome(domain.OutcomeSettledRecurring)),
		NoMatch:            int64(sumOutcome(domain.OutcomeNoMatch)),
		Replays:            int64(sumOutcome(domain.OutcomeReplay)),
		Rejected:           int64(sumOutcome(domain.OutcomeRejected)),
		Errors:             int64(sumOutcome(domain.OutcomeError)),
		AuditLogFailures:   int64(getCounterValue(m.auditLogFailures)),
		CreditedPayments:   getCounterValue(m.creditedAmount.WithLabelValues("payment")),
		CreditedRecurring:  getCounterValue(m.creditedAmount.WithLabelValues("recurring")),
		ReplayCacheHitRate: hitRate,
	}
}

// getCounterValue extracts the current float64 value from a counter.
func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounterVec adds up every child of cv whose labels satisfy keep.
func sumCounterVec(cv *prometheus.CounterVec, keep func(map[string]string) bool) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	total := float64(0)
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil || m.Counter == nil {
			continue
		}
		labels := make(map[string]string, len(m.Label))
		for _, lp := range m.Label {
			labels[lp.GetName()] = lp.GetValue()
		}
		if keep(labels) {
			total += m.Counter.GetValue()
		}
	}
	return total
}
