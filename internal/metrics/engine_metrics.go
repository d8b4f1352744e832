package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics содержит метрики движка консистентности заказов.
type EngineMetrics struct {
	// Счётчики складских операций
	reservations      prometheus.Counter
	releases          prometheus.Counter
	insufficientStock prometheus.Counter
	priceMismatches   prometheus.Counter
	deleteConflicts   prometheus.Counter

	// Счётчики блокировок
	lockTimeouts prometheus.Counter
	lockRetries  prometheus.Counter

	// Гистограмма времени мутаций по операциям
	mutationDuration *prometheus.HistogramVec

	// Счётчики кэша
	cacheHits             prometheus.Counter
	cacheMisses           prometheus.Counter
	cacheBypasses         prometheus.Counter
	invalidations         prometheus.Counter
	invalidationFailures  prometheus.Counter
}

// NewEngineMetrics создаёт метрики, регистрируя их в default registerer.
func NewEngineMetrics() *EngineMetrics {
	return newEngineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newEngineMetricsWithRegisterer(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &EngineMetrics{
		reservations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_stock_reservations_total",
			Help: "Total number of successful stock reservations",
		}),
		releases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_stock_releases_total",
			Help: "Total number of stock releases",
		}),
		insufficientStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_insufficient_stock_total",
			Help: "Total number of reservations rejected due to insufficient stock",
		}),
		priceMismatches: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_price_mismatches_total",
			Help: "Total number of mutations rejected due to price mismatch",
		}),
		deleteConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_delete_conflicts_total",
			Help: "Total number of deletions refused due to dependent records",
		}),
		lockTimeouts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_lock_timeouts_total",
			Help: "Total number of row lock acquisition timeouts",
		}),
		lockRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_lock_retries_total",
			Help: "Total number of mutation retries after a lock timeout",
		}),
		mutationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_mutation_duration_seconds",
			Help:    "Duration of order mutations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		cacheHits: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_cache_hits_total",
			Help: "Total number of cache hits",
		}),
		cacheMisses: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_cache_misses_total",
			Help: "Total number of cache misses",
		}),
		cacheBypasses: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_cache_bypasses_total",
			Help: "Total number of reads that bypassed the cache after a failed invalidation",
		}),
		invalidations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_cache_invalidations_total",
			Help: "Total number of cache invalidation calls issued after commits",
		}),
		invalidationFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_cache_invalidation_failures_total",
			Help: "Total number of failed cache invalidation calls",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordReservation увеличивает счётчик успешных резервирований.
func (m *EngineMetrics) RecordReservation() {
	m.reservations.Inc()
}

// RecordRelease увеличивает счётчик снятых резервов.
func (m *EngineMetrics) RecordRelease() {
	m.releases.Inc()
}

// RecordInsufficientStock увеличивает счётчик отказов по остатку.
func (m *EngineMetrics) RecordInsufficientStock() {
	m.insufficientStock.Inc()
}

// RecordPriceMismatch увеличивает счётчик отказов по цене.
func (m *EngineMetrics) RecordPriceMismatch() {
	m.priceMismatches.Inc()
}

// RecordDeleteConflict увеличивает счётчик заблокированных удалений.
func (m *EngineMetrics) RecordDeleteConflict() {
	m.deleteConflicts.Inc()
}

// RecordLockTimeout увеличивает счётчик таймаутов блокировки.
func (m *EngineMetrics) RecordLockTimeout() {
	m.lockTimeouts.Inc()
}

// RecordLockRetry увеличивает счётчик повторов после таймаута.
func (m *EngineMetrics) RecordLockRetry() {
	m.lockRetries.Inc()
}

// RecordMutationDuration записывает длительность мутации.
func (m *EngineMetrics) RecordMutationDuration(operation string, duration time.Duration) {
	m.mutationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheHit увеличивает счётчик попаданий в кэш.
func (m *EngineMetrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss увеличивает счётчик промахов кэша.
func (m *EngineMetrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordCacheBypass увеличивает счётчик чтений в обход кэша.
func (m *EngineMetrics) RecordCacheBypass() {
	m.cacheBypasses.Inc()
}

// RecordInvalidation увеличивает счётчик инвалидаций.
func (m *EngineMetrics) RecordInvalidation() {
	m.invalidations.Inc()
}

// RecordInvalidationFailure увеличивает счётчик проваленных инвалидаций.
func (m *EngineMetrics) RecordInvalidationFailure() {
	m.invalidationFailures.Inc()
}
