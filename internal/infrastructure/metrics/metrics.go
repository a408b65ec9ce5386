package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

const (
	namespace = "walpool"
	subsystem = "pool"
)

// Outcome label values.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// StatsSource is implemented by *database.Pool.
type StatsSource interface {
	Stats() database.Stats
}

// Collector records pool events as Prometheus metrics.
//
// It implements database.Observer; pass it as Config.Observer when opening
// the pool. Every method is lock-free apart from the client library's own
// atomics, so it is safe to call while the write gate is held.
type Collector struct {
	registry *prometheus.Registry

	checkoutWait  prometheus.Histogram
	exhausted     prometheus.Counter
	reads         *prometheus.HistogramVec
	writes        *prometheus.HistogramVec
	migrations    *prometheus.CounterVec
	migrationTime prometheus.Histogram
}

var _ database.Observer = (*Collector)(nil)

// New creates a collector with its own registry, including the Go runtime
// and process collectors.
func New(databaseName string) *Collector {
	labels := prometheus.Labels{"database": databaseName}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		checkoutWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "checkout_wait_seconds",
			Help:        "Time spent waiting for a reader connection.",
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			ConstLabels: labels,
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "exhausted_total",
			Help:        "Reads that gave up waiting for a reader connection.",
			ConstLabels: labels,
		}),
		reads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "read_duration_seconds",
			Help:        "Duration of read scopes.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"outcome"}),
		writes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "write_duration_seconds",
			Help:        "Duration of write scopes, including the wait for the write gate.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"outcome"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "migrator",
			Name:        "migrations_total",
			Help:        "Migrations applied by this process.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		migrationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "migrator",
			Name:        "migration_duration_seconds",
			Help:        "Duration of individual migrations.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
	}

	c.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		c.checkoutWait,
		c.exhausted,
		c.reads,
		c.writes,
		c.migrations,
		c.migrationTime,
	)
	return c
}

// WatchPool exports the pool's Stats snapshot as gauges evaluated on scrape.
func (c *Collector) WatchPool(databaseName string, source StatsSource) {
	labels := prometheus.Labels{"database": databaseName}
	gauge := func(name, help string, value func(database.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return value(source.Stats()) })
	}

	c.registry.MustRegister(
		gauge("readers_capacity", "Configured reader pool size.",
			func(s database.Stats) float64 { return float64(s.ReaderCapacity) }),
		gauge("readers_open", "Reader connections currently open.",
			func(s database.Stats) float64 { return float64(s.ReadersOpen) }),
		gauge("readers_idle", "Reader connections waiting in the pool.",
			func(s database.Stats) float64 { return float64(s.ReadersIdle) }),
		gauge("readers_in_use", "Reader connections checked out.",
			func(s database.Stats) float64 { return float64(s.ReadersInUse) }),
		gauge("write_sequence", "Sequence number of the last committed write.",
			func(s database.Stats) float64 { return float64(s.WriteSequence) }),
	)
}

// Registry returns the registry metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveCheckout implements database.Observer.
func (c *Collector) ObserveCheckout(wait time.Duration) {
	c.checkoutWait.Observe(wait.Seconds())
}

// ObservePoolExhausted implements database.Observer.
func (c *Collector) ObservePoolExhausted() {
	c.exhausted.Inc()
}

// ObserveRead implements database.Observer.
func (c *Collector) ObserveRead(duration time.Duration, err error) {
	c.reads.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

// ObserveWrite implements database.Observer.
func (c *Collector) ObserveWrite(duration time.Duration, err error) {
	c.writes.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

// ObserveMigration implements database.Observer.
func (c *Collector) ObserveMigration(_ string, duration time.Duration, err error) {
	c.migrations.WithLabelValues(outcome(err)).Inc()
	c.migrationTime.Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
