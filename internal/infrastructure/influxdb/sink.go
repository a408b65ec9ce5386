package influxdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

var (
	// ErrDisabled is returned by Dial when the influxdb section is disabled.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrUnreachable is returned by Dial and Ping when the server does not
	// answer or reports itself unhealthy.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrClosed is returned by Ping after Close.
	ErrClosed = errors.New("influxdb: sink closed")
)

const (
	// poolMeasurement holds one point per pool snapshot.
	poolMeasurement = "walpool_pool"

	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Sink buffers pool snapshots and ships them to one bucket in batches.
//
// Writes never block the caller. Batch failures surface asynchronously
// and are logged and counted.
type Sink struct {
	client influxdb2.Client
	writes api.WriteAPI
	logger *slog.Logger

	closed   atomic.Bool
	failures *xsync.Counter
	drained  chan struct{}
}

// Dial pings the server described by cfg and returns a sink for its bucket.
//
// Parameters:
//   - ctx: bounds the initial ping
//   - cfg: the influxdb section; batch_size and flush_interval fall back to
//     100 points and 10 seconds when not positive
//   - logger: receives batch failures; nil discards them
//
// Returns:
//   - *Sink: ready for Write
//   - error: ErrDisabled or ErrUnreachable
func Dial(ctx context.Context, cfg config.InfluxDBConfig, logger *slog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	s := &Sink{
		client:   client,
		writes:   client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With("bucket", cfg.Bucket),
		failures: xsync.NewCounter(),
		drained:  make(chan struct{}),
	}
	go s.watchFailures(s.writes.Errors())
	return s, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if !healthy {
		return fmt.Errorf("%w: server not healthy", ErrUnreachable)
	}
	return nil
}

func (s *Sink) watchFailures(errs <-chan error) {
	defer close(s.drained)
	for err := range errs {
		s.failures.Inc()
		s.logger.Error("pool stats batch rejected", "error", err)
	}
}

// Write queues one snapshot of the pool called name. It is a no-op after
// Close.
func (s *Sink) Write(name string, stats database.Stats, at time.Time) {
	if s.closed.Load() {
		return
	}
	s.writes.WritePoint(statsPoint(name, stats, at))
}

// Failures returns how many batches the server rejected.
func (s *Sink) Failures() int64 {
	return s.failures.Value()
}

// Ping checks that the server is still reachable.
func (s *Sink) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ping(ctx, s.client)
}

// Close flushes queued snapshots and releases the client. Calling it more
// than once is safe.
func (s *Sink) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writes.Flush()
	s.client.Close()
	<-s.drained
	return nil
}

// statsPoint converts a snapshot into a point tagged with the database
// name. Counters are cumulative; use derivative() in Flux for rates.
func statsPoint(name string, stats database.Stats, at time.Time) *write.Point {
	return write.NewPoint(
		poolMeasurement,
		map[string]string{"database": name},
		map[string]interface{}{
			"reader_capacity": stats.ReaderCapacity,
			"readers_open":    stats.ReadersOpen,
			"readers_idle":    stats.ReadersIdle,
			"readers_in_use":  stats.ReadersInUse,
			"reads":           stats.Reads,
			"read_failures":   stats.ReadFailures,
			"pool_exhausted":  stats.PoolExhausted,
			"writes":          stats.Writes,
			"write_failures":  stats.WriteFailures,
			"write_sequence":  stats.WriteSequence,
		},
		at,
	)
}
