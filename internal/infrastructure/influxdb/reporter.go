package influxdb

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

// DefaultReportInterval is used when the configured interval is not positive.
const DefaultReportInterval = 15 * time.Second

// StatsSource is implemented by *database.Pool.
type StatsSource interface {
	Stats() database.Stats
}

// StatsSink is implemented by *Sink.
type StatsSink interface {
	Write(name string, stats database.Stats, at time.Time)
	Close() error
}

// Reporter samples a pool on a fixed interval and owns the sink the
// samples go to: the sink is closed when Run returns.
type Reporter struct {
	source   StatsSource
	sink     StatsSink
	name     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReporter returns a reporter for the pool identified by name.
func NewReporter(source StatsSource, sink StatsSink, name string, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reporter{
		source:   source,
		sink:     sink,
		name:     name,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run reports on every tick until ctx is cancelled. On the way out it
// writes one final snapshot and closes the sink, which flushes it.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("stats reporter started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.Report()
			if err := r.sink.Close(); err != nil {
				r.logger.Error("closing stats sink", "error", err)
			}
			r.logger.Debug("stats reporter stopped")
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report writes a single snapshot.
func (r *Reporter) Report() {
	r.sink.Write(r.name, r.source.Stats(), r.now())
}
