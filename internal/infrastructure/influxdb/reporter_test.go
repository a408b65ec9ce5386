package influxdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

type staticSource struct {
	stats database.Stats
}

func (s staticSource) Stats() database.Stats { return s.stats }

type recordedStats struct {
	name  string
	stats database.Stats
	at    time.Time
}

type recordingSink struct {
	mu     sync.Mutex
	writes []recordedStats
	closes int
}

func (s *recordingSink) Write(name string, stats database.Stats, at time.Time) {
	s.mu.Lock()
	s.writes = append(s.writes, recordedStats{name: name, stats: stats, at: at})
	s.mu.Unlock()
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) counts() (writes, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), s.closes
}

func TestStatsPoint(t *testing.T) {
	at := time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)
	point := statsPoint("library", database.Stats{
		ReaderCapacity: 5,
		ReadersOpen:    2,
		ReadersIdle:    1,
		ReadersInUse:   1,
		Reads:          10,
		PoolExhausted:  1,
		Writes:         4,
		WriteSequence:  4,
	}, at)

	assert.Equal(t, "walpool_pool", point.Name())
	assert.Equal(t, at, point.Time())

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"database": "library"}, tags)

	fields := map[string]interface{}{}
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	assert.Len(t, fields, 10)
	assert.EqualValues(t, 5, fields["reader_capacity"])
	assert.EqualValues(t, 10, fields["reads"])
	assert.EqualValues(t, 1, fields["pool_exhausted"])
	assert.EqualValues(t, uint64(4), fields["write_sequence"])
}

func TestReporterReport(t *testing.T) {
	sink := &recordingSink{}
	at := time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)
	r := NewReporter(staticSource{database.Stats{Writes: 7}}, sink, "library", 0, nil)
	r.now = func() time.Time { return at }

	assert.Equal(t, DefaultReportInterval, r.interval)

	r.Report()
	writes, closes := sink.counts()
	require.Equal(t, 1, writes)
	assert.Zero(t, closes)
	assert.Equal(t, recordedStats{name: "library", stats: database.Stats{Writes: 7}, at: at}, sink.writes[0])
}

func TestReporterRun_ClosesSinkOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(staticSource{}, sink, "library", 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		writes, _ := sink.counts()
		return writes >= 2
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The final snapshot is written before the sink is closed.
	writes, closes := sink.counts()
	assert.GreaterOrEqual(t, writes, 3)
	assert.Equal(t, 1, closes)
}

func TestSinkClose_Nil(t *testing.T) {
	var s *Sink
	assert.NoError(t, s.Close())
}
