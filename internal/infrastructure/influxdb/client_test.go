package influxdb_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nerrad567/walpool/internal/infrastructure/config"
	"github.com/nerrad567/walpool/internal/infrastructure/database"
	"github.com/nerrad567/walpool/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "walpool-dev-token",
		Org:           "walpool",
		Bucket:        "metrics",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

// dialOrSkip connects to the local server or skips the test.
func dialOrSkip(t *testing.T) *influxdb.Sink {
	t.Helper()
	sink, err := influxdb.Dial(context.Background(), testConfig(), nil)
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Dial() error = %v", err)
		}
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return sink
}

func TestDial_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Dial(context.Background(), cfg, nil)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Dial() error = %v, want ErrDisabled", err)
	}
}

func TestDial_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Dial(context.Background(), cfg, nil)
	if !errors.Is(err, influxdb.ErrUnreachable) {
		t.Errorf("Dial() error = %v, want ErrUnreachable", err)
	}
}

func TestSink_WriteAndClose(t *testing.T) {
	sink := dialOrSkip(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	sink.Write("test", database.Stats{ReaderCapacity: 5, Writes: 3, WriteSequence: 3}, time.Now())
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := sink.Failures(); n != 0 {
		t.Errorf("Failures() = %d after flush, want 0", n)
	}

	// Closed sinks drop writes and refuse pings.
	sink.Write("test", database.Stats{}, time.Now())
	if err := sink.Ping(ctx); !errors.Is(err, influxdb.ErrClosed) {
		t.Errorf("Ping() after Close error = %v, want ErrClosed", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
