package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/walpool/internal/api"
	"github.com/nerrad567/walpool/internal/infrastructure/database"
	"github.com/nerrad567/walpool/internal/infrastructure/influxdb"
	"github.com/nerrad567/walpool/internal/infrastructure/metrics"
	"github.com/nerrad567/walpool/internal/infrastructure/mqtt"
)

// startupHealthTimeout bounds the health check run once everything is up.
const startupHealthTimeout = 5 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the library over HTTP until interrupted",
		Long: `Migrate the database, then serve the HTTP API and Prometheus metrics.

When enabled in the configuration, every commit is announced on MQTT and
pool statistics are written to InfluxDB.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// serve runs until ctx is cancelled. Resources are released in reverse
// order of acquisition.
func (a *app) serve(ctx context.Context) error {
	log := a.log
	log.Info("starting walpool",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	name := databaseName(a.cfg.Database.Path)
	collector := metrics.New(name)

	pool, repo, err := a.openLibrary(ctx, collector)
	if err != nil {
		return err
	}
	defer a.closePool(pool)
	collector.WatchPool(name, pool)

	if _, err := a.migrate(ctx, pool, repo); err != nil {
		return err
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if a.cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(a.cfg.MQTT, log.Component("mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()

		notifier, notifierErr := mqtt.NewCommitNotifier(mqttClient, mqttClient.Topics(), mqtt.NotifierConfig{
			Database:  name,
			QoS:       mqttClient.QoS(),
			QueueSize: a.cfg.MQTT.QueueSize,
			Logger:    log,
		})
		if notifierErr != nil {
			return fmt.Errorf("starting commit notifier: %w", notifierErr)
		}
		defer func() {
			if closeErr := notifier.Close(); closeErr != nil {
				log.Error("error closing commit notifier", "error", closeErr)
			}
			log.Info("commit notifier stopped",
				"published", notifier.Published(),
				"dropped", notifier.Dropped(),
				"failed", notifier.Failed(),
			)
		}()
		pool.OnCommit(notifier.Notify)

		log.Info("commit notifier started",
			"broker", fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port),
			"topic", notifier.Topic(),
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Report pool statistics to InfluxDB (optional)
	var influxSink *influxdb.Sink
	if a.cfg.InfluxDB.Enabled {
		influxLog := log.Component("influxdb").Logger
		influxSink, err = influxdb.Dial(ctx, a.cfg.InfluxDB, influxLog)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}

		// The reporter closes the sink once its final snapshot is queued.
		reporter := influxdb.NewReporter(pool, influxSink, name, a.cfg.InfluxDB.ReportInterval, influxLog)
		reporterCtx, stopReporter := context.WithCancel(ctx)
		reporterDone := make(chan struct{})
		go func() {
			defer close(reporterDone)
			reporter.Run(reporterCtx)
		}()
		defer func() {
			stopReporter()
			<-reporterDone
			log.Info("InfluxDB reporter stopped", "rejected_batches", influxSink.Failures())
		}()

		log.Info("InfluxDB connected",
			"url", a.cfg.InfluxDB.URL,
			"bucket", a.cfg.InfluxDB.Bucket,
			"interval", a.cfg.InfluxDB.ReportInterval,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start HTTP API
	srv, err := api.New(api.Deps{
		Config:         a.cfg.API,
		Metrics:        a.cfg.Metrics,
		Logger:         log,
		Pool:           pool,
		Library:        repo,
		MetricsHandler: collector.Handler(),
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	healthCtx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	err = healthCheck(healthCtx, pool, mqttClient, influxSink)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("walpool started", "address", srv.Addr())

	<-ctx.Done()
	log.Info("shutdown signal received, stopping...")
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
// Optional clients are skipped when nil.
func healthCheck(ctx context.Context, pool *database.Pool, mqttClient *mqtt.Client, influxSink *influxdb.Sink) error {
	if err := pool.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxSink != nil {
		if err := influxSink.Ping(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
