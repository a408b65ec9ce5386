// Package influxdb records walpool pool statistics in InfluxDB.
//
// A Sink batches walpool_pool points through influxdb-client-go; a Reporter
// samples database.Pool.Stats on a fixed interval, feeds the sink and
// closes it on shutdown.
//
//	sink, err := influxdb.Dial(ctx, cfg.InfluxDB, logger)
//	if err != nil {
//	    return err
//	}
//	go influxdb.NewReporter(pool, sink, "library", cfg.InfluxDB.ReportInterval, logger).Run(ctx)
package influxdb
