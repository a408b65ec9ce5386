// Package metrics exposes walpool pool activity to Prometheus.
//
//	collector := metrics.New("library")
//	pool, err := database.Open(ctx, database.Config{Path: path, Observer: collector})
//	...
//	collector.WatchPool("library", pool)
//	http.Handle("/metrics", collector.Handler())
package metrics
