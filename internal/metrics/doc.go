/*
Package metrics exports framecache telemetry to Prometheus.

A Collector owns a private registry with per-pool gauges

	<ns>_cache_used_bytes{pool}
	<ns>_cache_capacity_bytes{pool}
	<ns>_cache_items{pool}
	<ns>_cache_groups{pool}
	<ns>_memory_total_bytes{pool}
	<ns>_memory_used_bytes{pool}

and counters

	<ns>_cache_requests_total{pool,type="hit|miss"}
	<ns>_cache_evictions_total{pool,reason}
	<ns>_cache_rejections_total{pool}

The collector implements cache.Recorder, so passing it to the facade keeps
the counters current. Gauges are refreshed by the telemetry monitor through
UpdatePool.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "framecache",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())
*/
package metrics
