/*
Package config loads and persists framecache configuration.

Two files are involved. The user configuration (Configuration) holds the
default capacity scope, logging, ports and monitoring settings; it outlives
any single document. The document settings (DocumentSettings) hold the
override flag and per-pool override percents and are saved next to the
document so they travel with it.

Loading order is defaults, then file, then FRAMECACHE_* environment
variables:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("framecache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

Capacity percents outside [0,100] are clamped by Normalize, never rejected.

Example user file:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9090
	  api_port: 8080
	image_cache:
	  gpu_capacity_percent: 50
	  cpu_capacity_percent: 25
	  update_every_n_seconds: 5
	  gpu_memory_total: 8GB
	  memory_fallback: 1GB
	monitoring:
	  metrics:
	    enabled: true
	    path: /metrics
	    namespace: framecache

Example document file:

	capacity_override: true
	gpu_capacity_percent: 70

FileStore writes changes made through the capacity store back to whichever
file owns the value.
*/
package config
