// Command framecached runs the framecache pools as a standalone daemon with
// an HTTP control surface and a Prometheus endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/framecache/framecache/internal/cache"
	"github.com/framecache/framecache/internal/capacity"
	"github.com/framecache/framecache/internal/circuit"
	"github.com/framecache/framecache/internal/config"
	"github.com/framecache/framecache/internal/metrics"
	"github.com/framecache/framecache/internal/telemetry"
	"github.com/framecache/framecache/pkg/api"
	"github.com/framecache/framecache/pkg/health"
	"github.com/framecache/framecache/pkg/types"
	"github.com/framecache/framecache/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the user configuration file")
	documentPath := flag.String("document", "", "path to the document settings file")
	flag.Parse()

	if err := run(*configPath, *documentPath); err != nil {
		fmt.Fprintf(os.Stderr, "framecached: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, documentPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := utils.ParseLogLevel(cfg.Global.LogLevel)
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stdout,
		Format:        utils.ParseLogFormat(cfg.Global.LogFormat),
		IncludeCaller: true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	doc, err := config.LoadDocument(documentPath)
	if err != nil {
		return err
	}

	tracker := health.NewTracker(cfg.Monitoring.Health)
	memory, err := buildMemoryQueries(cfg, tracker, logger)
	if err != nil {
		return err
	}

	files := config.NewFileStore(configPath, cfg, documentPath, doc)
	store, err := capacity.NewStore(capacity.StoreConfig{
		Memory:    memory,
		Persister: files,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	store.Load(files.Settings())

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: cfg.Monitoring.Metrics.Namespace,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facade, err := cache.NewFacade(ctx, cache.FacadeConfig{
		Store:    store,
		Recorder: collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	monitor := telemetry.NewMonitor(facade, telemetry.MonitorConfig{
		Interval:         time.Duration(cfg.ImageCache.UpdateEveryNSeconds) * time.Second,
		Reapply:          cfg.ImageCache.ReapplyOnRefresh,
		Sink:             collector,
		OnIntervalChange: files.SaveUpdateInterval,
		Logger:           logger,
	})

	apiConfig := api.DefaultServerConfig()
	apiConfig.Address = fmt.Sprintf(":%d", cfg.Global.APIPort)
	server := api.NewServer(apiConfig, api.Options{
		Facade:    facade,
		Telemetry: monitor,
		Health:    tracker,
		Logger:    logger,
	})

	logger.Info("framecached starting", map[string]interface{}{
		"config":   configPath,
		"document": documentPath,
		"api_port": cfg.Global.APIPort,
	})
	logger.Info(facade.Brief(), nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := collector.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return shutdown(collector.Stop)
	})

	g.Go(func() error {
		if err := monitor.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return monitor.Stop()
	})

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server.Shutdown)
	})

	g.Go(func() error {
		return reloadOnHangup(gctx, files, facade, logger)
	})

	err = g.Wait()
	logger.Info("framecached stopped", nil)
	return err
}

func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := cfg.LoadFromFile(path); err != nil {
				return nil, err
			}
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildMemoryQueries reads host memory through procfs for the CPU pool and
// reports the configured device total for the GPU pool. Both sit behind a
// breaker and degrade to a fallback total when they fail.
func buildMemoryQueries(cfg *config.Configuration, tracker *health.Tracker, logger *utils.StructuredLogger) (map[types.Pool]types.MemoryQuery, error) {
	gpuTotal, err := config.ParseSize(cfg.ImageCache.GPUMemoryTotal)
	if err != nil {
		return nil, err
	}
	var conservative uint64
	if cfg.ImageCache.MemoryFallback != "" {
		if conservative, err = config.ParseSize(cfg.ImageCache.MemoryFallback); err != nil {
			return nil, err
		}
	}

	retryConfig := cfg.ImageCache.MemoryRetry
	var host types.MemoryQuery
	proc, err := capacity.NewProcMemory(cfg.ImageCache.ProcMountPoint, &retryConfig)
	if err != nil {
		procErr := err
		logger.Warn("Host memory unavailable, using fallback total", map[string]interface{}{"error": procErr})
		host = capacity.MemoryFunc{
			Total: func(context.Context) (uint64, error) { return 0, procErr },
		}
	} else {
		host = proc
	}

	inner := map[types.Pool]types.MemoryQuery{
		types.PoolGPU: capacity.StaticMemory{Total: gpuTotal},
		types.PoolCPU: host,
	}
	queries := make(map[types.Pool]types.MemoryQuery, len(inner))
	for pool, q := range inner {
		breakerConfig := cfg.ImageCache.MemoryBreaker
		breakerConfig.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("Memory query breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
		breaker := circuit.NewBreaker(capacity.HealthComponent(pool), breakerConfig)
		queries[pool] = capacity.NewFallbackMemory(pool, q, conservative, tracker, logger).WithBreaker(breaker)
	}
	logger.Info("Memory queries ready", map[string]interface{}{
		"gpu_total":      utils.FormatBytes(int64(gpuTotal)),
		"fallback_total": utils.FormatBytes(int64(conservative)),
	})
	return queries, nil
}

// reloadOnHangup re-reads both settings files on SIGHUP and re-applies the
// pool budgets.
func reloadOnHangup(ctx context.Context, files *config.FileStore, facade *cache.Facade, logger *utils.StructuredLogger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			settings, err := files.Reload()
			if err != nil {
				logger.Error("Failed to reload settings", map[string]interface{}{"error": err})
				continue
			}
			if err := facade.ReloadSettings(ctx, settings); err != nil {
				logger.Warn("Settings reloaded with errors", map[string]interface{}{"error": err})
			}
		}
	}
}

func shutdown(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return fn(ctx)
}
