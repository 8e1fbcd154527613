package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/cache"
	"mqtt-orion-gateway/internal/gateway"
	"mqtt-orion-gateway/internal/leader"
	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
	"mqtt-orion-gateway/internal/mqtt"
	"mqtt-orion-gateway/internal/notify"
	"mqtt-orion-gateway/internal/orion"
	"mqtt-orion-gateway/internal/rule"
	"mqtt-orion-gateway/internal/stats"
	"mqtt-orion-gateway/internal/store"
)

func main() {
	// A local .env can seed the environment before config resolution.
	godotenv.Load()

	configPath := flag.String("config", "", "path to config file (optional, environment-only without it)")

	// Optional override flags
	workersOverride := flag.Int("workers", 0, "override number of workers (0 = use config)")
	queueSizeOverride := flag.Int("queue-size", 0, "override data queue capacity (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")

	flag.Parse()

	// Load configuration; a bad configuration is the only fatal startup
	// condition.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(*workersOverride, *queueSizeOverride, *metricsAddrOverride)

	// Initialize logger
	logg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logg.Sync()

	statsCollector := stats.NewCollector()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logg.Fatal("failed to create metrics service", "error", err)
		}

		metricsCollector = metrics.NewMetricsCollector(metricsService,
			config.Duration(cfg.Metrics.UpdateInterval))
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
			body, err := statsCollector.SnapshotJSON()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		})

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logg.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logg.Error("metrics server error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect the datapoint store, retrying transient failures with
	// bounded backoff.
	catalog := connectStore(ctx, cfg, logg, metricsService)
	if catalog == nil {
		os.Exit(1)
	}
	defer catalog.Close()

	ruleCache, err := cache.New(cache.Config{
		Capacity:        cfg.Cache.Capacity,
		EmptyRetries:    cfg.Cache.EmptyRetries,
		EmptyRetryDelay: config.Duration(cfg.Cache.EmptyRetryDelay),
	}, func(ctx context.Context, topic string) ([]rule.Rule, error) {
		return catalog.RulesForTopic(ctx, topic)
	}, logg, metricsService)
	if err != nil {
		logg.Fatal("failed to create rule cache", "error", err)
	}

	bus, err := notify.New(cfg, catalog.Pool(), logg)
	if err != nil {
		logg.Fatal("failed to create notification bus", "error", err)
	}
	defer bus.Close()

	instanceID := uuid.NewString()
	elector := leader.New(cfg.Redis.URL, instanceID, cfg.Leader, logg, metricsService)
	defer elector.Close()

	gw := gateway.New(cfg, gateway.Deps{
		Catalog: catalog,
		Cache:   ruleCache,
		Bus:     bus,
		Elector: elector,
		Connect: func(ctx context.Context, handler mqtt.Handler) (gateway.Conn, error) {
			return mqtt.Connect(ctx, cfg.MQTT, handler, logg, metricsService)
		},
		NewDispatcher: func() gateway.Dispatcher {
			return orion.NewClient(cfg.Orion)
		},
		Logger:  logg,
		Metrics: metricsService,
		Stats:   statsCollector,
	})

	if metricsCollector != nil {
		metricsCollector.AddSampler(gw.SampleMetrics)
	}

	logg.Info("mqtt-orion-gateway started",
		"instanceId", instanceID,
		"workers", cfg.Processing.Workers,
		"queueSize", cfg.Processing.QueueSize,
		"notifier", cfg.Notifier.Backend,
		"metricsEnabled", cfg.Metrics.Enabled)

	runErr := make(chan error, 1)
	go func() {
		runErr <- gw.Run(ctx)
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logg.Info("shutting down...", "signal", sig.String())
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logg.Error("gateway stopped", "error", err)
			cancel()
			os.Exit(1)
		}
	}

	cancel()
	<-runErr

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logg.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

// connectStore dials Postgres with jittered backoff until it succeeds or
// the context is cancelled. Returns nil on cancellation.
func connectStore(ctx context.Context, cfg *config.Config, logg *logger.Logger, m *metrics.Metrics) *store.Store {
	ceiling := config.Duration(cfg.Postgres.BackoffCeiling)
	for attempt := 0; ; attempt++ {
		catalog, err := store.New(ctx, cfg.Postgres, logg, m)
		if err == nil {
			return catalog
		}

		delay := store.NextBackoff(attempt, ceiling)
		logg.Warn("datapoint store unreachable, retrying",
			"error", err,
			"delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
