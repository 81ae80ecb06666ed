// Command botstreams runs the event-dispatch runtime: storage, cache,
// registry, toggles, dispatcher, transports, and the metrics endpoint, all
// wired from one YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360/botstreams/config"
	"github.com/c360/botstreams/dispatch"
	"github.com/c360/botstreams/feature"
	"github.com/c360/botstreams/manager"
	"github.com/c360/botstreams/metric"
	"github.com/c360/botstreams/statecache"
	"github.com/c360/botstreams/storage"
	"github.com/c360/botstreams/storage/natskv"
	"github.com/c360/botstreams/storage/redisstore"
	"github.com/c360/botstreams/storage/sqlstore"
	"github.com/c360/botstreams/toggle"
	"github.com/c360/botstreams/transport"
	"github.com/c360/botstreams/types"
)

func main() {
	configPath := flag.String("config", "botstreams.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "botstreams: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting botstreams",
		"storage", cfg.Storage.Backend,
		"lanes", cfg.Dispatch.Lanes)

	metricsRegistry := metric.NewMetricsRegistry()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := buildStore(connectCtx, cfg)
	cancelConnect()
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := statecache.New(store, statecache.Config{
		Capacity:    cfg.Cache.Capacity,
		TTL:         cfg.Cache.TTL.Std(),
		NegativeTTL: cfg.Cache.NegativeTTL.Std(),
	}, statecache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cache.Close()

	registry := feature.NewRegistry(feature.WithRegistryLogger(logger))
	toggles, err := toggle.NewStore(registry, cache, toggle.WithLogger(logger))
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(registry, toggles, dispatch.Config{
		Lanes:     cfg.Dispatch.Lanes,
		QueueSize: cfg.Dispatch.QueueSize,
		Budget:    cfg.Dispatch.Budget.Std(),
	}, metricsRegistry, dispatch.WithLogger(logger))
	if err != nil {
		return err
	}

	mgr, err := manager.New(registry, dispatcher, manager.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := dispatcher.Start(); err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Stop(); err != nil {
			logger.Error("dispatcher stop failed", "error", err)
		}
	}()

	installFeatures(cfg, mgr, logger)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	defer mgr.UninstallAll(shutdownCtx)

	sources, err := buildSources(cfg, dispatcher, logger)
	if err != nil {
		return err
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	for _, source := range sources {
		if err := source.Start(runCtx); err != nil {
			return err
		}
		logger.Info("transport started", "source", source.Name())
	}
	defer func() {
		for _, source := range sources {
			if err := source.Stop(); err != nil {
				logger.Warn("transport stop failed", "source", source.Name(), "error", err)
			}
		}
	}()

	var metricServer *metric.Server
	if cfg.Metrics.Enabled {
		metricServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		go func() {
			if err := metricServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			if err := metricServer.Stop(); err != nil {
				logger.Warn("metrics server stop failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

// loadConfig falls back to defaults when the default config file is absent
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendNATS:
		return natskv.New(ctx, natskv.Config{
			URL:    cfg.Storage.NATS.URL,
			Bucket: cfg.Storage.NATS.Bucket,
		})
	case config.BackendRedis:
		return redisstore.New(ctx, redisstore.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case config.BackendMySQL:
		return sqlstore.New(ctx, sqlstore.Config{
			DSN:   cfg.Storage.MySQL.DSN,
			Table: cfg.Storage.MySQL.Table,
		})
	default:
		return storage.NewMemoryStore(), nil
	}
}

// installFeatures walks the startup list. Unknown names and failed installs
// are logged and skipped so one bad entry does not keep the process down.
func installFeatures(cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) {
	var installations []manager.Installation
	for _, fc := range cfg.Features {
		builder, exists := builtinFeatures[fc.Name]
		if !exists {
			logger.Error("unknown feature in startup list, skipped", "feature", fc.Name)
			continue
		}
		installations = append(installations, builder(logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.InstallAll(ctx, installations)

	for _, fc := range cfg.Features {
		if fc.Enabled != nil && !*fc.Enabled {
			if err := mgr.Disable(fc.Name); err != nil {
				logger.Warn("startup disable failed", "feature", fc.Name, "error", err)
			}
		}
	}
}

func buildSources(cfg *config.Config, sink transport.Sink, logger *slog.Logger) ([]transport.Source, error) {
	var sources []transport.Source
	if cfg.Transports.NATS.Enabled {
		source, err := transport.NewNATSSource(transport.NATSConfig{
			URL:     cfg.Transports.NATS.URL,
			Subject: cfg.Transports.NATS.Subject,
			Queue:   cfg.Transports.NATS.Queue,
		}, sink, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if cfg.Transports.WebSocket.Enabled {
		source, err := transport.NewWebSocketSource(transport.WebSocketConfig{
			URL:   cfg.Transports.WebSocket.URL,
			Token: cfg.Transports.WebSocket.Token,
		}, sink, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// builtinFeatures maps startup-list names to the handlers compiled into
// this binary.
var builtinFeatures = map[string]func(*slog.Logger) manager.Installation{
	"audit": func(logger *slog.Logger) manager.Installation {
		log := logger.With("feature", "audit")
		return manager.Installation{
			Handler: feature.HandlerFunc(func(ctx context.Context, event types.Event) (bool, error) {
				log.Debug("event observed",
					"event", event.ID,
					"tenant", event.Tenant,
					"author", event.Author,
					"sequence", event.Sequence)
				return false, nil
			}),
			Descriptor: feature.Descriptor{
				Name:           "audit",
				Version:        "1.0.0",
				Description:    "logs every event at debug level, never consumes",
				Priority:       1000,
				DefaultEnabled: true,
			},
		}
	},
}
