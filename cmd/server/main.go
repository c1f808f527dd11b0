// The codeloft server is the runtime core: it owns the warm sandbox pools,
// the orchestrator, usage metering against the credits ledger, and the IDE
// WebSocket gateway. One process per host; state lives in the configured
// store and Redis.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/codeloft/backend/internal/auth"
	"github.com/codeloft/backend/internal/checkpoints"
	"github.com/codeloft/backend/internal/collab"
	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
	"github.com/codeloft/backend/internal/events"
	"github.com/codeloft/backend/internal/gateway"
	"github.com/codeloft/backend/internal/ledger"
	"github.com/codeloft/backend/internal/meter"
	"github.com/codeloft/backend/internal/monitoring"
	"github.com/codeloft/backend/internal/netmon"
	"github.com/codeloft/backend/internal/orchestrator"
	"github.com/codeloft/backend/internal/pool"
	"github.com/codeloft/backend/internal/sampler"
	"github.com/codeloft/backend/internal/store"
	"github.com/codeloft/backend/internal/webhooks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CODELOFT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	drv, err := driver.NewDockerDriver(cfg.Engine, cfg.Security, metrics)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus, closeBus, err := openBus(cfg.Events)
	if err != nil {
		return err
	}
	defer closeBus()

	p, err := pool.New(drv, cfg.Pool, metrics)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	led := ledger.New(st, cfg.Ledger)
	met := meter.New(led, cfg.Meter, metrics)

	var netSrc sampler.NetSource
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err == nil {
		netSrc = netmon.NewSource(rdb)
	} else {
		slog.Warn("redis unreachable, engine network counters only", "error", err)
	}
	cancelPing()
	smp := sampler.New(drv, cfg.Sampler, netSrc)

	orch := orchestrator.New(orchestrator.Deps{
		Driver:         drv,
		Pool:           p,
		Sampler:        smp,
		Meter:          met,
		Ledger:         led,
		Store:          st,
		Events:         bus,
		Metrics:        metrics,
		CloneLog:       checkpoints.New(rdb, 0),
		Cfg:            cfg.Orchestrator,
		ReconnectGrace: cfg.Gateway.ReconnectGrace(),
	})

	registry := webhooks.NewRegistry()
	sink, runSink, err := openWebhookSink(registry, cfg.Webhooks)
	if err != nil {
		return err
	}
	defer sink.Shutdown()
	go runSink(ctx, busOf(bus))

	broker := auth.NewBroker()
	defaultRuntime := firstRuntime(cfg.Pool)
	gw := gateway.New(broker, orch, collab.New(), drv, metrics, cfg.Gateway, defaultRuntime)

	go p.Run(ctx)
	go met.Run(ctx, smp.Snapshots())
	go orch.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: router(gw, orch, registry, broker, st, rdb),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Server.Listen, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	p.Close()
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		st, err := store.NewPgStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "spanner":
		st, err := store.NewSpannerStore(cfg.SpannerDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("spanner store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return store.NewMemStore(), func() {}, nil
	}
}

func openBus(cfg config.EventsConfig) (events.Emitter, func(), error) {
	if cfg.PubsubProject == "" {
		return events.NewBus(), func() {}, nil
	}
	pb, err := events.NewPubSubBus(cfg.PubsubProject, cfg.PubsubTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub bus: %w", err)
	}
	return pb, func() { _ = pb.Close() }, nil
}

// busOf recovers the in-memory fan-out side of whichever emitter is in use;
// the Pub/Sub bus embeds it.
func busOf(e events.Emitter) *events.Bus {
	switch b := e.(type) {
	case *events.Bus:
		return b
	case *events.PubSubBus:
		return b.Bus
	default:
		return events.NewBus()
	}
}

type sinkRunner func(ctx context.Context, bus *events.Bus)

func openWebhookSink(reg *webhooks.Registry, cfg config.WebhooksConfig) (webhooks.Sink, sinkRunner, error) {
	if cfg.CloudTasksProject != "" {
		cd, err := webhooks.NewCloudDispatcher(reg,
			cfg.CloudTasksProject, cfg.CloudTasksLocation, cfg.CloudTasksQueue, cfg.Workers)
		if err != nil {
			return nil, nil, fmt.Errorf("cloud tasks: %w", err)
		}
		return cd, cd.Run, nil
	}
	d := webhooks.NewDispatcher(reg, cfg.Workers)
	return d, d.Run, nil
}

func firstRuntime(cfg config.PoolConfig) core.RuntimeKey {
	if len(cfg.Keys) > 0 {
		return cfg.Keys[0].Runtime()
	}
	return core.RuntimeKey{Language: "python", Version: "3.11"}
}
