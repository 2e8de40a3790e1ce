package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/certauction/internal/auth"
	"github.com/efreitasn/certauction/internal/config"
	"github.com/efreitasn/certauction/internal/engine"
	"github.com/efreitasn/certauction/internal/handler"
	"github.com/efreitasn/certauction/internal/metrics"
	"github.com/efreitasn/certauction/internal/pubsub"
	"github.com/efreitasn/certauction/internal/realtime"
	"github.com/efreitasn/certauction/internal/service"
	"github.com/efreitasn/certauction/internal/store"
	"github.com/efreitasn/certauction/internal/store/postgres"
)

const schedulerLeaseKey = "scheduler:lease"

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store.
	var st store.Store
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.New(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		st = pg
	default:
		st = store.NewMemoryStore()
	}
	webhookStore := store.NewWebhookStore()

	// Metrics.
	ledger := engine.NewLedger()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, ledger.Len)

	// Event fan-out: realtime rooms (through Redis when configured),
	// webhooks and the optional NATS archive feed.
	hub := realtime.NewHub(m, logger)
	webhookSvc := service.NewWebhookService(webhookStore, cfg.WebhookTimeout, logger)
	notifiers := engine.Notifiers{webhookSvc}

	var lease engine.Lease
	if cfg.RedisURL != "" {
		client, err := pubsub.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer client.Close()

		bridge := pubsub.NewRedisBridge(client, hub, 0, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("redis bridge stopped", slog.String("error", err.Error()))
			}
		}()
		notifiers = append(notifiers, bridge)
		lease = pubsub.NewRedisLease(client, schedulerLeaseKey, cfg.SchedulerLeaseTTL, logger)
	} else {
		notifiers = append(notifiers, hub)
	}

	if cfg.NATSURL != "" {
		nc, err := pubsub.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer nc.Drain()
		notifiers = append(notifiers, pubsub.NewNATSPublisher(nc, logger))
	}

	// Engine.
	eng := engine.NewEngine(st, ledger, notifiers, m, logger)
	if err := eng.Warm(ctx); err != nil {
		logger.Error("failed to reconcile ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	scheduler := engine.NewScheduler(cfg.SchedulerInterval, eng, st, lease, m, logger)
	scheduler.Start(ctx)
	go hub.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	// Router.
	signer := auth.NewSigner(cfg.AuthSecret)
	router := handler.NewRouter(handler.Deps{
		Certificates: service.NewCertificateService(st, ledger),
		Batches:      service.NewBatchService(st),
		Auctions:     service.NewAuctionService(st),
		Webhooks:     webhookSvc,
		Engine:       eng,
		Verifier:     signer,
		Realtime:     realtime.NewGateway(hub, eng, signer, cfg.SendBuffer, logger),
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", addr), slog.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, close sessions, then cancel
	// the scheduler and bridges.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	hub.Close()
	cancel()

	logger.Info("server stopped")
}
