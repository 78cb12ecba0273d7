// Command autotrader is the trading daemon: it runs every active strategy on
// the configured schedule, reconciles open cycles and serves the operator
// HTTP and gRPC APIs.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"autotrader/internal/api"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/notify"
	"autotrader/internal/scheduler"
	"autotrader/internal/store"
	"autotrader/internal/strategy/builtins"
	"autotrader/internal/util"
)

func main() {
	// Load config.
	cfgPath := "config/autotrader.yaml"
	if p := os.Getenv("AUTOTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("autotrader exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	brokers, err := buildBrokers(cfg)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(st, brokers, builtins.NewRegistry(),
		engine.NewRiskManager(cfg.Trading.MaxOrderNotional, cfg.Trading.MaxCycleNotional),
		engine.Config{
			LockTTL:           cfg.Trading.LockTTL,
			BrokerAttempts:    cfg.Broker.RetryAttempts,
			BrokerBaseDelay:   cfg.Broker.RetryDelay,
			ClientOrderPrefix: cfg.Trading.ClientOrderPrefix,
		})

	bus := events.NewBus()
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Notify.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscordNotifier(cfg.Notify.DiscordWebhookURL, cfg.Notify.Username))
	}
	opts := []scheduler.Option{scheduler.WithBus(bus), scheduler.WithNotifier(notifiers)}
	if cfg.Storage.Archive {
		opts = append(opts, scheduler.WithArchive(store.NewParquetArchive(filepath.Join(cfg.Storage.DataDir, "archive"))))
	}
	sched, err := scheduler.New(st, eng, scheduler.Config{
		RunCron:        cfg.Scheduler.RunCron,
		SummaryCron:    cfg.Scheduler.SummaryCron,
		Timezone:       cfg.Scheduler.Timezone,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		RunTimeout:     cfg.Scheduler.RunTimeout,
	}, opts...)
	if err != nil {
		return err
	}

	// Background loops.
	done := make(chan struct{})
	var loops int
	if cfg.Scheduler.Enabled {
		loops++
		go func() {
			defer func() { done <- struct{}{} }()
			logger.Info("scheduler started", "run_cron", cfg.Scheduler.RunCron,
				"timezone", cfg.Scheduler.Timezone, "next_run", sched.NextRun(time.Now()))
			_ = sched.Start(ctx)
		}()
	}
	if cfg.Scheduler.ReconcileInterval > 0 {
		loops++
		go func() {
			defer func() { done <- struct{}{} }()
			_ = eng.ReconcileLoop(ctx, cfg.Scheduler.ReconcileInterval)
		}()
	}

	// HTTP server.
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: api.NewServer(st, eng, sched, brokers, bus, logger).Handler(),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	// gRPC server.
	var grpcServer *grpc.Server
	if addr := cfg.GRPCAddr(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		grpcServer = grpc.NewServer()
		api.NewOperatorService(st, eng, sched, logger).RegisterGRPC(grpcServer)
		go func() {
			logger.Info("gRPC server listening", "addr", addr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down autotrader")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	for range loops {
		<-done
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Storage) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.PostgresURL)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// buildBrokers creates one broker per configured account, each behind its own
// rate limiter.
func buildBrokers(cfg *config.Config) (*broker.Registry, error) {
	reg := broker.NewRegistry()
	for _, a := range cfg.Accounts {
		var b broker.Broker
		switch a.Broker {
		case config.BrokerAlpaca:
			creds := cfg.AlpacaFor(a)
			b = broker.NewAlpacaBroker(broker.AlpacaOptions{
				Account:   a.Name,
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				BaseURL:   creds.BaseURL,
				DataURL:   creds.DataURL,
			})
		case config.BrokerSimulator:
			sim := broker.NewSimulatorBroker()
			for sym, p := range a.Prices {
				sim.SetPrice(sym, p)
			}
			b = sim
		default:
			return nil, fmt.Errorf("account %s: unknown broker %q", a.Name, a.Broker)
		}
		if cfg.Broker.RateLimitPerMin > 0 {
			b = broker.NewRateLimited(b, util.NewRateLimiter(cfg.Broker.RateLimitPerMin))
		}
		if err := reg.Register(a.Name, b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
