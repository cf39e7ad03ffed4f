package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/config"
	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/handler"
	"github.com/pesio-ai/be-plt-workflows/internal/lock"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "workflows",
		Short:         "Workflow orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (default ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers with the background schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), configFile)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(file string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFrom(viper.New(), file)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func migrate(ctx context.Context, file string) error {
	cfg, log, err := setup(file)
	if err != nil {
		return err
	}
	db, err := connectDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Str("database", cfg.Database.Database).Msg("Schema applied")
	return nil
}

func serve(ctx context.Context, file string) error {
	cfg, log, err := setup(file)
	if err != nil {
		return err
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Workflows Service")

	m := metrics.New()
	clk := clock.New()

	// Storage
	var (
		store repository.Store
		ping  func(ctx context.Context) error
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := connectDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		store = repository.NewPostgresStore(db)
		ping = db.Ping
		log.Info().Msg("Database connection established")
	default:
		store = repository.NewMemoryStore()
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}

	// Locking
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis locks")
	}

	// Messaging
	var (
		notifier client.Notifier = client.NewLogNotifier(log)
		nc       *nats.Conn
	)
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.NotificationSubject, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("Publishing notifications to NATS")
	}

	// Services
	audit := service.NewAuditLog(store, clk, m, log)
	approvals := service.NewApprovalCoordinator(store, locker, notifier, audit, clk, service.ApprovalConfig{
		EscalationGrace:  cfg.Workflow.EscalationGrace,
		EscalationTarget: cfg.Workflow.EscalationTarget,
	}, m, log)
	engine := service.NewWorkflowEngine(store, locker, approvals, service.DefaultActions(notifier, m, log), audit, clk,
		service.EngineConfig{DefaultApprovalDue: cfg.Workflow.DefaultApprovalDue}, m, log)
	triggers := service.NewTriggerRegistry(store, engine, clk, m, log)
	if _, err := triggers.Load(ctx); err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}

	reminders := service.NewReminderScheduler(approvals, clk, service.ReminderConfig{
		Interval:  cfg.Workflow.ReminderInterval,
		Threshold: cfg.Workflow.ReminderThreshold,
	}, m, log)
	delays := service.NewDelaySweeper(engine, clk, cfg.Workflow.DelaySweepInterval, m, log)
	schedules, err := service.NewScheduleSource(triggers, cfg.Schedules, clk, log)
	if err != nil {
		return err
	}

	reminders.Start(ctx)
	defer reminders.Stop()
	delays.Start(ctx)
	defer delays.Stop()
	schedules.Start()
	defer schedules.Stop()

	if nc != nil {
		events := client.NewDocumentEventSubscriber(nc, cfg.NATS.DocumentEvents, triggers, log)
		if err := events.Start(); err != nil {
			return fmt.Errorf("subscribe document events: %w", err)
		}
		defer func() {
			if err := events.Stop(); err != nil {
				log.Warn().Err(err).Msg("Draining document events failed")
			}
		}()
	}

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(cfg.Service.Name))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler.NewHTTPHandler(handler.Services{
		Engine:      engine,
		Approvals:   approvals,
		Triggers:    triggers,
		Permissions: service.NewParticipantPermissions(store, cfg.Workflow.Admins),
		Metrics:     m.Handler(),
		Ping:        ping,
	}, log).Register(e)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := handler.NewGRPCServer(ping, log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				grpcServer.Refresh(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.Stop(shutdownCtx)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
