package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehrcore/ehrcore/internal/bulkexport"
	"github.com/ehrcore/ehrcore/internal/config"
	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
	"github.com/ehrcore/ehrcore/internal/domain/conflict"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/rule"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/httpapi"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/orchestrator"
	"github.com/ehrcore/ehrcore/internal/platform/auth"
	"github.com/ehrcore/ehrcore/internal/platform/crypto"
	"github.com/ehrcore/ehrcore/internal/platform/db"
	"github.com/ehrcore/ehrcore/internal/platform/middleware"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
	platformtelemetry "github.com/ehrcore/ehrcore/internal/platform/telemetry"
	"github.com/ehrcore/ehrcore/internal/platform/webhook"
	"github.com/ehrcore/ehrcore/internal/smartauth"
	"github.com/ehrcore/ehrcore/internal/telemetry"
	"github.com/ehrcore/ehrcore/internal/transform"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "EHR integration core server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool, and schedule ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, true, true)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the sync worker pool (horizontal scaling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false, true, false)
		},
	}
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run only the recurring-schedule ticker (leader-elected)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false, false, true)
		},
	}
}

func migrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connectForMigration()
			if err != nil {
				return err
			}
			defer pool.Close()

			m := db.NewMigrator(pool, "migrations")
			ctx := context.Background()
			if err := m.EnsureMigrationsTable(ctx, "public"); err != nil {
				return err
			}
			n, err := m.Up(ctx, "public")
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := connectForMigration()
			if err != nil {
				return err
			}
			defer pool.Close()

			m := db.NewMigrator(pool, "migrations")
			ctx := context.Background()
			if err := m.EnsureMigrationsTable(ctx, "public"); err != nil {
				return err
			}
			statuses, err := m.Status(ctx, "public")
			if err != nil {
				return err
			}
			for _, st := range statuses {
				mark := "pending"
				if st.Applied {
					mark = "applied"
				}
				fmt.Printf("%4d  %-40s  %s\n", st.Version, st.Name, mark)
			}
			return nil
		},
	})

	return migrate
}

func connectForMigration() (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func run(serveHTTP, runWorkers, runScheduler bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	keyBytes, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("decode ENCRYPTION_KEY: %w", err)
	}
	sealer, err := crypto.NewSealer(keyBytes)
	if err != nil {
		return fmt.Errorf("initialize token sealer: %w", err)
	}

	// Repositories.
	conns := connection.NewPGRepository(pool)
	jobs := syncjob.NewPGRepository(pool)
	resources := resource.NewPGRepository(pool)
	rules := rule.NewPGRepository(pool)
	conflicts := conflict.NewPGRepository(pool)
	errorRecords := errorrecord.NewPGRepository(pool)
	incidents := complianceincident.NewPGRepository(pool)
	progress := bulkexport.NewPGProgressStore(pool)

	// Notification dispatch: Slack and generic alert webhooks, when
	// configured.
	notifier := notification.NewMultiDispatcher(
		notification.NewWebhookDispatcher(cfg.SlackWebhookURL, nil),
		notification.NewWebhookDispatcher(cfg.AlertWebhookURL, nil),
	)

	router := telemetry.NewRouter(errorRecords, incidents, notifier, logger, telemetry.Options{
		DedupWindow:    time.Duration(cfg.ErrorDedupWindowMinutes) * time.Minute,
		MaxSamples:     cfg.MaxSampleStackTraces,
		IncidentPrefix: cfg.CompliancePrefix,
	})
	retention := telemetry.RetentionPolicy{
		LowDays:      cfg.LowErrorRetentionDays,
		MediumDays:   cfg.MediumErrorRetentionDays,
		HighDays:     cfg.HighErrorRetentionDays,
		CriticalDays: cfg.CriticalErrorRetentionDays,
	}
	rotator := telemetry.NewRotator("logs", int64(cfg.MaxLogFileSizeMB)<<20, cfg.LogRotationThreshold)

	// Core pipeline.
	authMgr := smartauth.NewManager(conns, sealer)
	registry := vendor.NewRegistry(authMgr, nil, vendor.RegistryOptions{})
	engine := transform.NewEngine(rules, transform.ModeLenient)
	processor := ingest.NewProcessor(engine, resources, conflicts)
	bulkRunner := bulkexport.NewRunner(jobs, conns, registry, processor, progress, logger)

	workers := 0
	if runWorkers {
		workers = cfg.QueueWorkers
	}
	orch := orchestrator.New(orchestrator.Config{Workers: workers}, orchestrator.Deps{
		Jobs:      jobs,
		Conns:     conns,
		Resources: resources,
		Registry:  registry,
		Processor: processor,
		Bulk:      bulkRunner,
		Router:    router,
		Notifier:  notifier,
	}, logger)
	if runWorkers {
		orch.Start()
		logger.Info().Int("workers", cfg.QueueWorkers).Msg("worker pool started")
	}

	var sched *orchestrator.Scheduler
	if runScheduler {
		var lease orchestrator.LeaderLease = orchestrator.SingleProcessLease{}
		if cfg.RedisURL != "" {
			opts, perr := redis.ParseURL(cfg.RedisURL)
			if perr != nil {
				return fmt.Errorf("parse REDIS_URL: %w", perr)
			}
			lease = orchestrator.NewRedisLease(redis.NewClient(opts), "ehrcore:scheduler:leader", 30*time.Second)
		}
		sched = orchestrator.NewScheduler(orch, lease)

		if err := sched.AddHousekeeping("telemetry-cleanup", cfg.CleanupSchedule, func(ctx context.Context) error {
			if _, perr := router.PurgeExpired(ctx, retention); perr != nil {
				return perr
			}
			_, rerr := rotator.RotateIfNeeded()
			return rerr
		}); err != nil {
			return err
		}

		// Auto-sync: enqueue an INCREMENTAL job for every connection whose
		// next-sync time has passed.
		if err := sched.AddHousekeeping("auto-sync", "@every 5m", func(ctx context.Context) error {
			due, derr := conns.ListDueForSync(ctx, time.Now().UTC())
			if derr != nil {
				return derr
			}
			for _, c := range due {
				if _, eerr := orch.Enqueue(ctx, orchestrator.JobConfig{
					JobType:      syncjob.JobTypeIncremental,
					Direction:    syncjob.DirectionInbound,
					Priority:     4,
					ConnectionID: c.ID,
					UserID:       c.UserID,
				}); eerr != nil {
					logger.Warn().Err(eerr).Str("connectionId", c.ID.String()).Msg("auto-sync enqueue failed")
				}
			}
			return nil
		}); err != nil {
			return err
		}

		sched.Start()
		logger.Info().Str("cleanupSchedule", cfg.CleanupSchedule).Msg("scheduler started")
	}

	var e *echo.Echo
	if serveHTTP {
		e = buildHTTPServer(cfg, logger, pool, orch, httpapi.HandlerDeps{
			Conns:         conns,
			Sealer:        sealer,
			Auth:          authMgr,
			Orch:          orch,
			Bulk:          bulkRunner,
			Router:        router,
			Incidents:     incidents,
			Rotator:       rotator,
			Retention:     retention,
			Receipts:      webhook.NewInMemoryReceiptStore(),
			Notifier:      notifier,
			WebhookSecret: cfg.WebhookSecret,
			SigHeader:     cfg.WebhookSignatureHeader,
		})

		go func() {
			addr := ":" + cfg.Port
			var serveErr error
			if cfg.TLSEnabled {
				serveErr = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				serveErr = e.Start(addr)
			}
			if serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error().Err(serveErr).Msg("http server stopped")
				stop()
			}
		}()
		logger.Info().Str("port", cfg.Port).Bool("tls", cfg.TLSEnabled).Msg("http server started")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if e != nil {
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("scheduler shutdown")
		}
	}
	if runWorkers {
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("worker shutdown")
		}
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func buildHTTPServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, orch *orchestrator.Orchestrator, deps httpapi.HandlerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpapi.ErrorHandler(logger)

	tp := platformtelemetry.NewTelemetryProvider(platformtelemetry.TelemetryConfig{
		ServiceName: "ehrcore",
		Environment: cfg.Env,
	})

	e.Use(echomw.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.RequestTimeout(60 * time.Second))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))
	e.Use(tp.MetricsMiddleware())
	e.Use(tp.TracingMiddleware())

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", func(c echo.Context) error {
		if depth, err := orch.QueueDepth(c.Request().Context()); err == nil {
			tp.HealthMetrics().SetQueueDepth(int64(depth))
		}
		stats := db.GetPoolStats(pool)
		tp.HealthMetrics().SetDBPoolActive(int64(stats.AcquiredConns))
		tp.HealthMetrics().SetDBPoolIdle(int64(stats.IdleConns))
		return tp.PrometheusHandler()(c)
	})

	handlers := httpapi.NewHandlers(deps, logger)

	admin := e.Group("/admin")
	if cfg.IsProduction() {
		admin.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	} else {
		admin.Use(auth.DevAuthMiddleware())
	}

	handlers.RegisterRoutes(e.Group(""), admin)
	return e
}
