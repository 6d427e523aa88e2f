package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/migration/internal/config"
	"github.com/ehr/migration/internal/domain/backup"
	"github.com/ehr/migration/internal/domain/pipeline"
	"github.com/ehr/migration/internal/domain/progress"
	"github.com/ehr/migration/internal/platform/connector"
	"github.com/ehr/migration/internal/platform/db"
	"github.com/ehr/migration/internal/platform/events"
	"github.com/ehr/migration/internal/platform/middleware"
	"github.com/ehr/migration/internal/platform/rules"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migration-server",
		Short: "Care-home data migration server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the migration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// Event bus. The audit subscriber logs every lifecycle event so migration
	// runs leave a trail even when no external transport is attached.
	bus := events.NewBus(cfg.EventBufferSize)
	auditSub := bus.Subscribe()
	defer auditSub.Close()
	go func() {
		for ev := range auditSub.C {
			logger.Info().
				Str("event", string(ev.Type)).
				Str("pipeline_id", ev.PipelineID.String()).
				Msg("migration event")
		}
	}()

	// Backup storage
	archive, err := backup.NewFileArchive(cfg.BackupDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backup archive directory")
	}
	var enc *backup.Encryptor
	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid backup encryption key")
	}
	if key != nil {
		enc, err = backup.NewEncryptor(key)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create backup encryptor")
		}
		logger.Info().Msg("backup encryption enabled")
	} else {
		logger.Warn().Msg("BACKUP_ENCRYPTION_KEY not set; backup snapshots are written unencrypted")
	}

	// Source connectors. Real deployments register connectors for each legacy
	// system here; the dev connector carries a small sample dataset so the API
	// is exercisable out of the box.
	registry := connector.NewRegistry()
	if cfg.IsDev() {
		registry.Register(devConnector())
		logger.Info().Strs("connectors", registry.Names()).Msg("registered development connectors")
	}

	// Domain wiring
	progressRepo := progress.NewRepoPG(pool)
	tracker := progress.NewTracker(progressRepo, bus, logger)

	pipelineRepo := pipeline.NewRepoPG(pool)
	backupRepo := backup.NewRepoPG(pool)
	target := pipeline.NewPGTarget(pool)

	backupPolicy := backup.Policy{
		Compress:      true,
		Encrypt:       key != nil,
		RetentionDays: cfg.BackupRetentionDays,
	}

	svc := pipeline.NewService(pipelineRepo, backupRepo, archive, enc, registry,
		rules.StaticLookup{}, target, tracker, bus, logger, backupPolicy, cfg.PhaseTimeout)

	handler := pipeline.NewHandler(svc, logger)
	handler.RegisterRoutes(e.Group("/api/v1"))

	// Executions do not survive a restart: mark interrupted pipelines failed
	// so operators see them rather than a pipeline stuck at "running".
	if err := svc.LoadActive(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to reconcile interrupted pipelines")
	}

	// Daily prune of backups past their retention window.
	pruneCtx, pruneCancel := context.WithCancel(ctx)
	defer pruneCancel()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.Backups().PruneExpired(pruneCtx)
				if err != nil {
					logger.Error().Err(err).Msg("backup prune failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("pruned", n).Msg("expired backups removed")
				}
			}
		}
	}()

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("migration server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	return nil
}

// devConnector returns a static connector with a handful of sample resident
// records from a fictional incumbent system.
func devConnector() *connector.StaticConnector {
	return connector.NewStaticConnector("carefirst", map[string][]connector.Row{
		"residents": {
			{"NHSNumber": "9434765919", "Forename": "Edith", "Surname": "Davies", "DOB": "15/03/1940"},
			{"NHSNumber": "5990128088", "Forename": "Harold", "Surname": "Hughes", "DOB": "02/11/1935"},
			{"NHSNumber": "4010232137", "Forename": "Mary", "Surname": "Okafor", "DOB": "1942-07-19"},
		},
	})
}
