package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"usergate/internal/auth"
	"usergate/internal/config"
	"usergate/internal/db"
	"usergate/internal/httpserver"
	"usergate/internal/logging"
	"usergate/internal/users"
)

const (
	appName   = "usergate"
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "JWT authentication and authorization service",
		Long: `Usergate issues access and refresh tokens, guards HTTP routes by role
and runs the password reset flow on top of PostgreSQL.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(ctx context.Context, cfg config.Config, _ *slog.Logger, conn *sql.DB) error {
				return db.RunMigrations(ctx, conn, cfg.SchemaPath)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the users listed in the seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(ctx context.Context, cfg config.Config, logger *slog.Logger, conn *sql.DB) error {
				n, err := users.NewStore(conn).SeedFromFile(ctx, cfg.UsersPath, auth.NewHasher(cfg.BcryptCost))
				if err != nil {
					return err
				}
				logger.Info("users seeded", "created", n, "path", cfg.UsersPath)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DevMode {
		logger.Warn("dev mode enabled, using built-in secrets where none are configured")
	}
	return cfg, logger, nil
}

func withDB(path string, fn func(context.Context, config.Config, *slog.Logger, *sql.DB) error) error {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()
	return fn(ctx, cfg, logger, conn)
}

func serve(path string) error {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ctx := context.Background()

	dbConn, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer dbConn.Close()

	if err := db.RunMigrations(ctx, dbConn, cfg.SchemaPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	hasher := auth.NewHasher(cfg.BcryptCost)
	userStore := users.NewStore(dbConn)
	n, err := userStore.SeedFromFile(ctx, cfg.UsersPath, hasher)
	if err != nil {
		return fmt.Errorf("seed users: %w", err)
	}
	if n > 0 {
		logger.Info("users seeded", "created", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := auth.NewMetrics(reg)

	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:        cfg.Issuer,
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		ResetSecret:   cfg.ResetSecret,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		ResetTTL:      cfg.ResetTTL,
	})
	authSvc, err := auth.NewService(auth.ServiceConfig{
		Users:    userStore,
		Refresh:  auth.NewRefreshStore(dbConn),
		Resets:   auth.NewResetStore(dbConn),
		Tokens:   tokens,
		Hasher:   hasher,
		Notifier: &auth.LogNotifier{Logger: logger},
		Logger:   logger,
		Metrics:  metrics,
		ResetURL: cfg.ResetURL,
	})
	if err != nil {
		return err
	}
	guard := httpserver.NewGuard(tokens, logger, metrics)

	handler := httpserver.NewRouter(logger, authSvc, guard, userStore, reg, cfg.CORSOrigin)
	server := httpserver.New(cfg.HTTPAddr, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("signal received", "signal", sig.String())
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
