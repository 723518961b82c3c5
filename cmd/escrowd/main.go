package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"escrowledger/internal/app"
	"escrowledger/internal/config"
	"escrowledger/internal/store/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "escrowd",
		Short:        "Escrow deposit confirmation and withdrawal service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook service",
		RunE:  runServe,
	}

	serveCmd.Flags().String("rpc", "", "chain RPC URL")
	serveCmd.Flags().String("signer-key", "", "hot wallet private key (hex)")
	serveCmd.Flags().String("contract", "", "escrow contract address")
	serveCmd.Flags().Uint64("deployment-block", 0, "contract deployment block")
	serveCmd.Flags().String("admin-address", "", "admin remittance address")
	serveCmd.Flags().String("default-vault", "", "default (non-referral) vault address")
	serveCmd.Flags().String("native-token", "", "platform native token address")
	serveCmd.Flags().String("vault-init-code-hash", "", "keccak hash of referral vault init code")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	serveCmd.Flags().String("nats-url", "", "NATS URL for account notifications")
	serveCmd.Flags().String("accounts-url", "", "account service base URL")
	serveCmd.Flags().String("pricing-url", "", "pricing and risk service base URL")
	serveCmd.Flags().String("listen-addr", ":8080", "webhook listen address")
	serveCmd.Flags().Uint64("scan-batch-size", 2000, "blocks per reconciliation batch")
	serveCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	serveCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	serveCmd.Flags().Duration("recon-interval", 5*time.Minute, "periodic reconciliation interval")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		RunE:  runReconcile,
	}

	reconcileCmd.Flags().String("rpc", "", "chain RPC URL")
	reconcileCmd.Flags().String("signer-key", "", "hot wallet private key (hex)")
	reconcileCmd.Flags().String("contract", "", "escrow contract address")
	reconcileCmd.Flags().Uint64("deployment-block", 0, "contract deployment block")
	reconcileCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	reconcileCmd.Flags().String("accounts-url", "", "account service base URL")
	reconcileCmd.Flags().String("pricing-url", "", "pricing and risk service base URL")
	reconcileCmd.Flags().Uint64("scan-batch-size", 2000, "blocks per reconciliation batch")
	reconcileCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	reconcileCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	reconcileCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(reconcileCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("escrowd start",
		zap.String("contract", cfg.ContractAddress),
		zap.String("listen", cfg.ListenAddr),
		zap.Uint64("deployment_block", cfg.DeploymentBlock),
		zap.Bool("postgres", cfg.PGDSN != ""),
		zap.Bool("nats", cfg.NATSURL != ""),
	)

	return service.Run(ctx)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return service.ReconcileOnce(ctx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgStore, err := postgres.New(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Pool().Close()

	if err := pgStore.CreateSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	logger.Info("schema up to date")
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
