package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"risk-sms/internal/config"
	"risk-sms/internal/observability"
	"risk-sms/internal/service"
	"risk-sms/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "risk-sms:", err)
		os.Exit(1)
	}
}

func run() error {
	path := config.DefaultPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := observability.GetLogger(cfg.Env.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, store.Config{
		DSN:               cfg.Datasource.DSN(),
		MaximumPoolSize:   cfg.Datasource.MaximumPoolSize,
		MinimumIdle:       cfg.Datasource.MinimumIdle,
		IdleTimeout:       time.Duration(cfg.Datasource.IdleTimeoutMs) * time.Millisecond,
		ConnectionTimeout: time.Duration(cfg.Datasource.ConnectionTimeoutMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("abrir base de datos: %w", err)
	}
	defer st.Close()

	if len(cfg.SMS) > 0 {
		st.SetMaxAttempts(cfg.SMS[0].MaximoIntentos)
	}

	// The tables may be managed outside this process; a no-op or failed
	// migration is not fatal.
	if p := cfg.Env.MigrationsPath; p != "" {
		if err := st.Migrate(p); err != nil {
			logger.Warn("migraciones no aplicadas", zap.Error(err))
		}
	}

	sup := service.NewSupervisor(logger, cfg, st, observability.NewMetrics())

	logger.Info("risk-sms iniciado",
		zap.String("config", path),
		zap.Int("servicios", len(cfg.SMS)))
	if err := sup.Run(ctx); err != nil {
		logger.Error("arranque fallido", zap.Error(err))
		return err
	}
	logger.Info("risk-sms detenido")
	return nil
}
