package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"pillars/internal/amqp"
	"pillars/internal/cli"
	"pillars/internal/core"
	apphttp "pillars/internal/http"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger("pillars")

	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	ctx := context.Background()

	// Restore the engine from persisted state. Without a saved
	// configuration the server starts anyway and answers 409 on
	// snapshot endpoints until the operator saves one.
	var engine *core.Engine
	coreCfg, found, err := repo.LoadConfig(ctx)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if found {
		engine, err = core.NewEngine(coreCfg)
		if err != nil {
			logger.Error("Persisted configuration is invalid", "error", err)
			os.Exit(1)
		}
		state, err := repo.LoadRollover(ctx)
		if err != nil {
			logger.Error("Failed to load rollover ledger", "error", err)
			os.Exit(1)
		}
		engine.Restore(state)
		logger.Info("Engine restored",
			"pillars", len(coreCfg.Pillars),
			"total_emissions", coreCfg.TotalEmissions,
			"ledger_users", len(state))
	} else {
		logger.Info("No configuration saved yet, waiting for operator")
	}

	// The export pipeline is optional: without a broker, snapshots are
	// still persisted and the worker's periodic sweep picks them up.
	var publisher apphttp.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, snapshot events disabled", "error", err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange)
		}
	}

	srv := apphttp.NewServer(":"+cfg.Port, engine, repo, publisher)

	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting pillars server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(shutdownCtx, done)
	logger.Info("Server stopped gracefully")
}
