// Package main is the entry point for the usage-analytics server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/api"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/config"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/ingest"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/query"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/reader"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}
	logger.Info("starting usage-analytics server",
		"store_addr", cfg.Store.Addr,
		"api_addr", cfg.API.Addr,
	)

	connectCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	conn, err := query.Connect(connectCtx, &query.ConnectionConfig{
		Addr:         cfg.Store.Addr,
		Database:     cfg.Store.Database,
		Username:     cfg.Store.Username,
		Password:     cfg.Store.Password,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
		DialTimeout:  cfg.Store.DialTimeout,
		ConnRetries:  cfg.Store.ConnRetries,
	})
	cancel()
	if err != nil {
		logger.Error("connecting to ClickHouse failed", "error", err)
		os.Exit(1)
	}

	schemaCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = ingest.InitializeSchema(schemaCtx, conn)
	cancel()
	if err != nil {
		logger.Error("initializing schema failed", "error", err)
		os.Exit(1)
	}

	client := query.NewClient(conn, query.Options{
		Logger:  logger,
		Timeout: cfg.Query.Timeout,
	})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("closing store connection failed", "error", err)
		}
	}()

	analytics := reader.New(client, reader.Options{
		Logger:           logger,
		LongArrayCeiling: cfg.Query.LongArrayCeiling,
	})

	writer := ingest.NewWriter(client, ingest.Options{
		Logger:        logger,
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval,
	})

	apiServer := api.NewServer(cfg.API.Addr, analytics, writer, client, logger)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting REST API server", "addr", cfg.API.Addr)
		errChan <- apiServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("API server failed", "error", err)
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down API server failed", "error", err)
	}
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Error("draining ingest writer failed", "error", err)
	}

	logger.Info("shutdown complete")
}
