// Package main provides the agent server entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackkroninger/agent-api/internal/agent"
	"github.com/jackkroninger/agent-api/internal/auth"
	"github.com/jackkroninger/agent-api/internal/config"
	"github.com/jackkroninger/agent-api/internal/db"
	"github.com/jackkroninger/agent-api/internal/llm"
	"github.com/jackkroninger/agent-api/internal/metrics"
	"github.com/jackkroninger/agent-api/internal/server"
	"github.com/jackkroninger/agent-api/internal/tools"
	"github.com/jackkroninger/agent-api/internal/trainlog"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("AGENT_API_CONFIG"), "path to config file")
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("agent-api starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"surrealdb_url", cfg.SurrealDB.URL,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDB.URL,
		Namespace: cfg.SurrealDB.Namespace,
		Database:  cfg.SurrealDB.Database,
		Username:  cfg.SurrealDB.User,
		Password:  cfg.SurrealDB.Pass,
		AuthLevel: cfg.SurrealDB.AuthLevel,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	if *wipeDB || os.Getenv("AGENT_API_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
		logger.Warn("database wiped")
	}

	if err := dbClient.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// Model provider
	model, err := llm.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create model client", "error", err)
		os.Exit(1)
	}

	// Credential lifecycle manager with configured OAuth providers
	creds := auth.NewManager(dbClient, logger)
	for name, providerCfg := range cfg.OAuth {
		creds.RegisterProvider(name, auth.ExchangerFor(providerCfg))
		logger.Info("registered oauth provider", "provider", name)
	}

	// Tool catalog
	registry := tools.NewRegistry(creds, logger)
	if err := tools.RegisterAll(registry); err != nil {
		logger.Error("failed to register tools", "error", err)
		os.Exit(1)
	}

	// Identity verifier
	verifier, err := auth.NewVerifierFromConfig(cfg.Server)
	if err != nil {
		logger.Error("failed to configure verifier", "error", err)
		os.Exit(1)
	}

	stats := metrics.NewCollector()
	training := trainlog.New(cfg.TrainingLogFile, logger)

	engine := agent.NewEngine(model, registry, dbClient, dbClient, training, stats, cfg.Agent, logger)
	sessions := agent.NewSessions(dbClient, cfg.Agent.HistoryLimit, logger)

	srv := server.New(server.Config{
		Addr:     cfg.Server.Addr,
		Engine:   engine,
		Sessions: sessions,
		History:  dbClient,
		Consent:  creds,
		Verifier: verifier,
		Stats:    stats,
		Version:  version,
		Logger:   logger,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	// Let in-flight turn-log writes land before exiting.
	if !engine.WaitPersisted(10 * time.Second) {
		logger.Warn("shutdown with pending persistence writes")
	}
	logger.Info("server stopped")
}
