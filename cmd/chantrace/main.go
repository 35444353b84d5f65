package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chantrace/chantrace/internal/ami"
	"github.com/chantrace/chantrace/internal/api"
	apimw "github.com/chantrace/chantrace/internal/api/middleware"
	"github.com/chantrace/chantrace/internal/config"
	"github.com/chantrace/chantrace/internal/database"
	"github.com/chantrace/chantrace/internal/feed"
	"github.com/chantrace/chantrace/internal/metrics"
	"github.com/chantrace/chantrace/internal/report"
	"github.com/chantrace/chantrace/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	// -issue-token mints a bearer token for the named client and exits.
	// It needs a persistent secret: an ephemeral one would sign tokens the
	// next server start cannot verify.
	if cfg.IssueToken != "" && cfg.APISecret == "" {
		fmt.Fprintln(os.Stderr, "error: -issue-token requires a configured api-secret")
		os.Exit(1)
	}

	// API token secret.
	secret, err := cfg.APISecretBytes()
	if err != nil {
		slog.Error("failed to decode api secret", "error", err)
		os.Exit(1)
	}

	if cfg.IssueToken != "" {
		token, expiresAt, err := apimw.GenerateToken(secret, cfg.IssueToken)
		if err != nil {
			slog.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "token for %q expires %s\n", cfg.IssueToken, expiresAt.Format(time.RFC3339))
		return
	}

	slog.Info("starting chantrace",
		"http_port", cfg.HTTPPort,
		"ami_addr", cfg.AMIAddr,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	events := database.NewCallEventRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// WebSocket feed.
	hub := feed.NewHub(logger)
	go hub.Run(appCtx)

	// The tracker reports through all sinks at once; emission order within
	// one AMI event is preserved per sink.
	reporter := report.Fanout{
		report.NewSlogReporter(logger),
		report.NewJournalReporter(logger, events),
		report.NewFeedReporter(hub),
	}

	manager := tracker.NewManager(reporter, tracker.Options{
		AccountCodeLength: cfg.AccountCodeLength,
		AllEvents:         cfg.AllEvents,
		FlushOnBoot:       cfg.FlushOnBoot,
	})

	// AMI client with automatic reconnect.
	client := ami.NewClient(ami.Config{
		Addr:              cfg.AMIAddr,
		Username:          cfg.AMIUsername,
		Secret:            cfg.AMISecret,
		ReconnectInterval: cfg.AMIReconnect,
	}, logger)
	go func() {
		if err := client.Run(appCtx); err != nil {
			slog.Error("ami client stopped", "error", err)
		}
	}()

	// Single consumer goroutine: the manager is not safe for concurrent
	// mutation. A ProtocolError means the channel graph no longer reflects
	// Asterisk, so the process must stop serving it.
	fatalCh := make(chan error, 1)
	go func() {
		if err := manager.Run(client.Events()); err != nil {
			fatalCh <- err
		}
	}()

	// Prometheus metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(manager, events, hub, time.Now()))

	// HTTP server using the api package.
	handler := api.NewServer(cfg, manager, events, hub, registry, secret)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt, server error, or a fatal tracker error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	case err := <-fatalCh:
		slog.Error("ami stream violated asterisk semantics, tracker state is untrustworthy", "error", err)
		exitCode = 1
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()
	client.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}

	slog.Info("chantrace stopped")
	if exitCode != 0 {
		db.Close()
		os.Exit(exitCode)
	}
}
