package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"ig-relay/handler"
	"ig-relay/internal/config"
	"ig-relay/internal/integrations/backend"
	"ig-relay/internal/integrations/instagram"
	"ig-relay/internal/integrations/paramstore"
	"ig-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg := config.Load(os.Getenv)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfg.ParamPrefix != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		cfg, err = cfg.WithSecrets(ctx, params)
		if err != nil {
			fatal("failed to load secrets", err)
		}
	}
	for _, w := range cfg.Warnings() {
		slog.Warn("configuration", "warning", w)
	}

	// ---- Clients ----
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	igClient, err := instagram.NewClient(cfg.AccessToken,
		instagram.WithBaseURL(cfg.GraphBaseURL),
		instagram.WithHTTPClient(httpClient),
	)
	if err != nil {
		fatal("failed to create Instagram client", err)
	}
	backendClient, err := backend.NewClient(cfg.BackendURL, backend.WithHTTPClient(httpClient))
	if err != nil {
		fatal("failed to create backend client", err)
	}

	// ---- Use cases ----
	syncService, err := usecase.NewSyncService(igClient, backendClient, logger)
	if err != nil {
		fatal("failed to create sync service", err)
	}
	messageService, err := usecase.NewMessageService(syncService, backendClient, igClient, logger)
	if err != nil {
		fatal("failed to create message service", err)
	}

	// ---- Handler ----
	// Dispatched messages run on ctx, not on the signal context, so a
	// shutdown lets them finish instead of cancelling them mid-flight.
	webhook, err := handler.NewWebhook(ctx, messageService, handler.Secrets{
		VerifyToken: cfg.VerifyToken,
		AppSecret:   cfg.AppSecret,
	}, logger)
	if err != nil {
		fatal("failed to create webhook", err)
	}
	server, err := handler.NewServer(webhook, logger)
	if err != nil {
		fatal("failed to create server", err)
	}

	go func() {
		slog.Info("server is running", "addr", cfg.Addr(), "backend", cfg.BackendURL, "ig_id", cfg.InstagramID)
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("failed to start server", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
	}
	slog.Info("stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
