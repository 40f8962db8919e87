package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mholtta/dropwatch/internal/config"
	"github.com/mholtta/dropwatch/internal/webhook"
)

// httpShutdownTimeout bounds the drain of in-flight HTTP requests.
const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Long:  "Serves the Dropbox webhook endpoints and reacts to change notifications. An optional poll interval adds a periodic sync independent of webhooks.",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)

	cfg := resolvedCfg

	if cfg.Server.WebhookSecret == "" {
		return errors.New("server.webhook_secret is not set")
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := requireCredential(ctx, st, cfg.App.AccountID); err != nil {
		return err
	}

	mgr, err := newAuthManager(cfg, st, logger)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, st, mgr, logger)
	if err != nil {
		return err
	}

	gateway := webhook.NewGateway(webhook.GatewayConfig{
		Engine:      engine,
		Auth:        mgr,
		Secret:      cfg.Server.WebhookSecret,
		AppSecret:   cfg.App.AppSecret,
		SyncTimeout: cfg.SyncTimeoutDuration(),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("webhook server listening",
			slog.String("addr", cfg.Server.ListenAddr),
			slog.String("folder", cfg.Watch.FolderPath),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval := cfg.PollIntervalDuration(); interval > 0 {
		go runPollTicker(ctx, engine, interval, logger)
	}

	if flagConfigPath != "" || config.DefaultConfigPath() != "" {
		go watchLogLevel(ctx, logger)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	// Background sync cycles keep their own timeouts; wait them out.
	gateway.Wait()

	return nil
}

// runPollTicker triggers a sync cycle on a fixed interval as a safety net
// for missed webhook deliveries. Coalescing in the poller makes overlap
// with webhook-triggered cycles harmless.
func runPollTicker(ctx context.Context, engine webhook.SyncRunner, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("periodic polling enabled", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SyncOnce(ctx); err != nil {
				logger.Error("periodic sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// watchLogLevel follows the config file and applies log level changes
// without a restart. Other settings require a restart and are ignored here.
func watchLogLevel(ctx context.Context, logger *slog.Logger) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	err := config.Watch(ctx, path, logger, func(cfg *config.Config) {
		level := parseLevel(cfg.Logging.LogLevel)
		if level != logLevel.Level() {
			logger.Info("log level changed", slog.String("level", cfg.Logging.LogLevel))
			logLevel.Set(level)
		}
	})
	if err != nil {
		logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
	}
}
