package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mholtta/dropwatch/internal/auth"
	"github.com/mholtta/dropwatch/internal/config"
	"github.com/mholtta/dropwatch/internal/dropbox"
	"github.com/mholtta/dropwatch/internal/store"
	"github.com/mholtta/dropwatch/internal/sync"
)

// openStore opens the state database, creating its directory on first run.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		return nil, fmt.Errorf("storage.db_path is not set and no data directory could be determined")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return store.NewStore(dbPath, logger)
}

// newAuthManager builds the token manager over the credential store.
func newAuthManager(cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (*auth.Manager, error) {
	if cfg.App.AppKey == "" {
		return nil, fmt.Errorf("app.app_key is not set — register an app at https://www.dropbox.com/developers/apps")
	}

	return auth.NewManager(auth.Config{
		AppKey:      cfg.App.AppKey,
		AppSecret:   cfg.App.AppSecret,
		RedirectURI: cfg.App.RedirectURI,
		AccountID:   cfg.App.AccountID,
	}, st, defaultHTTPClient(), logger), nil
}

// buildEngine wires the full sync pipeline: client, poller, dedup or
// watermark, enricher. The caller owns the store's lifetime.
func buildEngine(cfg *config.Config, st *store.SQLiteStore, mgr *auth.Manager, logger *slog.Logger) (*sync.Engine, error) {
	if cfg.Watch.FolderPath == "" {
		return nil, fmt.Errorf("watch.folder_path is not set")
	}

	client := dropbox.NewClient(dropbox.DefaultBaseURL, defaultHTTPClient(), mgr, logger)

	var (
		watermark *sync.Watermark
		dedup     *sync.Deduplicator
	)

	if cfg.Watch.Dedup == "watermark" {
		watermark = sync.NewWatermark(time.Time{})
	} else {
		dedup = sync.NewDeduplicator(st, logger)
	}

	poller := sync.NewPoller(sync.PollerConfig{
		Client:           client,
		Cursors:          st,
		Folder:           cfg.Watch.FolderPath,
		Policy:           sync.BootstrapPolicy(cfg.Watch.Bootstrap),
		IncludeMediaInfo: cfg.Enrichment.MediaInfo,
		Watermark:        watermark,
		Logger:           logger,
	})

	var enricher *sync.Enricher
	if cfg.Enrichment.TemporaryLink {
		enricher = sync.NewEnricher(client, logger)
	}

	return sync.NewEngine(poller, dedup, enricher, logger), nil
}
