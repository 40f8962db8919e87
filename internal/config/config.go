// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for dropwatch. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// rejects unknown keys with "did you mean?" suggestions.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	App        AppConfig        `toml:"app"`
	Watch      WatchConfig      `toml:"watch"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Logging    LoggingConfig    `toml:"logging"`
}

// AppConfig identifies the registered Dropbox application and the account
// it is connected to.
type AppConfig struct {
	AppKey      string `toml:"app_key"`
	AppSecret   string `toml:"app_secret"`
	RedirectURI string `toml:"redirect_uri"`
	AccountID   string `toml:"account_id"`
}

// WatchConfig selects the watched folder and the change-detection behavior.
type WatchConfig struct {
	// FolderPath is the lowercase Dropbox path to watch, e.g. "/camera uploads".
	FolderPath string `toml:"folder_path"`

	// Bootstrap is what the very first poll reports: "ignore-existing" or
	// "include-existing".
	Bootstrap string `toml:"bootstrap"`

	// Dedup selects the duplicate suppression mechanism: "store" (durable
	// per-file records, survives restarts) or "watermark" (in-memory
	// modified-time threshold).
	Dedup string `toml:"dedup"`
}

// EnrichmentConfig toggles the optional per-file metadata fetches.
type EnrichmentConfig struct {
	TemporaryLink bool `toml:"temporary_link"`
	MediaInfo     bool `toml:"media_info"`
}

// ServerConfig controls the webhook listener and the fallback poll ticker.
// Durations are TOML strings ("5m", "90s") parsed during validation.
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	WebhookSecret string `toml:"webhook_secret"`
	SyncTimeout   string `toml:"sync_timeout"`

	// PollInterval drives a periodic sync independent of webhooks; "0"
	// disables it.
	PollInterval string `toml:"poll_interval"`
}

// StorageConfig locates the state database.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// LoggingConfig controls log verbosity and output format.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`

	// LogFormat is "auto" (text on a TTY, JSON otherwise), "text", or "json".
	LogFormat string `toml:"log_format"`
}

// SyncTimeoutDuration returns the parsed sync timeout. Call after Validate.
func (c *Config) SyncTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Server.SyncTimeout)
	return d
}

// PollIntervalDuration returns the parsed poll interval, zero when polling
// is disabled. Call after Validate.
func (c *Config) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Server.PollInterval)
	return d
}
