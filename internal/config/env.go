package config

import "os"

// EnvOverrides are the values read from DROPWATCH_* environment variables.
// Environment sits between the config file and CLI flags in the override
// chain; it exists mainly so secrets can stay out of the config file.
type EnvOverrides struct {
	ConfigPath    string
	AppKey        string
	AppSecret     string
	WebhookSecret string
	FolderPath    string
	DBPath        string
	LogLevel      string
}

// envOverrides reads the recognized environment variables.
func envOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv("DROPWATCH_CONFIG"),
		AppKey:        os.Getenv("DROPWATCH_APP_KEY"),
		AppSecret:     os.Getenv("DROPWATCH_APP_SECRET"),
		WebhookSecret: os.Getenv("DROPWATCH_WEBHOOK_SECRET"),
		FolderPath:    os.Getenv("DROPWATCH_FOLDER"),
		DBPath:        os.Getenv("DROPWATCH_DB_PATH"),
		LogLevel:      os.Getenv("DROPWATCH_LOG_LEVEL"),
	}
}

// applyEnv overlays non-empty environment values onto the config.
func applyEnv(cfg *Config, env EnvOverrides) {
	if env.AppKey != "" {
		cfg.App.AppKey = env.AppKey
	}

	if env.AppSecret != "" {
		cfg.App.AppSecret = env.AppSecret
	}

	if env.WebhookSecret != "" {
		cfg.Server.WebhookSecret = env.WebhookSecret
	}

	if env.FolderPath != "" {
		cfg.Watch.FolderPath = env.FolderPath
	}

	if env.DBPath != "" {
		cfg.Storage.DBPath = env.DBPath
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}
}
