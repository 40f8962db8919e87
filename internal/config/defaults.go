package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so the service runs with
// nothing but app credentials and a folder path in the config file.
const (
	defaultRedirectURI  = "http://localhost:8090/oauth/callback"
	defaultBootstrap    = "ignore-existing"
	defaultDedup        = "store"
	defaultListenAddr   = ":8090"
	defaultSyncTimeout  = "5m"
	defaultPollInterval = "0"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// The database path is resolved lazily because it depends on the
// platform data directory.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			RedirectURI: defaultRedirectURI,
		},
		Watch: WatchConfig{
			Bootstrap: defaultBootstrap,
			Dedup:     defaultDedup,
		},
		Enrichment: EnrichmentConfig{
			TemporaryLink: true,
			MediaInfo:     true,
		},
		Server: ServerConfig{
			ListenAddr:   defaultListenAddr,
			SyncTimeout:  defaultSyncTimeout,
			PollInterval: defaultPollInterval,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath(),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
