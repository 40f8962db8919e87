package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Valid enum values.
var (
	validBootstraps = []string{"ignore-existing", "include-existing"}
	validDedups     = []string{"store", "watermark"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks the config for internal consistency. It does not check
// that credentials are present: commands that need them do that themselves
// so that e.g. `dropwatch status` works before `dropwatch login`.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Watch.FolderPath != "" && !strings.HasPrefix(cfg.Watch.FolderPath, "/") {
		errs = append(errs, fmt.Errorf("watch.folder_path %q must start with /", cfg.Watch.FolderPath))
	}

	if err := checkEnum("watch.bootstrap", cfg.Watch.Bootstrap, validBootstraps); err != nil {
		errs = append(errs, err)
	}

	if err := checkEnum("watch.dedup", cfg.Watch.Dedup, validDedups); err != nil {
		errs = append(errs, err)
	}

	if err := checkDuration("server.sync_timeout", cfg.Server.SyncTimeout, false); err != nil {
		errs = append(errs, err)
	}

	if err := checkDuration("server.poll_interval", cfg.Server.PollInterval, true); err != nil {
		errs = append(errs, err)
	}

	if err := checkEnum("logging.log_level", cfg.Logging.LogLevel, validLogLevels); err != nil {
		errs = append(errs, err)
	}

	if err := checkEnum("logging.log_format", cfg.Logging.LogFormat, validLogFormats); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// checkEnum verifies a value is one of the allowed strings.
func checkEnum(key, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}

	return fmt.Errorf("%s %q must be one of: %s", key, value, strings.Join(allowed, ", "))
}

// checkDuration verifies a duration string parses and is positive
// (or non-negative when zeroOK — "0" means disabled).
func checkDuration(key, value string, zeroOK bool) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid duration: %w", key, value, err)
	}

	if d < 0 || (d == 0 && !zeroOK) {
		return fmt.Errorf("%s must be positive, got %q", key, value)
	}

	return nil
}
