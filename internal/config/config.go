// ABOUTME: crushdb.conf loader — key=value properties parsed into a typed Config
// ABOUTME: Unknown keys are ignored; bad values for a recognized key surface as ConfigError

package config

import (
	"fmt"
	"strconv"

	"github.com/magiconair/properties"
)

// ConfigError reports a recognized key with a value that failed to
// parse into its expected type.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: key %q: invalid value %q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds every key crushdb.conf recognizes (spec.md §6). Fields
// map one-to-one onto the file's key names; defaults are applied for
// any key absent from the file.
type Config struct {
	PageSize            int
	CacheMemoryLimitMB  int
	CacheMaxPages       int
	EagerLoadPages      bool
	TombstoneGC         int // milliseconds, advisory (spec.md §6)
	WALEnabled          bool
	TLSEnabled          bool
	CACertPath          string
	CustomCACertPath    string
	LogLevel            string
	LogMaxFiles         int
	LogRetentionDays    int
	LogMaxSizeMB        int
}

// Default returns the configuration used when no crushdb.conf exists.
func Default() Config {
	return Config{
		PageSize:           4096,
		CacheMemoryLimitMB: 0,
		CacheMaxPages:      1024,
		EagerLoadPages:     false,
		TombstoneGC:        0,
		WALEnabled:         true,
		TLSEnabled:         false,
		LogLevel:           "info",
		LogMaxFiles:        5,
		LogRetentionDays:   7,
		LogMaxSizeMB:       100,
	}
}

// Load reads crushdb.conf at path, a flat `key=value` properties file,
// filling unrecognized or absent keys with Default's values. A
// recognized key whose value can't be parsed into its expected type
// (e.g. a non-integer page_size) returns a *ConfigError; the properties
// library's own Get* accessors supply defaults rather than erroring so
// an unrecognized key never fails the load.
func Load(path string) (Config, error) {
	cfg := Default()

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}

	if v, ok := p.Get("page_size"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "page_size", Value: v, Err: err}
		}
		cfg.PageSize = n
	}
	if v, ok := p.Get("cache_memory_limit_mb"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "cache_memory_limit_mb", Value: v, Err: err}
		}
		cfg.CacheMemoryLimitMB = n
	}
	if v, ok := p.Get("cache_max_pages"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "cache_max_pages", Value: v, Err: err}
		}
		cfg.CacheMaxPages = n
	}
	if v, ok := p.Get("eager_load_pages"); ok {
		b, err := parseBoolStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "eager_load_pages", Value: v, Err: err}
		}
		cfg.EagerLoadPages = b
	}
	if v, ok := p.Get("tombstone_gc"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "tombstone_gc", Value: v, Err: err}
		}
		cfg.TombstoneGC = n
	}
	if v, ok := p.Get("wal_enabled"); ok {
		b, err := parseBoolStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "wal_enabled", Value: v, Err: err}
		}
		cfg.WALEnabled = b
	}
	if v, ok := p.Get("tls_enabled"); ok {
		b, err := parseBoolStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "tls_enabled", Value: v, Err: err}
		}
		cfg.TLSEnabled = b
	}
	cfg.CACertPath = p.GetString("ca_cert_path", cfg.CACertPath)
	cfg.CustomCACertPath = p.GetString("custom_ca_cert_path", cfg.CustomCACertPath)
	cfg.LogLevel = p.GetString("log_level", cfg.LogLevel)
	if v, ok := p.Get("log_max_files"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "log_max_files", Value: v, Err: err}
		}
		cfg.LogMaxFiles = n
	}
	if v, ok := p.Get("log_retention_days"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "log_retention_days", Value: v, Err: err}
		}
		cfg.LogRetentionDays = n
	}
	if v, ok := p.Get("log_max_size_mb"); ok {
		n, err := parseIntStrict(v)
		if err != nil {
			return cfg, &ConfigError{Key: "log_max_size_mb", Value: v, Err: err}
		}
		cfg.LogMaxSizeMB = n
	}

	return cfg, nil
}

func parseIntStrict(s string) (int, error) {
	return strconv.Atoi(s)
}

func parseBoolStrict(s string) (bool, error) {
	return strconv.ParseBool(s)
}
