// Package config loads cosync settings.
//
// Settings are layered: built-in defaults, then a TOML file, then COSYNC_*
// environment variables. Command line flags are applied by the caller on top
// of the loaded Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Auth      Auth      `toml:"auth"`
	Sync      Sync      `toml:"sync"`
	Transport Transport `toml:"transport"`
	Reactor   Reactor   `toml:"reactor"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`
	Paths     Paths     `toml:"paths"`
}

// Server selects the collaboration server.
type Server struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Secure             bool   `toml:"secure"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Auth holds account credentials. Empty credentials make the client ask the
// server for an anonymous account.
type Auth struct {
	Username string `toml:"username"`
	Secret   string `toml:"secret"`
	APIKey   string `toml:"api_key"`
}

// Sync tunes reconciliation.
type Sync struct {
	MaxWorkspaceSize int64    `toml:"max_workspace_size"`
	UploadDelay      Duration `toml:"upload_delay"`
	ResyncDelay      Duration `toml:"resync_delay"`
	SpliceThreshold  int      `toml:"splice_threshold"`
	Debounce         Duration `toml:"debounce"`
	HashCacheSize    int      `toml:"hash_cache_size"`
}

// Transport tunes the connection.
type Transport struct {
	DialTimeout       Duration `toml:"dial_timeout"`
	MaxRetries        int      `toml:"max_retries"`
	MaxEmptyReads     int      `toml:"max_empty_reads"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMax        Duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
}

// Reactor tunes the event loop.
type Reactor struct {
	TickInterval Duration `toml:"tick_interval"`
}

// Logging configures log output.
type Logging struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Paths locates local state.
type Paths struct {
	Registry string `toml:"registry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:   "floobits.com",
			Port:   3448,
			Secure: true,
		},
		Sync: Sync{
			MaxWorkspaceSize: 100 << 20,
			UploadDelay:      Duration(50 * time.Millisecond),
			ResyncDelay:      Duration(2 * time.Second),
			SpliceThreshold:  10000,
			Debounce:         Duration(100 * time.Millisecond),
			HashCacheSize:    4096,
		},
		Transport: Transport{
			DialTimeout:       Duration(15 * time.Second),
			MaxRetries:        20,
			MaxEmptyReads:     10,
			BackoffInitial:    Duration(500 * time.Millisecond),
			BackoffMax:        Duration(10 * time.Second),
			BackoffMultiplier: 1.5,
		},
		Reactor: Reactor{
			TickInterval: Duration(100 * time.Millisecond),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultPath returns ~/.cosync/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cosync", "config.toml")
	}
	return filepath.Join(home, ".cosync", "config.toml")
}

// Load builds a Config from defaults, the TOML file at path and the process
// environment. A missing file is not an error unless path was given
// explicitly and required is set.
func Load(path string, required bool) (*Config, error) {
	return load(path, required, os.Environ())
}

func load(path string, required bool, environ []string) (*Config, error) {
	cfg := Default()

	merged, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]string)

	if path != "" {
		file, err := loadTOML(path)
		if err != nil {
			return nil, err
		}
		if file == nil && required {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		merged = deepMerge(merged, file)
		for _, key := range leafKeys(file, "", nil) {
			sources[key] = path
		}
	}
	env := loadEnv(EnvPrefix, environ)
	merged = deepMerge(merged, env)
	for _, key := range leafKeys(env, "", nil) {
		sources[key] = envName(EnvPrefix, key)
	}

	data, err := toml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{File: path, Err: err}
	}

	if err := cfg.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Source = sources[ve.Key]
			if ve.Source == "" {
				ve.Source = SourceDefault
			}
		}
		return nil, err
	}
	return cfg, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	var out map[string]any
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	return out, nil
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return &ValidationError{Key: "server.host", Reason: "must not be empty", Value: c.Server.Host}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Key: "server.port", Reason: "must be between 1 and 65535", Value: c.Server.Port}
	}
	if c.Sync.MaxWorkspaceSize <= 0 {
		return &ValidationError{Key: "sync.max_workspace_size", Reason: "must be positive", Value: c.Sync.MaxWorkspaceSize}
	}
	if c.Sync.ResyncDelay < 0 {
		return &ValidationError{Key: "sync.resync_delay", Reason: "must not be negative", Value: c.Sync.ResyncDelay.Std()}
	}
	if c.Sync.UploadDelay < 0 {
		return &ValidationError{Key: "sync.upload_delay", Reason: "must not be negative", Value: c.Sync.UploadDelay.Std()}
	}
	if c.Sync.HashCacheSize <= 0 {
		return &ValidationError{Key: "sync.hash_cache_size", Reason: "must be positive", Value: c.Sync.HashCacheSize}
	}
	if c.Transport.MaxRetries < 0 {
		return &ValidationError{Key: "transport.max_retries", Reason: "must not be negative", Value: c.Transport.MaxRetries}
	}
	if c.Transport.BackoffInitial <= 0 {
		return &ValidationError{Key: "transport.backoff_initial", Reason: "must be positive", Value: c.Transport.BackoffInitial.Std()}
	}
	if c.Transport.BackoffMax < c.Transport.BackoffInitial {
		return &ValidationError{Key: "transport.backoff_max", Reason: "must not be below backoff_initial", Value: c.Transport.BackoffMax.Std()}
	}
	if c.Transport.BackoffMultiplier < 1 {
		return &ValidationError{Key: "transport.backoff_multiplier", Reason: "must be at least 1", Value: c.Transport.BackoffMultiplier}
	}
	if c.Reactor.TickInterval <= 0 {
		return &ValidationError{Key: "reactor.tick_interval", Reason: "must be positive", Value: c.Reactor.TickInterval.Std()}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Key: "logging.level", Reason: "must be debug, info, warn or error", Value: c.Logging.Level}
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return &ValidationError{Key: "logging.format", Reason: "must be console or json", Value: c.Logging.Format}
	}
	return nil
}
