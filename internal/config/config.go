// Package config holds the engine tunables, loaded from and saved to a TOML
// file in the engine data directory.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// ("30s", "24h").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	// Sync session.
	PageSize    int      `toml:"page_size"`
	LiveOverlap Duration `toml:"live_overlap"`

	// Delivery pipeline.
	MaxMessageLength int      `toml:"max_message_length"`
	EditWindow       Duration `toml:"edit_window"`
	RetryBase        Duration `toml:"retry_base"`
	RetryMax         Duration `toml:"retry_max"`
	MaxSendAttempts  int      `toml:"max_send_attempts"`
	LocalQuota       int      `toml:"local_quota"`
	LocalQuotaWindow Duration `toml:"local_quota_window"`

	// Offline queue.
	QueueInterval    Duration `toml:"queue_interval"`
	QueueTTL         Duration `toml:"queue_ttl"`
	QueueMaxAttempts int      `toml:"queue_max_attempts"`
	RemovalDelay     Duration `toml:"removal_delay"`
	RemovalGrace     Duration `toml:"removal_grace"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		PageSize:         50,
		LiveOverlap:      Duration(2 * time.Second),
		MaxMessageLength: 2000,
		EditWindow:       Duration(15 * time.Minute),
		RetryBase:        Duration(time.Second),
		RetryMax:         Duration(30 * time.Second),
		MaxSendAttempts:  3,
		LocalQuota:       20,
		LocalQuotaWindow: Duration(time.Minute),
		QueueInterval:    Duration(30 * time.Second),
		QueueTTL:         Duration(24 * time.Hour),
		QueueMaxAttempts: 5,
		RemovalDelay:     Duration(5 * time.Second),
		RemovalGrace:     Duration(time.Minute),
	}
}

// Load reads config from the given path, applying defaults for absent keys.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
