// Package config provides configuration management for rtexp.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flashdb/rtexp/internal/logger"
)

// Store backends accepted in Config.Store.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that reads and writes JSON as "1.5s" strings.
// Plain numbers are accepted as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("config: bad duration %s", b)
	}
	return nil
}

// Config holds the rtexp server configuration.
type Config struct {
	// Server settings
	Addr     string `json:"addr"`
	WebAddr  string `json:"web_addr"`
	Password string `json:"password,omitempty"`
	APIToken string `json:"api_token,omitempty"`

	// Storage
	Store   string `json:"store"`
	DataDir string `json:"data_dir"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file,omitempty"`

	// Performance
	MaxClients  int      `json:"max_clients"`
	ReadTimeout Duration `json:"read_timeout"`
	Shards      int      `json:"shards"`

	// Sweeper
	RetryBase      Duration `json:"retry_base"`
	RetryMax       Duration `json:"retry_max"`
	SafetyBufferMs int64    `json:"safety_buffer_ms"`

	// Persistence
	PersistTimers bool `json:"persist_timers"`
	SyncWrites    bool `json:"sync_writes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":6380",
		WebAddr:       ":8080",
		Store:         StoreMemory,
		DataDir:       "data",
		LogLevel:      "info",
		MaxClients:    10000,
		ReadTimeout:   0, // No timeout
		Shards:        16,
		RetryBase:     Duration(10 * time.Millisecond),
		RetryMax:      Duration(5 * time.Second),
		PersistTimers: true,
		SyncWrites:    false,
	}
}

// Load loads configuration from a JSON file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreBolt:
	default:
		return fmt.Errorf("%w: store must be %q or %q, got %q", ErrInvalid, StoreMemory, StoreBolt, c.Store)
	}
	if c.Store == StoreBolt && c.DataDir == "" {
		return fmt.Errorf("%w: bolt store needs a data_dir", ErrInvalid)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Shards <= 0 || c.Shards&(c.Shards-1) != 0 {
		return fmt.Errorf("%w: shards must be a positive power of two, got %d", ErrInvalid, c.Shards)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("%w: max_clients must be non-negative", ErrInvalid)
	}
	if c.RetryBase < 0 || c.RetryMax < 0 {
		return fmt.Errorf("%w: retry durations must be non-negative", ErrInvalid)
	}
	if c.RetryMax > 0 && c.RetryMax < c.RetryBase {
		return fmt.Errorf("%w: retry_max (%s) is below retry_base (%s)", ErrInvalid,
			time.Duration(c.RetryMax), time.Duration(c.RetryBase))
	}
	if c.SafetyBufferMs < 0 {
		return fmt.Errorf("%w: safety_buffer_ms must be non-negative", ErrInvalid)
	}
	return nil
}

// SafetyBuffer returns SafetyBufferMs as a duration.
func (c *Config) SafetyBuffer() time.Duration {
	return time.Duration(c.SafetyBufferMs) * time.Millisecond
}
