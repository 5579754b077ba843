// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// the Fechatter sync client.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.fechatter/sync.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/fechatter/clientsync/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete sync client configuration.
type Config struct {
	Version string `toml:"version"`

	// Gateway connection settings
	Gateway GatewayConfig `toml:"gateway"`

	// Sync engine tuning
	Sync SyncConfig `toml:"sync"`

	// Local persistence settings
	Storage StorageConfig `toml:"storage"`
}

// GatewayConfig contains API gateway connection settings.
type GatewayConfig struct {
	// BaseURL is the gateway's base URL, e.g. https://fechatter.example.com
	BaseURL string `toml:"base_url"`
	// Token is the bearer token for authenticated requests
	Token string `toml:"token"`
	// TimeoutSecs is the request/response timeout in seconds
	TimeoutSecs int `toml:"timeout_secs"`
	// SendRatePerSec limits outbound message sends per second
	SendRatePerSec float64 `toml:"send_rate_per_sec"`
	// SendBurst is the send limiter's burst allowance
	SendBurst int `toml:"send_burst"`
}

// SyncConfig contains sync engine tuning knobs.
type SyncConfig struct {
	// SendTimeoutSecs is how long a send may stay in flight before it is
	// marked failed
	SendTimeoutSecs int `toml:"send_timeout_secs"`
	// MaxRetries is the maximum number of manual retries per message
	MaxRetries int `toml:"max_retries"`
	// HeuristicWindowSecs bounds the timestamp window for the reconciler's
	// content-based fallback match
	HeuristicWindowSecs int `toml:"heuristic_window_secs"`
	// PageSize is the history page size
	PageSize int `toml:"page_size"`
	// MaxChats caps how many chats stay resident in memory
	MaxChats int `toml:"max_chats"`
	// MaxMessagesPerChat caps resident messages per chat
	MaxMessagesPerChat int `toml:"max_messages_per_chat"`
	// ReadingPositionTTLDays is how long a saved reading position stays
	// eligible for resume
	ReadingPositionTTLDays int `toml:"reading_position_ttl_days"`
}

// StorageConfig contains local persistence settings.
type StorageConfig struct {
	// DBPath is the sqlite database path (empty = ~/.fechatter/sync.db)
	DBPath string `toml:"db_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Gateway: GatewayConfig{
			TimeoutSecs:    30,
			SendRatePerSec: 5,
			SendBurst:      10,
		},
		Sync: SyncConfig{
			SendTimeoutSecs:        15,
			MaxRetries:             3,
			HeuristicWindowSecs:    5,
			PageSize:               50,
			MaxChats:               50,
			MaxMessagesPerChat:     1000,
			ReadingPositionTTLDays: 7,
		},
		Storage: StorageConfig{},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".fechatter"), nil
}

// ConfigPath returns the TOML config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sync.toml"), nil
}

// DefaultDBPath returns the default sqlite database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sync.db"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// =============================================================================
// LOADING
// =============================================================================

// Load loads configuration from the config file, applying defaults for any
// missing values and environment overrides on top.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, err
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
// RELIABILITY: Atomic write prevents a truncated config on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# fechatter sync configuration file")
	fmt.Fprintln(&buf, "# Generated file - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Gateway.BaseURL != "" {
		u, err := url.Parse(c.Gateway.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "gateway.base_url",
				Message: fmt.Sprintf("invalid URL '%s', must be http(s)://host", c.Gateway.BaseURL),
			})
		}
	}
	if c.Gateway.TimeoutSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "gateway.timeout_secs",
			Message: "must be positive",
		})
	}
	if c.Gateway.SendRatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "gateway.send_rate_per_sec",
			Message: "must be positive",
		})
	}

	if c.Sync.SendTimeoutSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.send_timeout_secs",
			Message: "must be positive",
		})
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.max_retries",
			Message: "cannot be negative",
		})
	}
	if c.Sync.HeuristicWindowSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.heuristic_window_secs",
			Message: "must be positive",
		})
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		errs = append(errs, ValidationError{
			Field:   "sync.page_size",
			Message: fmt.Sprintf("invalid page size %d, must be 1-500", c.Sync.PageSize),
		})
	}
	if c.Sync.MaxChats < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.max_chats",
			Message: "must be at least 1",
		})
	}
	if c.Sync.MaxMessagesPerChat < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.max_messages_per_chat",
			Message: "must be at least 1",
		})
	}
	if c.Sync.ReadingPositionTTLDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.reading_position_ttl_days",
			Message: "cannot be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over file values:
//   - FECHATTER_GATEWAY_URL: overrides gateway.base_url
//   - FECHATTER_TOKEN: overrides gateway.token
//   - FECHATTER_DB_PATH: overrides storage.db_path
//   - FECHATTER_PAGE_SIZE: overrides sync.page_size
//   - FECHATTER_SEND_TIMEOUT_SECS: overrides sync.send_timeout_secs
func (c *Config) ApplyEnvOverrides() {
	if u := os.Getenv("FECHATTER_GATEWAY_URL"); u != "" {
		c.Gateway.BaseURL = u
	}
	if token := os.Getenv("FECHATTER_TOKEN"); token != "" {
		c.Gateway.Token = token
	}
	if path := os.Getenv("FECHATTER_DB_PATH"); path != "" {
		c.Storage.DBPath = path
	}
	if size := os.Getenv("FECHATTER_PAGE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			c.Sync.PageSize = n
		}
	}
	if timeout := os.Getenv("FECHATTER_SEND_TIMEOUT_SECS"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			c.Sync.SendTimeoutSecs = n
		}
	}
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig *Config
	globalOnce   sync.Once
	globalMu     sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalMu.Lock()
		globalConfig = cfg
		globalMu.Unlock()
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// SetGlobal replaces the global configuration. Used by hot reload and tests.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the global config so the next Global() call
// reloads it.
func ResetGlobalForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
	globalOnce = sync.Once{}
}
