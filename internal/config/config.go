// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ovcoach configuration.
type Config struct {
	// Gateway is the upstream completion endpoint configuration.
	Gateway GatewayConfig `toml:"gateway" json:"gateway"`

	// Auth is the identity service configuration.
	Auth AuthConfig `toml:"auth" json:"auth"`

	// Store is the member database configuration.
	Store StoreConfig `toml:"store" json:"store"`

	// Server is the relay listener configuration.
	Server ServerConfig `toml:"server" json:"server"`
}

// GatewayConfig contains the AI gateway connection settings.
type GatewayConfig struct {
	// APIKey authenticates the relay against the gateway. Required in
	// production; an empty key makes every chat turn fail with 500.
	APIKey string `toml:"api_key" json:"api_key"`
	// BaseURL is the gateway endpoint root.
	BaseURL string `toml:"base_url" json:"base_url"`
	// Model is the completion model identifier.
	Model string `toml:"model" json:"model"`
	// HeaderTimeoutSecs bounds the wait for upstream response headers.
	// The stream body itself is only bounded by the caller's context.
	HeaderTimeoutSecs int `toml:"header_timeout_secs" json:"header_timeout_secs"`
}

// AuthConfig contains the identity service settings. Both fields empty
// disables personalization entirely; every turn then uses the generic context.
type AuthConfig struct {
	// URL is the identity service base URL.
	URL string `toml:"url" json:"url"`
	// AnonKey is the public client key sent alongside member tokens.
	AnonKey string `toml:"anon_key" json:"anon_key"`
}

// StoreConfig contains the member database settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means ~/.ovcoach/members.db.
	Path string `toml:"path" json:"path"`
	// LogWindowDays is how far back ritual logs are read for context.
	LogWindowDays int `toml:"log_window_days" json:"log_window_days"`
}

// ServerConfig contains the relay HTTP listener settings.
type ServerConfig struct {
	// Port is the listen port.
	Port int `toml:"port" json:"port"`
	// RateLimitPerSec is requests per second per client IP.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:           "https://ai.gateway.lovable.dev/v1",
			Model:             "google/gemini-3-flash-preview",
			HeaderTimeoutSecs: 60,
		},
		Store: StoreConfig{
			LogWindowDays: 30,
		},
		Server: ServerConfig{
			Port:            8790,
			RateLimitPerSec: 5,
			RateBurst:       10,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the ovcoach configuration directory (~/.ovcoach).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".ovcoach"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}
	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. JSON is recognized by extension; everything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults backfills zero values a partial config file left out.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = def.Gateway.BaseURL
	}
	if c.Gateway.Model == "" {
		c.Gateway.Model = def.Gateway.Model
	}
	if c.Gateway.HeaderTimeoutSecs == 0 {
		c.Gateway.HeaderTimeoutSecs = def.Gateway.HeaderTimeoutSecs
	}
	if c.Store.LogWindowDays == 0 {
		c.Store.LogWindowDays = def.Store.LogWindowDays
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = def.Server.RateLimitPerSec
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = def.Server.RateBurst
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML path.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with owner-only
// permissions, since the file carries the gateway key.
func SaveTOML(cfg *Config, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode TOML config: %w", err)
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
		if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "gateway.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Gateway.BaseURL),
			})
		}
	}
	if c.Gateway.HeaderTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "gateway.header_timeout_secs",
			Message: "must not be negative",
		})
	}
	if c.Auth.URL != "" {
		if u, err := url.Parse(c.Auth.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "auth.url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Auth.URL),
			})
		}
	}
	if c.Store.LogWindowDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "store.log_window_days",
			Message: "must not be negative",
		})
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("invalid port %d", c.Server.Port),
		})
	}
	if c.Server.RateLimitPerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_sec",
			Message: "must not be negative",
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
//
// Supported environment variables:
//   - OVCOACH_GATEWAY_KEY: overrides gateway.api_key
//   - OVCOACH_GATEWAY_URL: overrides gateway.base_url
//   - OVCOACH_MODEL: overrides gateway.model
//   - OVCOACH_AUTH_URL: overrides auth.url
//   - OVCOACH_ANON_KEY: overrides auth.anon_key
//   - OVCOACH_DB: overrides store.path
//   - OVCOACH_PORT: overrides server.port
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OVCOACH_GATEWAY_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	if u := os.Getenv("OVCOACH_GATEWAY_URL"); u != "" {
		c.Gateway.BaseURL = u
	}
	if model := os.Getenv("OVCOACH_MODEL"); model != "" {
		c.Gateway.Model = model
	}
	if u := os.Getenv("OVCOACH_AUTH_URL"); u != "" {
		c.Auth.URL = u
	}
	if key := os.Getenv("OVCOACH_ANON_KEY"); key != "" {
		c.Auth.AnonKey = key
	}
	if path := os.Getenv("OVCOACH_DB"); path != "" {
		c.Store.Path = path
	}
	if port := os.Getenv("OVCOACH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// DBPath returns the configured database path, defaulting to
// ~/.ovcoach/members.db when unset.
func (c *Config) DBPath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "members.db"), nil
}
