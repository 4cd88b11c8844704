// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ragchat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Answering service endpoint and request settings
	Server ServerConfig `toml:"server" json:"server"`

	// Conversation behavior
	Conversation ConversationConfig `toml:"conversation" json:"conversation"`

	// Diagnostic logging
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Local turn statistics
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`

	// Terminal presentation
	UI UIConfig `toml:"ui" json:"ui"`

	// Transcript export
	Export ExportConfig `toml:"export" json:"export"`
}

// ServerConfig describes how to reach the answering service.
type ServerConfig struct {
	// BaseURL is the scheme and host of the service, e.g. http://127.0.0.1:8000
	BaseURL string `toml:"base_url" json:"base_url"`
	// StreamPath is the streaming endpoint path
	StreamPath string `toml:"stream_path" json:"stream_path"`
	// AskPath is the non-streaming endpoint path
	AskPath string `toml:"ask_path" json:"ask_path"`
	// HealthPath is probed by `ragchat doctor`
	HealthPath string `toml:"health_path" json:"health_path"`
	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key"`
	// TimeoutSecs bounds non-streaming requests
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// RateLimit is the maximum requests per second (0 = unlimited)
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	// RateBurst is the limiter burst size
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
}

// ConversationConfig contains conversation settings.
type ConversationConfig struct {
	// HistoryLimit is how many prior messages accompany each question
	HistoryLimit int `toml:"history_limit" json:"history_limit"`
	// Streaming selects the streaming endpoint; false uses the fallback
	Streaming bool `toml:"streaming" json:"streaming"`
	// IdleTimeoutSecs cancels an answer after this long without data (0 = off)
	IdleTimeoutSecs int `toml:"idle_timeout_secs" json:"idle_timeout_secs"`
	// Suggestions are offered before the service sends follow-ups
	Suggestions []string `toml:"suggestions" json:"suggestions"`
}

// LoggingConfig contains diagnostic log settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Format is text or json
	Format string `toml:"format" json:"format"`
	// File receives logs instead of stderr when set
	File string `toml:"file" json:"file"`
}

// TelemetryConfig contains the local statistics store settings.
type TelemetryConfig struct {
	// Enabled turns on recording of finished turns
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path is the SQLite database file (empty = ~/.ragchat/stats.db)
	Path string `toml:"path" json:"path"`
}

// UIConfig contains terminal display settings.
type UIConfig struct {
	// Color is auto, always or never
	Color string `toml:"color" json:"color"`
	// ShowSources lists sources under every completed answer
	ShowSources bool `toml:"show_sources" json:"show_sources"`
	// ShowStats prints timing after every answer
	ShowStats bool `toml:"show_stats" json:"show_stats"`
	// ExcerptWidth truncates source excerpts (in terminal cells)
	ExcerptWidth int `toml:"excerpt_width" json:"excerpt_width"`
}

// ExportConfig contains transcript export settings.
type ExportConfig struct {
	// Dir is where exports are written (empty = current directory)
	Dir string `toml:"dir" json:"dir"`
	// Format is md or json
	Format string `toml:"format" json:"format"`
}

// IdleTimeout returns the idle limit as a duration.
func (c ConversationConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// Timeout returns the request timeout as a duration.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			BaseURL:     "http://127.0.0.1:8000",
			StreamPath:  "/api/chat/stream",
			AskPath:     "/api/chat",
			HealthPath:  "/health",
			TimeoutSecs: 60,
			RateLimit:   0, // unlimited
			RateBurst:   1,
		},

		Conversation: ConversationConfig{
			HistoryLimit:    10,
			Streaming:       true,
			IdleTimeoutSecs: 120,
			Suggestions: []string{
				"What topics can you answer questions about?",
				"Which documents are available?",
			},
		},

		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},

		Telemetry: TelemetryConfig{
			Enabled: false,
		},

		UI: UIConfig{
			Color:        "auto",
			ShowSources:  true,
			ShowStats:    false,
			ExcerptWidth: 100,
		},

		Export: ExportConfig{
			Format: "md",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the ragchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat"), nil
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

// DefaultTelemetryPath returns ~/.ragchat/stats.db.
func DefaultTelemetryPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "stats.db"), nil
}

// ensureSecurePermissions tightens a config file to 0600 since it may hold
// the API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
//
// When a file exists but cannot be decoded, the defaults are returned together
// with the decode error so the caller can warn and continue.
func Load() (*Config, error) {
	var loadErr error

	for _, candidate := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := candidate()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err == nil {
			return cfg, nil
		}
		if loadErr == nil {
			loadErr = err
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep
// their current values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		slog.Warn("could not ensure secure permissions on config", "path", path, "error", err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown config keys ignored", "path", path, "keys", keys)
	}
	return FillDefaults(cfg)
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		slog.Warn("could not ensure secure permissions on config", "path", path, "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return FillDefaults(cfg)
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := FillDefaults(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FillDefaults fills in any missing string values with defaults. Numeric
// zero values are meaningful (no history, no idle limit) and are kept.
func FillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	// Server
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = defaults.Server.BaseURL
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = defaults.Server.StreamPath
	}
	if cfg.Server.AskPath == "" {
		cfg.Server.AskPath = defaults.Server.AskPath
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = defaults.Server.HealthPath
	}
	if cfg.Server.TimeoutSecs == 0 {
		cfg.Server.TimeoutSecs = defaults.Server.TimeoutSecs
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = defaults.Server.RateBurst
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	// Telemetry
	if cfg.Telemetry.Path == "" {
		if p, err := DefaultTelemetryPath(); err == nil {
			cfg.Telemetry.Path = p
		}
	}

	// UI
	if cfg.UI.Color == "" {
		cfg.UI.Color = defaults.UI.Color
	}
	if cfg.UI.ExcerptWidth == 0 {
		cfg.UI.ExcerptWidth = defaults.UI.ExcerptWidth
	}

	// Export
	if cfg.Export.Format == "" {
		cfg.Export.Format = defaults.Export.Format
	}

	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# ragchat configuration file\n")
	b.WriteString("# Generated by ragchat - edit with care\n")
	b.WriteString("#\n")
	b.WriteString("# Environment variables (RAGCHAT_*) override these values.\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// MaxHistoryLimit bounds conversation.history_limit.
const MaxHistoryLimit = 100

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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if u, err := url.Parse(c.Server.BaseURL); err != nil {
		add("server.base_url", "invalid URL: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("server.base_url", "scheme must be http or https, got '%s'", u.Scheme)
	} else if u.Host == "" {
		add("server.base_url", "missing host in '%s'", c.Server.BaseURL)
	}
	for field, p := range map[string]string{
		"server.stream_path": c.Server.StreamPath,
		"server.ask_path":    c.Server.AskPath,
		"server.health_path": c.Server.HealthPath,
	} {
		if !strings.HasPrefix(p, "/") {
			add(field, "path must start with '/', got '%s'", p)
		}
	}
	if c.Server.TimeoutSecs < 1 || c.Server.TimeoutSecs > 3600 {
		add("server.timeout_secs", "must be between 1 and 3600, got %d", c.Server.TimeoutSecs)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative, got %g", c.Server.RateLimit)
	}
	if c.Server.RateBurst < 1 {
		add("server.rate_burst", "must be at least 1, got %d", c.Server.RateBurst)
	}

	// Conversation
	if c.Conversation.HistoryLimit < 0 || c.Conversation.HistoryLimit > MaxHistoryLimit {
		add("conversation.history_limit", "must be between 0 and %d, got %d", MaxHistoryLimit, c.Conversation.HistoryLimit)
	}
	if c.Conversation.IdleTimeoutSecs < 0 {
		add("conversation.idle_timeout_secs", "must not be negative, got %d", c.Conversation.IdleTimeoutSecs)
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "invalid format '%s', must be one of: text, json", c.Logging.Format)
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.Path == "" {
		add("telemetry.path", "required when telemetry is enabled")
	}

	// UI
	switch strings.ToLower(c.UI.Color) {
	case "auto", "always", "never":
	default:
		add("ui.color", "invalid value '%s', must be one of: auto, always, never", c.UI.Color)
	}
	if c.UI.ExcerptWidth < 10 {
		add("ui.excerpt_width", "must be at least 10, got %d", c.UI.ExcerptWidth)
	}

	// Export
	switch strings.ToLower(c.Export.Format) {
	case "md", "markdown", "json":
	default:
		add("export.format", "invalid format '%s', must be one of: md, json", c.Export.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RAGCHAT_BASE_URL: overrides server.base_url
//   - RAGCHAT_API_KEY: overrides server.api_key
//   - RAGCHAT_HISTORY_LIMIT: overrides conversation.history_limit
//   - RAGCHAT_STREAMING: "0"/"false" selects the non-streaming endpoint
//   - RAGCHAT_IDLE_TIMEOUT: overrides conversation.idle_timeout_secs
//   - RAGCHAT_LOG_LEVEL: overrides logging.level
//   - RAGCHAT_TELEMETRY: "1"/"true" enables turn statistics
//
// Values that do not parse are ignored with a warning.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RAGCHAT_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("RAGCHAT_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("RAGCHAT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Conversation.HistoryLimit = n
		} else {
			slog.Warn("ignoring invalid RAGCHAT_HISTORY_LIMIT", "value", v)
		}
	}
	if v := os.Getenv("RAGCHAT_STREAMING"); v != "" {
		c.Conversation.Streaming = parseBool(v)
	}
	if v := os.Getenv("RAGCHAT_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Conversation.IdleTimeoutSecs = n
		} else {
			slog.Warn("ignoring invalid RAGCHAT_IDLE_TIMEOUT", "value", v)
		}
	}
	if v := os.Getenv("RAGCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RAGCHAT_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "server.base_url").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds a struct field by its toml tag.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tomlName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tomlName(f reflect.StructField) string {
	tag := f.Tag.Get("toml")
	if idx := strings.IndexByte(tag, ','); idx >= 0 {
		tag = tag[:idx]
	}
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	return tag
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				boolVal = parseBool(strVal)
			}
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		case reflect.Struct:
			return errors.New("cannot assign a value to a section")
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String && field.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := prefix + tomlName(f)
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, name+".")
				continue
			}
			keys = append(keys, name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Conversation.Suggestions != nil {
		clone.Conversation.Suggestions = append([]string(nil), c.Conversation.Suggestions...)
	}
	return &clone
}

// String returns the config as indented JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Server.APIKey != "" {
		safe.Server.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			slog.Warn("using default configuration", "error", err)
		}
		if cfg == nil {
			cfg = Default()
			_ = FillDefaults(cfg)
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if cfg == nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return err
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
