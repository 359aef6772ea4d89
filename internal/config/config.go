// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatwidget configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Widget selects the backend and chatflow.
	Widget WidgetConfig `toml:"widget" json:"widget"`

	// User is the identity sent with predictions and operator transfers.
	User model.UserData `toml:"user" json:"user"`

	Polling PollingConfig `toml:"polling" json:"polling"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	Proxy   ProxyConfig   `toml:"proxy" json:"proxy"`
	Events  EventsConfig  `toml:"events" json:"events"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	UI      UIConfig      `toml:"ui" json:"ui"`
}

// WidgetConfig contains the backend connection settings.
type WidgetConfig struct {
	// APIHost is the base URL of the chatflow backend (or the proxy).
	APIHost string `toml:"api_host" json:"api_host"`
	// ChatflowID selects the chatflow; it is also the storage key.
	ChatflowID string `toml:"chatflow_id" json:"chatflow_id"`
	// CustomerID prefixes generated conversation ids.
	CustomerID string `toml:"customer_id" json:"customer_id"`
	// AssistantGreeting follows "Здравствуйте[, fio]!" in the first message.
	AssistantGreeting string `toml:"assistant_greeting" json:"assistant_greeting"`
	// RequestTimeout bounds unary calls. Streams are bounded by their context.
	RequestTimeout Duration `toml:"request_timeout" json:"request_timeout"`
	// RequestsPerSecond throttles outgoing calls (0 = unlimited).
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	// OverrideConfig is merged into every prediction's overrideConfig.
	OverrideConfig map[string]any `toml:"override_config" json:"override_config,omitempty"`
}

// PollingConfig controls operator polling.
type PollingConfig struct {
	Interval     Duration `toml:"interval" json:"interval"`
	HandoffDelay Duration `toml:"handoff_delay" json:"handoff_delay"`
	// ClosingPhrases end polling when an operator message contains one.
	// Empty means the built-in phrases.
	ClosingPhrases []string `toml:"closing_phrases" json:"closing_phrases,omitempty"`
}

// Storage backends.
const (
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// StorageConfig selects where sessions are persisted.
type StorageConfig struct {
	// Backend is one of file, sqlite, redis, postgres, memory.
	Backend string `toml:"backend" json:"backend"`
	// Dir holds one JSON file per chatflow (file backend).
	Dir        string   `toml:"dir" json:"dir"`
	SQLitePath string   `toml:"sqlite_path" json:"sqlite_path"`
	RedisAddr  string   `toml:"redis_addr" json:"redis_addr"`
	RedisTTL   Duration `toml:"redis_ttl" json:"redis_ttl"`
	// DatabaseURL is a postgres connection string.
	DatabaseURL string `toml:"database_url" json:"database_url"`
}

// ProxyConfig configures the "serve" reverse proxy.
type ProxyConfig struct {
	Listen   string `toml:"listen" json:"listen"`
	Upstream string `toml:"upstream" json:"upstream"`
	// APIKey is injected as a bearer token on upstream predictions.
	APIKey        string `toml:"api_key" json:"api_key"`
	RatePerMinute int    `toml:"rate_per_minute" json:"rate_per_minute"`
	Burst         int    `toml:"burst" json:"burst"`
	// Flows maps public identifiers to chatflows and allowed domains.
	Flows map[string]FlowConfig `toml:"flows" json:"flows,omitempty"`
}

// FlowConfig is one proxied chatflow.
type FlowConfig struct {
	ChatflowID string   `toml:"chatflow_id" json:"chatflow_id"`
	Domains    []string `toml:"domains" json:"domains"`
}

// EventsConfig enables publishing session events to NATS.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url" json:"nats_url"`
	NATSToken     string `toml:"nats_token" json:"nats_token"`
	SubjectPrefix string `toml:"subject_prefix" json:"subject_prefix"`
	// StatsDir keeps per-session delivery stats (empty = ~/.chatwidget/stats).
	StatsDir string `toml:"stats_dir" json:"stats_dir"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// File receives logs instead of stderr when set.
	File string `toml:"file" json:"file"`
}

// UIConfig controls the terminal chat.
type UIConfig struct {
	// Sound rings the terminal bell when an answer starts arriving.
	Sound bool `toml:"sound" json:"sound"`
	// Color is "auto", "always" or "never".
	Color string `toml:"color" json:"color"`
	// Markdown renders assistant answers with glamour.
	Markdown bool `toml:"markdown" json:"markdown"`
	// Theme is the glamour style: "auto", "dark", "light", "notty".
	Theme string `toml:"theme" json:"theme"`
	// ShowReasoning prints agent reasoning and used tools.
	ShowReasoning bool `toml:"show_reasoning" json:"show_reasoning"`
}

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as "2s" in TOML and JSON.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Bare numbers are seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalJSON accepts both "2s" and a bare number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Widget: WidgetConfig{
			APIHost:        "http://localhost:3000",
			RequestTimeout: D(60 * time.Second),
		},

		Polling: PollingConfig{
			Interval:     D(2 * time.Second),
			HandoffDelay: D(time.Second),
		},

		Storage: StorageConfig{
			Backend:  StorageFile,
			RedisTTL: D(0), // keep forever
		},

		Proxy: ProxyConfig{
			Listen:        ":3000",
			RatePerMinute: 120,
			Burst:         30,
		},

		Events: EventsConfig{
			SubjectPrefix: "chatwidget",
		},

		Logging: LoggingConfig{
			Level: "info",
		},

		UI: UIConfig{
			Sound:    true,
			Color:    "auto",
			Markdown: true,
			Theme:    "auto",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatwidget configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatwidget"), nil
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

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens config files to 0600; they may hold
// API keys.
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
func Load() (*Config, error) {
	var loadErr error

	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		cfg, err := LoadFromPath(path)
		if err != nil {
			loadErr = err
			break
		}
		return cfg, nil
	}

	cfg := Default()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	// Defaults, with any load error for informational purposes.
	return cfg, loadErr
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file with full
// validation. Files ending in .json are read as JSON, anything else as TOML.
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

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies env overrides, defaults, and validation.
func finish(cfg *Config) error {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# chatwidget configuration file\n")
	buf.WriteString("# Generated by chatwidget - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(buf.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
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

// Validate validates the configuration and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if err := validateURL(c.Widget.APIHost); err != nil {
		add("widget.api_host", err.Error())
	}
	if c.Widget.RequestTimeout.Duration < 0 {
		add("widget.request_timeout", "must not be negative")
	}
	if c.Widget.RequestsPerSecond < 0 {
		add("widget.requests_per_second", "must not be negative")
	}

	if c.Polling.Interval.Duration < 100*time.Millisecond {
		add("polling.interval", "must be at least 100ms")
	}
	if c.Polling.HandoffDelay.Duration < 0 {
		add("polling.handoff_delay", "must not be negative")
	}

	switch c.Storage.Backend {
	case StorageFile, StorageSQLite, StorageMemory:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			add("storage.redis_addr", "required for the redis backend")
		}
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			add("storage.database_url", "required for the postgres backend")
		}
	default:
		add("storage.backend", fmt.Sprintf("unknown backend %q (file, sqlite, redis, postgres, memory)", c.Storage.Backend))
	}
	if c.Storage.RedisTTL.Duration < 0 {
		add("storage.redis_ttl", "must not be negative")
	}

	if c.Proxy.Upstream != "" {
		if err := validateURL(c.Proxy.Upstream); err != nil {
			add("proxy.upstream", err.Error())
		}
	}
	if c.Proxy.RatePerMinute < 0 {
		add("proxy.rate_per_minute", "must not be negative")
	}
	if c.Proxy.Burst < 0 {
		add("proxy.burst", "must not be negative")
	}
	for id, flow := range c.Proxy.Flows {
		field := "proxy.flows." + id
		if flow.ChatflowID == "" {
			add(field+".chatflow_id", "required")
		}
		for _, d := range flow.Domains {
			if strings.Contains(d, "*") {
				add(field+".domains", fmt.Sprintf("wildcard domain %q is not allowed", d))
			}
		}
	}

	if c.Events.NATSURL != "" && !strings.Contains(c.Events.NATSURL, "://") {
		add("events.nats_url", "must be a URL such as nats://localhost:4222")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		add("logging.format", "must be console or json")
	}

	switch c.UI.Color {
	case "auto", "always", "never":
	default:
		add("ui.color", "must be auto, always or never")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// SetDefaults fills zero-value fields from Default.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Widget.APIHost == "" {
		c.Widget.APIHost = defaults.Widget.APIHost
	}
	c.Widget.APIHost = strings.TrimRight(c.Widget.APIHost, "/")
	if c.Widget.RequestTimeout.Duration == 0 {
		c.Widget.RequestTimeout = defaults.Widget.RequestTimeout
	}

	if c.Polling.Interval.Duration == 0 {
		c.Polling.Interval = defaults.Polling.Interval
	}
	if c.Polling.HandoffDelay.Duration == 0 {
		c.Polling.HandoffDelay = defaults.Polling.HandoffDelay
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.SQLitePath == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Storage.SQLitePath = filepath.Join(dir, "sessions.db")
		}
	}

	if c.Proxy.Listen == "" {
		c.Proxy.Listen = defaults.Proxy.Listen
	}
	if c.Proxy.Upstream == "" {
		c.Proxy.Upstream = c.Widget.APIHost
	}
	if c.Proxy.RatePerMinute == 0 {
		c.Proxy.RatePerMinute = defaults.Proxy.RatePerMinute
	}
	if c.Proxy.Burst == 0 {
		c.Proxy.Burst = defaults.Proxy.Burst
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = defaults.Events.SubjectPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.UI.Color == "" {
		c.UI.Color = defaults.UI.Color
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CHATWIDGET_API_HOST: overrides widget.api_host
//   - CHATWIDGET_CHATFLOW_ID: overrides widget.chatflow_id
//   - CHATWIDGET_STORAGE: overrides storage.backend
//   - CHATWIDGET_LOG_LEVEL: overrides logging.level
//   - CHATWIDGET_API_KEY: overrides proxy.api_key
//   - CHATWIDGET_REDIS_ADDR: overrides storage.redis_addr
//   - CHATWIDGET_DATABASE_URL: overrides storage.database_url
//   - CHATWIDGET_NATS_URL: overrides events.nats_url
func (c *Config) ApplyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"CHATWIDGET_API_HOST", &c.Widget.APIHost},
		{"CHATWIDGET_CHATFLOW_ID", &c.Widget.ChatflowID},
		{"CHATWIDGET_STORAGE", &c.Storage.Backend},
		{"CHATWIDGET_LOG_LEVEL", &c.Logging.Level},
		{"CHATWIDGET_API_KEY", &c.Proxy.APIKey},
		{"CHATWIDGET_REDIS_ADDR", &c.Storage.RedisAddr},
		{"CHATWIDGET_DATABASE_URL", &c.Storage.DatabaseURL},
		{"CHATWIDGET_NATS_URL", &c.Events.NATSURL},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "polling.interval").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if d, ok := field.Interface().(Duration); ok {
		return d.String(), nil
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "ui.sound").
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
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct || field.Type() == reflect.TypeOf(Duration{}) {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		if field.Type() == reflect.TypeOf(Duration{}) {
			var d Duration
			if err := d.UnmarshalText([]byte(strVal)); err != nil {
				return err
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
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
			boolVal := strVal == "1" || strings.EqualFold(strVal, "true") || strings.EqualFold(strVal, "yes")
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
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Widget.OverrideConfig != nil {
		clone.Widget.OverrideConfig = make(map[string]any, len(c.Widget.OverrideConfig))
		for k, v := range c.Widget.OverrideConfig {
			clone.Widget.OverrideConfig[k] = v
		}
	}
	if c.Polling.ClosingPhrases != nil {
		clone.Polling.ClosingPhrases = append([]string(nil), c.Polling.ClosingPhrases...)
	}
	if c.Proxy.Flows != nil {
		clone.Proxy.Flows = make(map[string]FlowConfig, len(c.Proxy.Flows))
		for k, f := range c.Proxy.Flows {
			f.Domains = append([]string(nil), f.Domains...)
			clone.Proxy.Flows[k] = f
		}
	}
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Proxy.APIKey != "" {
		safe.Proxy.APIKey = "[REDACTED]"
	}
	if safe.Events.NATSToken != "" {
		safe.Events.NATSToken = "[REDACTED]"
	}
	if safe.Storage.DatabaseURL != "" {
		safe.Storage.DatabaseURL = redactURL(safe.Storage.DatabaseURL)
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
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
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		}
		if cfg == nil {
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
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
