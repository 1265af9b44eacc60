package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. TOPLEVELWATCH_SERVER_PORT.
const EnvPrefix = "TOPLEVELWATCH"

// Config represents the application configuration
type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty   bool              `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Wayland     WaylandConfig     `json:"wayland" yaml:"wayland" mapstructure:"wayland"`
	Server      ServerConfig      `json:"server" yaml:"server" mapstructure:"server"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics" mapstructure:"diagnostics"`
	Launch      LaunchConfig      `json:"launch" yaml:"launch" mapstructure:"launch"`
}

// WaylandConfig selects the compositor socket. Empty values fall back to
// WAYLAND_DISPLAY and XDG_RUNTIME_DIR.
type WaylandConfig struct {
	Display    string `json:"display" yaml:"display" mapstructure:"display"`
	RuntimeDir string `json:"runtime_dir" yaml:"runtime_dir" mapstructure:"runtime_dir"`
}

type ServerConfig struct {
	Port int `json:"port" yaml:"port" mapstructure:"port"`
}

// DiagnosticsConfig sizes the diagnostic stream.
type DiagnosticsConfig struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer    int  `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
	RawEvents bool `json:"raw_events" yaml:"raw_events" mapstructure:"raw_events"`
}

// LaunchConfig toggles the session bus launch monitor.
type LaunchConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

var defaults = map[string]any{
	"log_level":              "info",
	"log_pretty":             true,
	"wayland.display":        "",
	"wayland.runtime_dir":    "",
	"server.port":            8080,
	"diagnostics.buffer":     256,
	"diagnostics.raw_events": false,
	"launch.enabled":         true,
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// ErrUnknownKey is returned for keys outside the configuration schema.
var ErrUnknownKey = errors.New("unknown configuration key")

// Keys lists every configuration key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	// persisted holds values changed through Set; env and flag overrides
	// are never written back.
	persisted map[string]any
	overrides map[string]bool
	mu        sync.RWMutex
}

// NewManager loads configFile, or $HOME/.config/toplevelwatch/config.yaml when
// empty, creating it with defaults if it does not exist.
func NewManager(configFile string) (*Manager, error) {
	configPath := configFile
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, ".config", "toplevelwatch", "config.yaml")
	}

	m := &Manager{
		configPath: configPath,
		v:          newViper(configPath),
		persisted:  make(map[string]any),
		overrides:  make(map[string]bool),
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		logger.WithComponent("config").Info().
			Str("path", configPath).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if err := m.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := m.decode(m.v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Str("log_level", cfg.LogLevel).
		Int("port", cfg.Server.Port).
		Msg("Config loaded")
	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func (m *Manager) decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Get returns the effective configuration: defaults, then the file, then
// environment and overrides.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, err := m.decode(m.v)
	if err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Falling back to defaults")
		cfg, _ = m.decode(newViper(m.configPath))
	}
	return cfg
}

// Set parses value for key, applies it and persists it on the next Save.
func (m *Manager) Set(key, value string) error {
	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.v.Set(key, parsed)
	m.persisted[key] = parsed
	m.mu.Unlock()
	return nil
}

// Override applies a value for this process only, as a command-line flag does.
func (m *Manager) Override(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.Set(key, value)
	m.overrides[key] = true
}

// Source names the layer an effective value comes from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Setting is the effective value of one key.
type Setting struct {
	Key    string `json:"key" yaml:"key"`
	Value  any    `json:"value" yaml:"value"`
	Source Source `json:"source" yaml:"source"`
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Lookup returns the effective value of key and where it was set. Keys
// outside the schema return ErrUnknownKey.
func (m *Manager) Lookup(key string) (Setting, error) {
	def, ok := defaults[key]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Setting{Key: key, Value: m.v.Get(key), Source: SourceDefault}
	_, persisted := m.persisted[key]
	_, inEnv := os.LookupEnv(EnvVar(key))
	switch {
	case m.overrides[key]:
		s.Source = SourceFlag
	case persisted:
		s.Source = SourceFile
	case inEnv:
		s.Source = SourceEnv
	case m.v.InConfig(key) && fmt.Sprint(s.Value) != fmt.Sprint(def):
		s.Source = SourceFile
	}
	return s, nil
}

// Settings returns Lookup for every key in Keys order.
func (m *Manager) Settings() []Setting {
	keys := Keys()
	out := make([]Setting, 0, len(keys))
	for _, k := range keys {
		s, _ := m.Lookup(k)
		out = append(out, s)
	}
	return out
}

func parseValue(key, value string) (any, error) {
	def, ok := defaults[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	switch def.(type) {
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %s", key, value)
		}
		return n, nil
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean for %s: %s (use: true or false)", key, value)
		}
		return b, nil
	}
	if key == "log_level" && !validLevels[value] {
		return nil, fmt.Errorf("invalid log level: %s (use: trace, debug, info, warn, error)", value)
	}
	return value, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Diagnostics.Buffer < 1 {
		return fmt.Errorf("diagnostics buffer must be positive, got %d", c.Diagnostics.Buffer)
	}
	return nil
}

// Save writes defaults, the current file contents and values changed through
// Set to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	file := viper.New()
	for k, val := range defaults {
		file.SetDefault(k, val)
	}
	if _, err := os.Stat(m.configPath); err == nil {
		file.SetConfigFile(m.configPath)
		file.SetConfigType("yaml")
		if err := file.ReadInConfig(); err != nil {
			m.mu.RUnlock()
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	for k, val := range m.persisted {
		file.Set(k, val)
	}
	m.mu.RUnlock()

	cfg, err := m.decode(file)
	if err != nil {
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
