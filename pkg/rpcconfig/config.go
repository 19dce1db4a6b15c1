// Package rpcconfig implements a layered TOML/YAML/JSON configuration
// loader: it discovers an lsprpc.toml/.yaml/.json file, parses it,
// merges it over defaults, and applies environment overrides. The
// result configures transport defaults and the validation/telemetry
// toggles.
package rpcconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// configFileNames lists candidate config files in discovery order.
var configFileNames = []string{
	"lsprpc.toml",
	"lsprpc.yaml",
	"lsprpc.yml",
	"lsprpc.json",
}

// Format is a config file's serialization.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ErrConfigNotFound is returned by Discover when no config file exists.
var ErrConfigNotFound = errors.New("rpcconfig: no configuration file found")

// Transport holds the defaults the transport constructors consult.
type Transport struct {
	TCPHost             string        `toml:"tcp_host" yaml:"tcp_host" json:"tcp_host"`
	TCPPort             int           `toml:"tcp_port" yaml:"tcp_port" json:"tcp_port"`
	ReadBufferBytes     int           `toml:"read_buffer_bytes" yaml:"read_buffer_bytes" json:"read_buffer_bytes"`
	ReconnectInitial    time.Duration `toml:"reconnect_initial" yaml:"reconnect_initial" json:"reconnect_initial"`
	ReconnectMax        time.Duration `toml:"reconnect_max" yaml:"reconnect_max" json:"reconnect_max"`
	ReconnectMultiplier float64       `toml:"reconnect_multiplier" yaml:"reconnect_multiplier" json:"reconnect_multiplier"`
	ReconnectMaxRetries int           `toml:"reconnect_max_retries" yaml:"reconnect_max_retries" json:"reconnect_max_retries"`
}

// Validation holds pkg/validate's toggles.
type Validation struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	SchemaDir   string   `toml:"schema_dir" yaml:"schema_dir" json:"schema_dir"`
	WatchDir    bool     `toml:"watch_dir" yaml:"watch_dir" json:"watch_dir"`
	ForceOnFor  []string `toml:"force_on_for" yaml:"force_on_for" json:"force_on_for"`
	ForceOffFor []string `toml:"force_off_for" yaml:"force_off_for" json:"force_off_for"`
}

// Telemetry holds pkg/telemetry's toggles.
type Telemetry struct {
	MetricsEnabled bool `toml:"metrics_enabled" yaml:"metrics_enabled" json:"metrics_enabled"`
	TracingEnabled bool `toml:"tracing_enabled" yaml:"tracing_enabled" json:"tracing_enabled"`
}

// Config is the root configuration document.
type Config struct {
	Transport  Transport  `toml:"transport" yaml:"transport" json:"transport"`
	Validation Validation `toml:"validation" yaml:"validation" json:"validation"`
	Telemetry  Telemetry  `toml:"telemetry" yaml:"telemetry" json:"telemetry"`
}

// Default returns the baseline configuration merged config files and env
// overrides are applied on top of.
func Default() *Config {
	return &Config{
		Transport: Transport{
			TCPHost:             "127.0.0.1",
			TCPPort:             7777,
			ReadBufferBytes:     64 * 1024,
			ReconnectInitial:    200 * time.Millisecond,
			ReconnectMax:        30 * time.Second,
			ReconnectMultiplier: 2,
			ReconnectMaxRetries: 0,
		},
		Validation: Validation{
			Enabled:   true,
			SchemaDir: "schemas",
			WatchDir:  false,
		},
		Telemetry: Telemetry{
			MetricsEnabled: false,
			TracingEnabled: false,
		},
	}
}

// Load loads configuration from configPath, or discovers one if
// configPath is empty, merges it over Default, and applies environment
// overrides. When configPath is empty and discovery finds no file, that
// is not an error — it falls back to Default with overrides applied. An
// explicit configPath that cannot be read is an error.
func Load(configPath string) (*Config, error) {
	var err error
	if configPath == "" {
		configPath, err = Discover()
		if err != nil {
			if errors.Is(err, ErrConfigNotFound) {
				cfg := Default()
				applyEnvOverrides(cfg)
				return cfg, nil
			}
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("rpcconfig: read %s: %w", configPath, err)
	}

	parsed, err := parse(data, formatFromPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("rpcconfig: parse %s: %w", configPath, err)
	}

	cfg := merge(Default(), parsed)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Discover searches the current directory for a recognized config file
// name, in the order listed by configFileNames.
func Discover() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("rpcconfig: getwd: %w", err)
	}
	for _, name := range configFileNames {
		path := filepath.Join(cwd, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", ErrConfigNotFound
}

func formatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatTOML
	}
}

func parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}
	return &cfg, nil
}

// merge overlays non-zero fields of override onto base, field by field.
// The boolean toggles (Validation.Enabled/WatchDir, Telemetry.*) are the
// exception: they are always taken from override, so a file that omits
// them turns them off.
func merge(base, override *Config) *Config {
	result := *base

	if override.Transport.TCPHost != "" {
		result.Transport.TCPHost = override.Transport.TCPHost
	}
	if override.Transport.TCPPort != 0 {
		result.Transport.TCPPort = override.Transport.TCPPort
	}
	if override.Transport.ReadBufferBytes != 0 {
		result.Transport.ReadBufferBytes = override.Transport.ReadBufferBytes
	}
	if override.Transport.ReconnectInitial != 0 {
		result.Transport.ReconnectInitial = override.Transport.ReconnectInitial
	}
	if override.Transport.ReconnectMax != 0 {
		result.Transport.ReconnectMax = override.Transport.ReconnectMax
	}
	if override.Transport.ReconnectMultiplier != 0 {
		result.Transport.ReconnectMultiplier = override.Transport.ReconnectMultiplier
	}
	if override.Transport.ReconnectMaxRetries != 0 {
		result.Transport.ReconnectMaxRetries = override.Transport.ReconnectMaxRetries
	}

	if override.Validation.SchemaDir != "" {
		result.Validation.SchemaDir = override.Validation.SchemaDir
	}
	if len(override.Validation.ForceOnFor) > 0 {
		result.Validation.ForceOnFor = override.Validation.ForceOnFor
	}
	if len(override.Validation.ForceOffFor) > 0 {
		result.Validation.ForceOffFor = override.Validation.ForceOffFor
	}
	result.Validation.Enabled = override.Validation.Enabled
	result.Validation.WatchDir = override.Validation.WatchDir

	result.Telemetry.MetricsEnabled = override.Telemetry.MetricsEnabled
	result.Telemetry.TracingEnabled = override.Telemetry.TracingEnabled

	return &result
}

const envPrefix = "LSPRPC_"

// applyEnvOverrides applies LSPRPC_-prefixed environment variables onto
// cfg using a flat key scheme.
func applyEnvOverrides(cfg *Config) {
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, envPrefix) {
			continue
		}
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimPrefix(parts[0], envPrefix))
		value := parts[1]

		switch key {
		case "TCP_HOST":
			cfg.Transport.TCPHost = value
		case "TCP_PORT":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Transport.TCPPort = n
			}
		case "VALIDATION_ENABLED":
			cfg.Validation.Enabled = parseBool(value, cfg.Validation.Enabled)
		case "VALIDATION_SCHEMA_DIR":
			cfg.Validation.SchemaDir = value
		case "TELEMETRY_METRICS_ENABLED":
			cfg.Telemetry.MetricsEnabled = parseBool(value, cfg.Telemetry.MetricsEnabled)
		case "TELEMETRY_TRACING_ENABLED":
			cfg.Telemetry.TracingEnabled = parseBool(value, cfg.Telemetry.TracingEnabled)
		}
	}
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
