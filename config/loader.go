package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "THREADER"

// FormatOf returns the format of filename by extension.
func FormatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Loader handles configuration loading from files and the environment
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration, never modified
	defaults *Config

	// getenv is os.Getenv outside tests
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/threader"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".threader"))
	}
	return &Loader{
		searchPaths: paths,
		envPrefix:   DefaultEnvPrefix,
		defaults:    DefaultConfig(),
		getenv:      os.Getenv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration files are layered on
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaults = config
	return l
}

// Load reads filename, or only the defaults when it is empty, applies
// the environment and validates the result.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults.Clone())
	}
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	config, err := l.parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}
	config, err := l.parse(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad loads the first configuration file found in the search
// paths, falling back to the defaults.
func (l *Loader) AutoLoad() (*Config, string, error) {
	file, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		config, err := l.Load("")
		return config, "", err
	}
	config, err := l.Load(file)
	return config, file, err
}

func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"threader.yaml", "threader.yml", "threader.json",
		"config.yaml", "config.yml", "config.json",
	}
	for _, dir := range l.searchPaths {
		for _, name := range filenames {
			path := filepath.Join(dir, name)
			if st, err := os.Stat(path); err == nil && !st.IsDir() {
				return path, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

// parse decodes data over a copy of the defaults, so absent keys keep
// their default values.
func (l *Loader) parse(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults.Clone()

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrConfigParseError, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return config, nil
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// envVar binds one environment variable, named without the prefix, to a
// config field.
type envVar struct {
	name  string
	apply func(c *Config, val string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*dst(c) = val
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"APP_NAME", str(func(c *Config) *string { return &c.App.Name })},
	{"APP_VERSION", str(func(c *Config) *string { return &c.App.Version })},
	{"APP_ENVIRONMENT", func(c *Config, val string) error {
		c.App.Environment = Environment(val)
		return nil
	}},
	{"APP_DEBUG", boolean(func(c *Config) *bool { return &c.App.Debug })},

	{"LOG_LEVEL", func(c *Config, val string) error {
		c.Log.Level = LogLevel(strings.ToLower(val))
		return nil
	}},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_OUTPUT", str(func(c *Config) *string { return &c.Log.Output })},

	{"ACTOR_WAIT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Actor.WaitTimeout })},
	{"ACTOR_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Actor.ShutdownTimeout })},

	{"NETWORK_RECONNECT_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Network.ReconnectInterval })},
	{"NETWORK_TCP_HOST", str(func(c *Config) *string { return &c.Network.TCP.Host })},
	{"NETWORK_TCP_PORT", integer(func(c *Config) *int { return &c.Network.TCP.Port })},
	{"NETWORK_UDP_LOCAL_PORT", integer(func(c *Config) *int { return &c.Network.UDP.LocalPort })},
	{"NETWORK_UDP_REMOTE", str(func(c *Config) *string { return &c.Network.UDP.Remote })},
	{"NETWORK_SERIAL_DEVICE", str(func(c *Config) *string { return &c.Network.Serial.Device })},
	{"NETWORK_SERIAL_BAUD_RATE", integer(func(c *Config) *int { return &c.Network.Serial.BaudRate })},
	{"NETWORK_LISTENER_PORT", integer(func(c *Config) *int { return &c.Network.Listener.Port })},
	{"NETWORK_LISTENER_ALLOW_LIST", func(c *Config, val string) error {
		c.Network.Listener.AllowList = strings.Split(val, ",")
		return nil
	}},
	{"NETWORK_LINK_RETRY_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Network.Link.RetryInterval })},

	{"DELIVERY_MAX_PACKET_SIZE", integer(func(c *Config) *int { return &c.Delivery.MaxPacketSize })},
	{"DELIVERY_SNAPSHOT_DIR", str(func(c *Config) *string { return &c.Delivery.SnapshotDir })},

	{"MONITOR_ENABLED", boolean(func(c *Config) *bool { return &c.Monitor.Enabled })},
	{"MONITOR_PORT", integer(func(c *Config) *int { return &c.Monitor.Port })},
}

// applyEnv overrides config from PREFIX_* variables.
func (l *Loader) applyEnv(config *Config) error {
	for _, v := range envVars {
		key := l.envPrefix + "_" + v.name
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := v.apply(config, val); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrEnvironmentVarError, key, val, err)
		}
	}
	return nil
}
