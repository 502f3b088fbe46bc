// Package config loads the daemon configuration from YAML or JSON files
// with THREADER_* environment overrides and watches it for changes.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config is the complete daemon configuration
type Config struct {
	App      AppConfig      `yaml:"app" json:"app"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Actor    ActorConfig    `yaml:"actor" json:"actor"`
	Network  NetworkConfig  `yaml:"network" json:"network"`
	Delivery DeliveryConfig `yaml:"delivery" json:"delivery"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name, also the root actor name
	Name string `yaml:"name" json:"name"`

	// Semantic version announced in Hello/Welcome packets
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include the source position
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ActorConfig contains actor runtime defaults
type ActorConfig struct {
	// Upper bound of a single multiplexer wait and the idle period
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout"`

	// How often finished children are collected
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`

	// How often statistics are published
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`

	// How long shutdown waits for every actor to finish
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// NetworkConfig contains device configuration
type NetworkConfig struct {
	// Delay between reopen attempts of client devices
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`

	// Size of a single device read
	ReadChunk int `yaml:"read_chunk" json:"read_chunk"`

	// Averaging window of the traffic counters
	TrafficWindow time.Duration `yaml:"traffic_window" json:"traffic_window"`

	TCP      TCPConfig      `yaml:"tcp" json:"tcp"`
	UDP      UDPConfig      `yaml:"udp" json:"udp"`
	Serial   SerialConfig   `yaml:"serial" json:"serial"`
	Listener ListenerConfig `yaml:"listener" json:"listener"`
	Link     LinkConfig     `yaml:"link" json:"link"`
}

// TCPConfig contains the TCP client endpoint
type TCPConfig struct {
	// Remote host to connect to
	Host string `yaml:"host" json:"host"`

	// Remote port, 0 disables the client
	Port int `yaml:"port" json:"port"`
}

// UDPConfig contains the UDP endpoint
type UDPConfig struct {
	// Local port to bind, 0 picks one
	LocalPort int `yaml:"local_port" json:"local_port"`

	// Optional "host:port" all datagrams go to
	Remote string `yaml:"remote" json:"remote"`
}

// SerialConfig contains the serial port settings
type SerialConfig struct {
	// Device path, e.g. /dev/ttyUSB0
	Device string `yaml:"device" json:"device"`

	BaudRate    int  `yaml:"baud_rate" json:"baud_rate"`
	DataBits    int  `yaml:"data_bits" json:"data_bits"`
	Parity      bool `yaml:"parity" json:"parity"`
	TwoStopBits bool `yaml:"two_stop_bits" json:"two_stop_bits"`
}

// ListenerConfig contains the TCP listener settings
type ListenerConfig struct {
	// Listening port, 0 disables the listener
	Port int `yaml:"port" json:"port"`

	// Delay between listen attempts after a failure
	ReopenInterval time.Duration `yaml:"reopen_interval" json:"reopen_interval"`

	// Maximum live connections, 0 is unlimited
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// Allowed peers: addresses, prefixes, ranges, wildcards; "!" denies
	AllowList []string `yaml:"allow_list,omitempty" json:"allow_list,omitempty"`
}

// LinkConfig contains the frames link timing
type LinkConfig struct {
	// Delay before an unacknowledged packet is sent again
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// Connections not authorized in time are dropped, 0 disables
	AuthorizationTimeout time.Duration `yaml:"authorization_timeout" json:"authorization_timeout"`

	// Connections silent for that long are dropped, 0 disables
	AliveTimeout time.Duration `yaml:"alive_timeout" json:"alive_timeout"`
}

// DeliveryConfig contains the reliable delivery settings
type DeliveryConfig struct {
	// Budget of frame records per packet
	MaxPacketSize int `yaml:"max_packet_size" json:"max_packet_size"`

	// Directory of queue snapshots, empty keeps queues in memory
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`
}

// MonitorConfig contains the metrics endpoint settings
type MonitorConfig struct {
	// Enable the HTTP endpoint
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HTTP server address
	Address string `yaml:"address" json:"address"`

	// HTTP server port
	Port int `yaml:"port" json:"port"`

	// Metrics endpoint path
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`

	// Health endpoint path
	HealthPath string `yaml:"health_path" json:"health_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "threader",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Actor: ActorConfig{
			WaitTimeout:     10 * time.Second,
			ReapInterval:    time.Second,
			StatsInterval:   10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			ReconnectInterval: 5 * time.Second,
			ReadChunk:         64 * 1024,
			TrafficWindow:     5 * time.Second,
			TCP: TCPConfig{
				Host: "127.0.0.1",
			},
			Serial: SerialConfig{
				BaudRate: 115200,
				DataBits: 8,
			},
			Listener: ListenerConfig{
				ReopenInterval: 30 * time.Second,
			},
			Link: LinkConfig{
				RetryInterval: 2 * time.Second,
			},
		},
		Delivery: DeliveryConfig{
			MaxPacketSize: 1 << 20,
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			Address:     "0.0.0.0",
			Port:        9090,
			MetricsPath: "/metrics",
			HealthPath:  "/health",
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Network.Listener.AllowList = slices.Clone(c.Network.Listener.AllowList)
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if _, err := semver.NewVersion(c.App.Version); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidVersion, c.App.Version, err)
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	if c.Actor.WaitTimeout <= 0 || c.Actor.ReapInterval <= 0 || c.Actor.StatsInterval <= 0 {
		return ErrInvalidInterval
	}

	n := &c.Network
	if n.ReconnectInterval <= 0 || n.Listener.ReopenInterval <= 0 || n.Link.RetryInterval <= 0 {
		return ErrInvalidInterval
	}
	if n.ReadChunk <= 0 {
		return ErrInvalidReadChunk
	}
	for _, port := range []int{n.TCP.Port, n.UDP.LocalPort, n.Listener.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, port)
		}
	}
	if n.Listener.MaxConnections < 0 {
		return ErrInvalidMaxConnections
	}

	if c.Delivery.MaxPacketSize <= 0 {
		return ErrInvalidPacketSize
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Monitor.Port)
	}
	return nil
}

// SemVer returns the parsed application version.
func (c *Config) SemVer() *semver.Version {
	v, err := semver.NewVersion(c.App.Version)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return v
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
