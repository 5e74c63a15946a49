package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration for meshbridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
//
// The per-channel broker profiles live in a separate JSON document
// (Bridge.ConfigFile), reloaded every time the mesh connects.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// BridgeConfig contains settings for the channel bridge core.
type BridgeConfig struct {
	// ConfigFile is the path to the channel bridge document.
	ConfigFile string `yaml:"config_file"`

	// ConnectTimeout bounds each broker session's initial connect (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ShutdownFlushMS is the pause after publishing offline status (milliseconds).
	ShutdownFlushMS int `yaml:"shutdown_flush_ms"`

	// ShutdownTimeout caps how long shutdown waits for all sessions (seconds).
	ShutdownTimeout int `yaml:"shutdown_timeout"`

	Downlink DownlinkConfig `yaml:"downlink"`
}

// DownlinkConfig limits traffic from brokers towards the mesh.
type DownlinkConfig struct {
	// RatePerSecond is the sustained send rate. 0 disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerCooldown is how long the breaker stays open (seconds).
	BreakerCooldown int `yaml:"breaker_cooldown"`

	// SendTimeout bounds one send (seconds).
	SendTimeout int `yaml:"send_timeout"`
}

// GatewayConfig describes how the mesh is reached: a Meshtastic node
// publishing its JSON interface to an MQTT broker.
type GatewayConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`

	// RootTopic is the node's MQTT root topic, e.g. "msh/EU_868".
	RootTopic string `yaml:"root_topic"`

	// NodeID is the gateway node, in "!deadbeef" or numeric form.
	NodeID string `yaml:"node_id"`

	// Region and ModemPreset are reported in logs only.
	Region      string `yaml:"region"`
	ModemPreset string `yaml:"modem_preset"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	CACert   string `yaml:"ca_cert"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings for the event log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HealthConfig contains heartbeat settings.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between heartbeats (seconds).
	Interval int `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MESHBRIDGE_SECTION_KEY
// For example: MESHBRIDGE_DATABASE_PATH, MESHBRIDGE_GATEWAY_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ConfigFile:      "mqtt_config.json",
			ConnectTimeout:  10,
			ShutdownFlushMS: 100,
			ShutdownTimeout: 5,
			Downlink: DownlinkConfig{
				RatePerSecond:   0.5,
				Burst:           3,
				BreakerFailures: 5,
				BreakerCooldown: 30,
				SendTimeout:     10,
			},
		},
		Gateway: GatewayConfig{
			MQTT: MQTTConfig{
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "meshbridge",
				},
				QoS: 1,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: 1,
					MaxDelay:     60,
				},
			},
			RootTopic: "msh/EU_868",
		},
		Database: DatabaseConfig{
			Enabled:     false,
			Path:        "./data/meshbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MESHBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("MESHBRIDGE_BRIDGE_CONFIG_FILE"); v != "" {
		cfg.Bridge.ConfigFile = v
	}

	// Gateway
	if v := os.Getenv("MESHBRIDGE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MESHBRIDGE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MESHBRIDGE_GATEWAY_USERNAME"); v != "" {
		cfg.Gateway.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MESHBRIDGE_GATEWAY_PASSWORD"); v != "" {
		cfg.Gateway.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MESHBRIDGE_GATEWAY_ROOT_TOPIC"); v != "" {
		cfg.Gateway.RootTopic = v
	}
	if v := os.Getenv("MESHBRIDGE_GATEWAY_NODE_ID"); v != "" {
		cfg.Gateway.NodeID = v
	}

	// Database
	if v := os.Getenv("MESHBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Logging
	if v := os.Getenv("MESHBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	// Bridge
	if c.Bridge.ConfigFile == "" {
		errs = append(errs, "bridge.config_file is required")
	}
	if c.Bridge.ConnectTimeout < 1 {
		errs = append(errs, "bridge.connect_timeout must be at least 1 second")
	}
	if c.Bridge.ShutdownFlushMS < 0 {
		errs = append(errs, "bridge.shutdown_flush_ms cannot be negative")
	}
	if c.Bridge.Downlink.RatePerSecond < 0 {
		errs = append(errs, "bridge.downlink.rate_per_second cannot be negative")
	}
	if c.Bridge.Downlink.RatePerSecond > 0 && c.Bridge.Downlink.Burst < 1 {
		errs = append(errs, "bridge.downlink.burst must be at least 1 when rate limiting is enabled")
	}
	if c.Bridge.Downlink.BreakerFailures < 0 {
		errs = append(errs, "bridge.downlink.breaker_failures cannot be negative")
	}

	// Gateway
	if c.Gateway.MQTT.Broker.Host == "" {
		errs = append(errs, "gateway.mqtt.broker.host is required")
	}
	if c.Gateway.MQTT.Broker.Port < 1 || c.Gateway.MQTT.Broker.Port > 65535 {
		errs = append(errs, "gateway.mqtt.broker.port must be between 1 and 65535")
	}
	if c.Gateway.MQTT.QoS < 0 || c.Gateway.MQTT.QoS > 2 {
		errs = append(errs, "gateway.mqtt.qos must be 0, 1, or 2")
	}
	if strings.Trim(c.Gateway.RootTopic, "/") == "" {
		errs = append(errs, "gateway.root_topic is required")
	}
	if c.Gateway.NodeID == "" {
		errs = append(errs, "gateway.node_id is required (set MESHBRIDGE_GATEWAY_NODE_ID environment variable)")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the event log is enabled")
	}

	// Health
	if c.Health.Enabled && c.Health.Interval < 1 {
		errs = append(errs, "health.interval must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the broker connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Bridge.ConnectTimeout) * time.Second
}

// GetShutdownFlush returns the offline publish flush delay as a Duration.
func (c *Config) GetShutdownFlush() time.Duration {
	return time.Duration(c.Bridge.ShutdownFlushMS) * time.Millisecond
}

// GetShutdownTimeout returns the overall shutdown bound as a Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Bridge.ShutdownTimeout) * time.Second
}

// GetHealthInterval returns the heartbeat interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// GetBreakerCooldown returns the downlink breaker cooldown as a Duration.
func (c *Config) GetBreakerCooldown() time.Duration {
	return time.Duration(c.Bridge.Downlink.BreakerCooldown) * time.Second
}

// GetSendTimeout returns the downlink send timeout as a Duration.
func (c *Config) GetSendTimeout() time.Duration {
	return time.Duration(c.Bridge.Downlink.SendTimeout) * time.Second
}
