package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for z2m-ota.
// Values come from defaults, an optional YAML file, environment variables
// and finally command-line flags (see Flags).
type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Zigbee2MQTT Zigbee2MQTTConfig `yaml:"zigbee2mqtt"`
	OTA         OTAConfig         `yaml:"ota"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// StatusTopic receives the retained online/offline payload of this
	// service. The broker publishes "offline" via LWT on unclean disconnect.
	StatusTopic string `yaml:"status_topic"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// Zigbee2MQTTConfig describes the bridge this service talks to.
type Zigbee2MQTTConfig struct {
	// BaseTopic is the zigbee2mqtt base_topic setting.
	BaseTopic string `yaml:"base_topic"`
}

// OTAConfig contains update orchestration settings.
type OTAConfig struct {
	// MaxConcurrent bounds how many devices may transfer firmware at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TimeoutSeconds is the stall threshold: an updating device that reports
	// nothing for this long is treated as failed.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries is how many times a failed attempt is re-queued.
	MaxRetries int `yaml:"max_retries"`

	// DryRun reports what would be updated without sending commands.
	DryRun bool `yaml:"dry_run"`

	// CheckOnStartup publishes an update check for every capable device
	// after the first device list arrives.
	CheckOnStartup bool `yaml:"check_on_startup"`

	// ExitWhenDone stops the service once the device list has been
	// processed and no update is queued or running.
	ExitWhenDone bool `yaml:"exit_when_done"`
}

// Timeout returns the stall threshold as a Duration.
func (o OTAConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DatabaseConfig contains settings for the SQLite attempt history.
// An empty path disables history recording.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays is how long finished attempts are kept. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns RetentionDays as a duration.
func (d DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults); skipped when path is empty
//  3. Environment variables (override file values)
//
// Command-line flags are applied afterwards by the caller through Flags.Apply,
// which re-validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "z2m-ota",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			StatusTopic: "z2m-ota/status",
		},
		Zigbee2MQTT: Zigbee2MQTTConfig{
			BaseTopic: "zigbee2mqtt",
		},
		OTA: OTAConfig{
			MaxConcurrent:  1,
			TimeoutSeconds: 1800,
			MaxRetries:     3,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8088,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:          "./data/z2m-ota.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 90,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Variables follow the pattern Z2MOTA_SECTION_KEY. The unprefixed MQTT_* and
// MAX_CONCURRENT_UPDATES names used by existing container deployments are
// honoured too, with the prefixed form taking precedence.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(dst *string, names ...string) {
		for _, n := range names {
			if v := os.Getenv(n); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, names ...string) {
		for _, n := range names {
			v := os.Getenv(n)
			if v == "" {
				continue
			}
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", n, v))
				return
			}
			*dst = i
			return
		}
	}
	flag := func(dst *bool, name string) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", name, v))
			return
		}
		*dst = b
	}

	// MQTT
	str(&cfg.MQTT.Broker.Host, "Z2MOTA_MQTT_HOST", "MQTT_SERVER")
	num(&cfg.MQTT.Broker.Port, "Z2MOTA_MQTT_PORT", "MQTT_PORT")
	str(&cfg.MQTT.Auth.Username, "Z2MOTA_MQTT_USERNAME", "MQTT_USER")
	str(&cfg.MQTT.Auth.Password, "Z2MOTA_MQTT_PASSWORD", "MQTT_PASSWORD")
	str(&cfg.Zigbee2MQTT.BaseTopic, "Z2MOTA_BASE_TOPIC")

	// OTA
	num(&cfg.OTA.MaxConcurrent, "Z2MOTA_MAX_CONCURRENT", "MAX_CONCURRENT_UPDATES")
	num(&cfg.OTA.TimeoutSeconds, "Z2MOTA_TIMEOUT")
	num(&cfg.OTA.MaxRetries, "Z2MOTA_MAX_RETRIES")
	flag(&cfg.OTA.DryRun, "Z2MOTA_DRY_RUN")

	// Storage and telemetry
	str(&cfg.Database.Path, "Z2MOTA_DATABASE_PATH")
	num(&cfg.Database.RetentionDays, "Z2MOTA_DATABASE_RETENTION_DAYS")
	str(&cfg.InfluxDB.Token, "Z2MOTA_INFLUXDB_TOKEN")

	// Logging
	str(&cfg.Logging.Level, "Z2MOTA_LOG_LEVEL")

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration for errors.
// All problems are reported together so a broken deployment is fixed in one pass.
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Zigbee2MQTT.BaseTopic == "" {
		errs = append(errs, "zigbee2mqtt.base_topic is required")
	} else if strings.ContainsAny(c.Zigbee2MQTT.BaseTopic, "+#") {
		errs = append(errs, "zigbee2mqtt.base_topic must not contain wildcards")
	}

	// OTA validation
	if c.OTA.MaxConcurrent < 1 {
		errs = append(errs, "ota.max_concurrent must be at least 1")
	}
	if c.OTA.TimeoutSeconds <= 0 {
		errs = append(errs, "ota.timeout_seconds must be positive")
	}
	if c.OTA.MaxRetries < 0 {
		errs = append(errs, "ota.max_retries must not be negative")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Database validation
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
