package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Treeow bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Vendor   VendorConfig   `yaml:"vendor"`
	Sync     SyncConfig     `yaml:"sync"`
	Roles    RolesConfig    `yaml:"roles"`
	Command  CommandConfig  `yaml:"command"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VendorConfig contains the Treeow cloud connection settings.
type VendorConfig struct {
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	AppVersion  string `yaml:"app_version"`
	OSVersion   string `yaml:"os_version"`
	PushURL     string `yaml:"push_url"`
	Timeout     int    `yaml:"timeout"`
	ModelTTL    int    `yaml:"model_ttl"`
	Heartbeat   bool   `yaml:"heartbeat"`
	PageSize    int    `yaml:"page_size"`
	VerifyWrite bool   `yaml:"verify_write"`
}

// SyncConfig contains State Synchronizer settings.
type SyncConfig struct {
	DeviceFilter        FilterConfig       `yaml:"device_filter"`
	EntityFilter        EntityFilterConfig `yaml:"entity_filter"`
	PollInterval        int                `yaml:"poll_interval_seconds"`
	AvailabilityTimeout int                `yaml:"availability_timeout_seconds"`
	DiscoveryInterval   int                `yaml:"discovery_interval_seconds"`
	MaxConcurrentReads  int                `yaml:"max_concurrent_reads"`
	HistoryRetention    int                `yaml:"history_retention_days"`
}

// FilterConfig is an include or exclude list.
type FilterConfig struct {
	Mode    string   `yaml:"mode"`
	Targets []string `yaml:"targets"`
}

// EntityFilterConfig selects which controls are exposed.
type EntityFilterConfig struct {
	Kinds   []string                `yaml:"kinds"`
	LoadAll bool                    `yaml:"load_all"`
	Devices map[string]FilterConfig `yaml:"devices"`
}

// RolesConfig names the attributes that form a composite fan.
type RolesConfig struct {
	Power string `yaml:"power"`
	Speed string `yaml:"speed"`
	Mode  string `yaml:"mode"`
}

// CommandConfig bounds command retries.
type CommandConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
	CallTimeout    int `yaml:"call_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled         bool                `yaml:"enabled"`
	Broker          MQTTBrokerConfig    `yaml:"broker"`
	Auth            MQTTAuthConfig      `yaml:"auth"`
	QoS             int                 `yaml:"qos"`
	Reconnect       MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix     string              `yaml:"topic_prefix"`
	DiscoveryPrefix string              `yaml:"discovery_prefix"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	JWTSecret string           `yaml:"jwt_secret"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TREEOW_SECTION_KEY
// For example: TREEOW_VENDOR_TOKEN, TREEOW_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Vendor: VendorConfig{
			BaseURL:     "https://eziotes.treeow.com.cn/api/",
			AppVersion:  "2.5.1",
			OSVersion:   "17.0",
			Timeout:     10,
			ModelTTL:    3600,
			Heartbeat:   true,
			PageSize:    50,
			VerifyWrite: true,
		},
		Sync: SyncConfig{
			DeviceFilter:        FilterConfig{Mode: "exclude"},
			EntityFilter:        EntityFilterConfig{LoadAll: true},
			PollInterval:        30,
			AvailabilityTimeout: 180,
			DiscoveryInterval:   300,
			MaxConcurrentReads:  4,
			HistoryRetention:    30,
		},
		Roles: RolesConfig{
			Power: "power",
			Speed: "fan_speed_enum",
			Mode:  "mode",
		},
		Command: CommandConfig{
			MaxAttempts:    3,
			InitialDelayMS: 500,
			MaxDelayMS:     5000,
			CallTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/treeow.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "treeow-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix:     "treeow",
			DiscoveryPrefix: "homeassistant",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TREEOW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Vendor
	if v := os.Getenv("TREEOW_VENDOR_TOKEN"); v != "" {
		cfg.Vendor.Token = v
	}
	if v := os.Getenv("TREEOW_VENDOR_BASE_URL"); v != "" {
		cfg.Vendor.BaseURL = v
	}

	// Sync
	if v := os.Getenv("TREEOW_SYNC_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PollInterval = n
		}
	}

	// Database
	if v := os.Getenv("TREEOW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TREEOW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TREEOW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TREEOW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TREEOW_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TREEOW_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("TREEOW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Vendor
	if c.Vendor.BaseURL == "" {
		errs = append(errs, "vendor.base_url is required")
	}
	if c.Vendor.Token == "" {
		errs = append(errs, "vendor.token is required (set TREEOW_VENDOR_TOKEN environment variable)")
	}

	// Sync
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, "sync.poll_interval_seconds must be positive")
	}
	if c.Sync.AvailabilityTimeout < 0 {
		errs = append(errs, "sync.availability_timeout_seconds must not be negative")
	}
	if c.Sync.DiscoveryInterval < 0 {
		errs = append(errs, "sync.discovery_interval_seconds must not be negative")
	}
	if !validFilterMode(c.Sync.DeviceFilter.Mode) {
		errs = append(errs, fmt.Sprintf("sync.device_filter.mode %q must be include or exclude", c.Sync.DeviceFilter.Mode))
	}
	for id, f := range c.Sync.EntityFilter.Devices {
		if !validFilterMode(f.Mode) {
			errs = append(errs, fmt.Sprintf("sync.entity_filter.devices.%s.mode %q must be include or exclude", id, f.Mode))
		}
	}
	for _, k := range c.Sync.EntityFilter.Kinds {
		switch k {
		case "switch", "number", "select", "sensor", "fan":
		default:
			errs = append(errs, fmt.Sprintf("sync.entity_filter.kinds: unknown kind %q", k))
		}
	}

	// Roles
	if c.Roles.Power == "" || c.Roles.Speed == "" {
		errs = append(errs, "roles.power and roles.speed are required")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		const minJWTSecretLength = 32
		if c.API.JWTSecret == "" {
			errs = append(errs, "api.jwt_secret is required (set TREEOW_JWT_SECRET environment variable)")
		} else if len(c.API.JWTSecret) < minJWTSecretLength {
			errs = append(errs, "api.jwt_secret must be at least 32 characters")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validFilterMode(mode string) bool {
	return mode == "" || mode == "include" || mode == "exclude"
}

// GetPollInterval returns the poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Sync.PollInterval) * time.Second
}

// GetAvailabilityTimeout returns the availability timeout as a Duration.
// Zero disables the timeout.
func (c *Config) GetAvailabilityTimeout() time.Duration {
	return time.Duration(c.Sync.AvailabilityTimeout) * time.Second
}

// GetDiscoveryInterval returns the discovery interval as a Duration. Zero
// means every poll cycle.
func (c *Config) GetDiscoveryInterval() time.Duration {
	return time.Duration(c.Sync.DiscoveryInterval) * time.Second
}

// GetVendorTimeout returns the per-call vendor timeout as a Duration.
func (c *Config) GetVendorTimeout() time.Duration {
	return time.Duration(c.Vendor.Timeout) * time.Second
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
