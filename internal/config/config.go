// Package config loads collector settings from a .env file and the environment
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Environment variable names
const (
	EnvDBPath       = "SENSORHUB_DB_PATH"
	EnvSensorsFile  = "SENSORHUB_SENSORS_FILE"
	EnvPollInterval = "SENSORHUB_POLL_INTERVAL"
	EnvReadTimeout  = "SENSORHUB_READ_TIMEOUT"
	EnvI2CBus       = "SENSORHUB_I2C_BUS"
	EnvRetention    = "SENSORHUB_RETENTION_DAYS"
	EnvLogLevel     = "SENSORHUB_LOG_LEVEL"
	EnvLogFormat    = "SENSORHUB_LOG_FORMAT"
	EnvOpsAddr      = "SENSORHUB_OPS_ADDR"
	// MQTT settings
	EnvMQTTBroker    = "SENSORHUB_MQTT_BROKER"
	EnvMQTTClientID  = "SENSORHUB_MQTT_CLIENT_ID"
	EnvMQTTUsername  = "SENSORHUB_MQTT_USERNAME"
	EnvMQTTPassword  = "SENSORHUB_MQTT_PASSWORD"
	EnvMQTTPrefix    = "SENSORHUB_MQTT_PREFIX"
	EnvMQTTUseTLS    = "SENSORHUB_MQTT_USE_TLS"
	EnvMQTTDiscovery = "SENSORHUB_MQTT_DISCOVERY"
	// InfluxDB settings
	EnvInfluxURL    = "SENSORHUB_INFLUX_URL"
	EnvInfluxToken  = "SENSORHUB_INFLUX_TOKEN"
	EnvInfluxOrg    = "SENSORHUB_INFLUX_ORG"
	EnvInfluxBucket = "SENSORHUB_INFLUX_BUCKET"
)

// Default values
const (
	DefaultDBPath        = "sensorhub.db"
	DefaultSensorsFile   = "sensors.yaml"
	DefaultPollInterval  = 30 * time.Second
	DefaultReadTimeout   = 5 * time.Second
	DefaultI2CBus        = "" // first bus
	DefaultRetentionDays = 30
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultOpsAddr       = "" // disabled
	// MQTT defaults
	DefaultMQTTPrefix    = "sensorhub"
	DefaultMQTTDiscovery = true
)

var allKeys = []string{
	EnvDBPath, EnvSensorsFile, EnvPollInterval, EnvReadTimeout, EnvI2CBus, EnvRetention,
	EnvLogLevel, EnvLogFormat, EnvOpsAddr,
	EnvMQTTBroker, EnvMQTTClientID, EnvMQTTUsername, EnvMQTTPassword, EnvMQTTPrefix, EnvMQTTUseTLS, EnvMQTTDiscovery,
	EnvInfluxURL, EnvInfluxToken, EnvInfluxOrg, EnvInfluxBucket,
}

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool

	dbPath        string
	sensorsFile   string
	pollInterval  time.Duration
	readTimeout   time.Duration
	i2cBus        string
	retentionDays int

	logLevel  string
	logFormat string
	opsAddr   string

	mqttBroker    string
	mqttClientID  string
	mqttUsername  string
	mqttPassword  string
	mqttPrefix    string
	mqttUseTLS    bool
	mqttDiscovery bool

	influxURL    string
	influxToken  string
	influxOrg    string
	influxBucket string
}

// Load loads configuration from the .env file, creating it with defaults when
// it does not exist. Process environment variables override file values and
// are never written back.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg.dirty = true
	}

	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	if err := cfg.applyValues(environ()); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.dbPath = DefaultDBPath
	c.sensorsFile = DefaultSensorsFile
	c.pollInterval = DefaultPollInterval
	c.readTimeout = DefaultReadTimeout
	c.i2cBus = DefaultI2CBus
	c.retentionDays = DefaultRetentionDays
	c.logLevel = DefaultLogLevel
	c.logFormat = DefaultLogFormat
	c.opsAddr = DefaultOpsAddr
	c.mqttBroker = ""
	c.mqttClientID = ""
	c.mqttUsername = ""
	c.mqttPassword = ""
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = false
	c.mqttDiscovery = DefaultMQTTDiscovery
	c.influxURL = ""
	c.influxToken = ""
	c.influxOrg = ""
	c.influxBucket = ""
}

// loadFromFile reads configuration from the .env file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := godotenv.Parse(file)
	if err != nil {
		return err
	}

	return c.applyValues(values)
}

// environ returns the SENSORHUB_* variables set in the process environment
func environ() map[string]string {
	values := make(map[string]string)
	for _, key := range allKeys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return values
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) error {
	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}
	if v, ok := values[EnvSensorsFile]; ok && v != "" {
		c.sensorsFile = v
	}

	if v, ok := values[EnvPollInterval]; ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.pollInterval = d
	}
	if v, ok := values[EnvReadTimeout]; ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReadTimeout, err)
		}
		c.readTimeout = d
	}
	if v, ok := values[EnvRetention]; ok && v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetention, err)
		}
		c.retentionDays = days
	}

	if v, ok := values[EnvI2CBus]; ok {
		c.i2cBus = v
	}
	if v, ok := values[EnvLogLevel]; ok && v != "" {
		c.logLevel = strings.ToLower(v)
	}
	if v, ok := values[EnvLogFormat]; ok && v != "" {
		c.logFormat = strings.ToLower(v)
	}
	if v, ok := values[EnvOpsAddr]; ok {
		c.opsAddr = v
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok {
		c.mqttPrefix = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}
	if v, ok := values[EnvMQTTDiscovery]; ok {
		c.mqttDiscovery = parseBool(v)
	}

	// InfluxDB settings
	if v, ok := values[EnvInfluxURL]; ok {
		c.influxURL = v
	}
	if v, ok := values[EnvInfluxToken]; ok {
		c.influxToken = v
	}
	if v, ok := values[EnvInfluxOrg]; ok {
		c.influxOrg = v
	}
	if v, ok := values[EnvInfluxBucket]; ok {
		c.influxBucket = v
	}
	return nil
}

// parseSeconds accepts a plain number of seconds or a Go duration ("1m30s")
func parseSeconds(v string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.sensorsFile == "" {
		return errors.New("sensors file cannot be empty")
	}

	if c.pollInterval < time.Second {
		return errors.New("poll interval must be at least 1 second")
	}
	if c.readTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.readTimeout >= c.pollInterval {
		return fmt.Errorf("read timeout %v must be shorter than poll interval %v", c.readTimeout, c.pollInterval)
	}
	if c.retentionDays < 0 {
		return errors.New("retention days cannot be negative")
	}

	if _, err := zerolog.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.logLevel)
	}
	if c.logFormat != "json" && c.logFormat != "console" {
		return fmt.Errorf("invalid log format %q (json or console)", c.logFormat)
	}

	if c.opsAddr != "" {
		_, port, err := net.SplitHostPort(c.opsAddr)
		if err != nil {
			return fmt.Errorf("invalid ops address format: %s", c.opsAddr)
		}
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 1 || portNum > 65535 {
			return fmt.Errorf("invalid port number: %s", port)
		}
	}

	if c.mqttBroker != "" && !strings.Contains(c.mqttBroker, "://") {
		return fmt.Errorf("MQTT broker must include a scheme (tcp://, ssl://, ws://): %s", c.mqttBroker)
	}
	if c.influxURL != "" && c.influxBucket == "" {
		return errors.New("influx bucket is required when influx URL is set")
	}

	return nil
}

// Save writes current configuration to the .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := godotenv.Write(values, filePath); err != nil {
		return err
	}
	if err := os.Chmod(filePath, 0o600); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvDBPath:       c.dbPath,
		EnvSensorsFile:  c.sensorsFile,
		EnvPollInterval: strconv.Itoa(int(c.pollInterval.Seconds())),
		EnvReadTimeout:  strconv.Itoa(int(c.readTimeout.Seconds())),
		EnvI2CBus:       c.i2cBus,
		EnvRetention:    strconv.Itoa(c.retentionDays),
		EnvLogLevel:     c.logLevel,
		EnvLogFormat:    c.logFormat,
		EnvOpsAddr:      c.opsAddr,
		// MQTT settings
		EnvMQTTBroker:    c.mqttBroker,
		EnvMQTTClientID:  c.mqttClientID,
		EnvMQTTUsername:  c.mqttUsername,
		EnvMQTTPassword:  c.mqttPassword,
		EnvMQTTPrefix:    c.mqttPrefix,
		EnvMQTTUseTLS:    strconv.FormatBool(c.mqttUseTLS),
		EnvMQTTDiscovery: strconv.FormatBool(c.mqttDiscovery),
		// InfluxDB settings
		EnvInfluxURL:    c.influxURL,
		EnvInfluxToken:  c.influxToken,
		EnvInfluxOrg:    c.influxOrg,
		EnvInfluxBucket: c.influxBucket,
	}
}

// Getters (thread-safe)

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// SensorsFile returns the path to the sensor registry file.
func (c *Config) SensorsFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sensorsFile
}

// PollInterval returns the time between tick starts.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollInterval
}

// ReadTimeout returns the default per-read timeout.
func (c *Config) ReadTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readTimeout
}

// I2CBus returns the default I2C bus name.
func (c *Config) I2CBus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.i2cBus
}

// Retention returns how long readings are kept; 0 keeps them forever.
func (c *Config) Retention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.retentionDays) * 24 * time.Hour
}

func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

func (c *Config) LogFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logFormat
}

// OpsAddr returns the ops listener address, empty when disabled.
func (c *Config) OpsAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opsAddr
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address; empty disables the mirror.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// MQTTDiscovery returns whether Home Assistant discovery configs are published.
func (c *Config) MQTTDiscovery() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttDiscovery
}

// InfluxDB Getters

func (c *Config) InfluxURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxURL
}

func (c *Config) InfluxToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxToken
}

func (c *Config) InfluxOrg() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxOrg
}

func (c *Config) InfluxBucket() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxBucket
}

// Setters (thread-safe, auto-save)

// SetPollInterval sets the poll interval and saves to file.
func (c *Config) SetPollInterval(d time.Duration) error {
	c.mu.Lock()
	prev := c.pollInterval
	c.pollInterval = d
	err := c.validate()
	if err != nil {
		c.pollInterval = prev
	} else {
		c.dirty = true
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return c.Save()
}

// Helper functions

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secret := func(s string) string {
		if s == "" {
			return "[not set]"
		}
		return "[set]"
	}

	return fmt.Sprintf(
		"Config{DBPath: %q, SensorsFile: %q, PollInterval: %v, ReadTimeout: %v, I2CBus: %q, OpsAddr: %q, MQTTBroker: %q, MQTTPassword: %s, InfluxURL: %q, InfluxToken: %s}",
		c.dbPath, c.sensorsFile, c.pollInterval, c.readTimeout, c.i2cBus, c.opsAddr,
		c.mqttBroker, secret(c.mqttPassword), c.influxURL, secret(c.influxToken),
	)
}
