package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
	"github.com/nerrad567/walpool/internal/search"
)

// Config is the root configuration structure for walpool.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Search   SearchConfig   `yaml:"search"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig contains SQLite pool settings.
type DatabaseConfig struct {
	Path               string        `yaml:"path"`
	ReaderPoolSize     int           `yaml:"reader_pool_size"`
	CheckoutTimeout    time.Duration `yaml:"checkout_timeout"`
	BusyTimeout        time.Duration `yaml:"busy_timeout"`
	StatementCacheSize int           `yaml:"statement_cache_size"`

	// EraseOnSchemaChange wipes the database when the registered migrations
	// no longer match the applied ones. Development only.
	EraseOnSchemaChange  bool   `yaml:"erase_on_schema_change"`
	SchemaChangeStrategy string `yaml:"schema_change_strategy"`

	// TraceSQL logs every executed statement at debug level.
	TraceSQL bool `yaml:"trace_sql"`
}

// SearchConfig contains full-text index settings.
type SearchConfig struct {
	// Tokenizer is one of simple, unicode61 or unicode61-keep-diacritics.
	Tokenizer string `yaml:"tokenizer"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MQTTConfig contains MQTT broker connection settings for commit notifications.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	QueueSize   int                 `yaml:"queue_size"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
}

// InfluxDBConfig contains InfluxDB connection settings for pool statistics.
type InfluxDBConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	Org            string        `yaml:"org"`
	Bucket         string        `yaml:"bucket"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  int           `yaml:"flush_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
// The endpoint is mounted on the API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
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
// An empty path skips step 2.
//
// Environment variables follow the pattern: WALPOOL_SECTION_KEY
// For example: WALPOOL_DATABASE_PATH, WALPOOL_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:                 "./data/walpool.db",
			ReaderPoolSize:       database.DefaultReaderPoolSize,
			CheckoutTimeout:      database.DefaultCheckoutTimeout,
			BusyTimeout:          database.DefaultBusyTimeout,
			StatementCacheSize:   database.DefaultStatementCacheSize,
			SchemaChangeStrategy: "schema",
		},
		Search: SearchConfig{
			Tokenizer: "unicode61",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "walpool",
			},
			QoS:         1,
			TopicPrefix: "walpool",
			QueueSize:   256,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:         "walpool",
			BatchSize:      100,
			FlushInterval:  10,
			ReportInterval: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WALPOOL_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	// Database
	if v := os.Getenv("WALPOOL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WALPOOL_DATABASE_READER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "WALPOOL_DATABASE_READER_POOL_SIZE must be an integer")
		} else {
			cfg.Database.ReaderPoolSize = n
		}
	}
	if v := os.Getenv("WALPOOL_DATABASE_TRACE_SQL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "WALPOOL_DATABASE_TRACE_SQL must be a boolean")
		} else {
			cfg.Database.TraceSQL = b
		}
	}

	// Search
	if v := os.Getenv("WALPOOL_SEARCH_TOKENIZER"); v != "" {
		cfg.Search.Tokenizer = v
	}

	// API
	if v := os.Getenv("WALPOOL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("WALPOOL_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, "WALPOOL_API_PORT must be an integer")
		} else {
			cfg.API.Port = n
		}
	}

	// MQTT
	if v := os.Getenv("WALPOOL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WALPOOL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WALPOOL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("WALPOOL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Metrics
	if v := os.Getenv("WALPOOL_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, "WALPOOL_METRICS_ENABLED must be a boolean")
		} else {
			cfg.Metrics.Enabled = b
		}
	}

	// Logging
	if v := os.Getenv("WALPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.ReaderPoolSize < 1 {
		errs = append(errs, "database.reader_pool_size must be at least 1")
	}
	if c.Database.CheckoutTimeout < 0 {
		errs = append(errs, "database.checkout_timeout must not be negative")
	}
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, "database.busy_timeout must not be negative")
	}
	if _, err := database.ParseSchemaChangeStrategy(c.Database.SchemaChangeStrategy); err != nil {
		errs = append(errs, "database.schema_change_strategy must be schema, order or names")
	}

	// Search validation
	if _, err := search.ParseTokenizer(c.Search.Tokenizer); err != nil {
		errs = append(errs, "search.tokenizer must be simple, unicode61 or unicode61-keep-diacritics")
	}

	// API validation
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.ReportInterval <= 0 {
			errs = append(errs, "influxdb.report_interval must be positive")
		}
	}

	// Metrics validation
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with / when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Options converts the database section into pool options.
// Hooks, observer and logger are left for the caller to set.
func (d DatabaseConfig) Options() database.Config {
	return database.Config{
		Path:               d.Path,
		ReaderPoolSize:     d.ReaderPoolSize,
		CheckoutTimeout:    d.CheckoutTimeout,
		BusyTimeout:        d.BusyTimeout,
		StatementCacheSize: d.StatementCacheSize,
	}
}

// Strategy returns the parsed schema change strategy.
func (d DatabaseConfig) Strategy() database.SchemaChangeStrategy {
	// Validate has already rejected unknown values.
	s, _ := database.ParseSchemaChangeStrategy(d.SchemaChangeStrategy) //nolint:errcheck // Validated
	return s
}

// NewTokenizer returns the configured search tokenizer.
func (s SearchConfig) NewTokenizer() search.Tokenizer {
	// Validate has already rejected unknown names.
	tok, _ := search.ParseTokenizer(s.Tokenizer) //nolint:errcheck // Validated
	return tok
}
