// Package config loads the server configuration from an optional YAML
// file and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig configures the ClickHouse connection.
type StoreConfig struct {
	Addr         string        `yaml:"addr"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ConnRetries  int           `yaml:"conn_retries"`
}

// QueryConfig configures statement building and execution.
type QueryConfig struct {
	// Timeout is the global whole-request ceiling.
	Timeout time.Duration `yaml:"timeout"`
	// LongArrayCeiling bounds the rendered size of one array parameter
	// batch.
	LongArrayCeiling int `yaml:"long_array_ceiling"`
}

// IngestConfig configures the bulk writer.
type IngestConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig configures the REST surface.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full server configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Query  QueryConfig  `yaml:"query"`
	Ingest IngestConfig `yaml:"ingest"`
	API    APIConfig    `yaml:"api"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Addr:         "localhost:9000",
			Database:     "default",
			Username:     "default",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			DialTimeout:  10 * time.Second,
			ConnRetries:  3,
		},
		Query: QueryConfig{
			Timeout:          30 * time.Second,
			LongArrayCeiling: 10_000,
		},
		Ingest: IngestConfig{
			BatchSize:     1000,
			FlushInterval: 5 * time.Second,
		},
		API: APIConfig{
			Addr: "0.0.0.0:8080",
		},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults and
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store.Addr = getEnv("CLICKHOUSE_ADDR", c.Store.Addr)
	c.Store.Database = getEnv("CLICKHOUSE_DATABASE", c.Store.Database)
	c.Store.Username = getEnv("CLICKHOUSE_USERNAME", c.Store.Username)
	c.Store.Password = getEnv("CLICKHOUSE_PASSWORD", c.Store.Password)
	c.Store.MaxOpenConns = getEnvInt("CLICKHOUSE_MAX_OPEN_CONNS", c.Store.MaxOpenConns)
	c.Store.MaxIdleConns = getEnvInt("CLICKHOUSE_MAX_IDLE_CONNS", c.Store.MaxIdleConns)

	c.Query.Timeout = getEnvDuration("QUERY_TIMEOUT", c.Query.Timeout)
	c.Query.LongArrayCeiling = getEnvInt("QUERY_LONG_ARRAY_CEILING", c.Query.LongArrayCeiling)

	c.Ingest.BatchSize = getEnvInt("INGEST_BATCH_SIZE", c.Ingest.BatchSize)
	c.Ingest.FlushInterval = getEnvDuration("INGEST_FLUSH_INTERVAL", c.Ingest.FlushInterval)

	c.API.Addr = getEnv("API_ADDR", c.API.Addr)
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default
// fallback.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
