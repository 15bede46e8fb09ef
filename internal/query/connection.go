package query

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	defaultDialTimeout  = 10 * time.Second
	defaultConnRetries  = 3
	defaultConnBackoff  = 1 * time.Second
)

// ConnectionConfig holds ClickHouse connection parameters. The connection
// pool is the one structurally shared resource of the engine; it is built
// once at process start and injected into the Client.
type ConnectionConfig struct {
	Addr         string
	Database     string
	Username     string
	Password     string
	MaxOpenConns int
	MaxIdleConns int
	DialTimeout  time.Duration
	ConnRetries  int
	TLS          *tls.Config
}

// DefaultConnectionConfig returns a connection config with sensible defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Addr:         "localhost:9000",
		Database:     "default",
		Username:     "default",
		Password:     "",
		MaxOpenConns: defaultMaxOpenConns,
		MaxIdleConns: defaultMaxIdleConns,
		DialTimeout:  defaultDialTimeout,
		ConnRetries:  defaultConnRetries,
		TLS:          nil,
	}
}

// Connect establishes a pooled connection to ClickHouse with retry logic.
// Insert payloads travel LZ4-compressed.
func Connect(ctx context.Context, config *ConnectionConfig) (driver.Conn, error) {
	if config == nil {
		config = DefaultConnectionConfig()
	}

	opts := &clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      config.DialTimeout,
		MaxOpenConns:     config.MaxOpenConns,
		MaxIdleConns:     config.MaxIdleConns,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              config.TLS,
	}

	retries := config.ConnRetries
	if retries <= 0 {
		retries = defaultConnRetries
	}

	var conn driver.Conn
	var err error
	retryDelay := defaultConnBackoff

	for attempt := 1; attempt <= retries; attempt++ {
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
				retryDelay *= 2
			}
		}
	}

	return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", retries, err)
}
