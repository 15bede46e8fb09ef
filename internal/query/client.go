// Package query executes built statements against ClickHouse with bounded
// retries, per-attempt query-id rewriting, and at-most-one-in-flight
// deduplication of identical reads.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

const (
	readRetries       = 5
	readBackoffStep   = 250 * time.Millisecond
	insertRetries     = 5
	insertBackoffStep = 500 * time.Millisecond

	defaultQueryTimeout = 30 * time.Second
)

// Conn is the subset of the driver connection the client needs. Satisfied
// by driver.Conn; narrowed so tests can fake the store.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueryStats is handed to the completion hook after every finished
// execution, successful or not.
type QueryStats struct {
	QueryID string
	Elapsed time.Duration
	Err     error
}

// Options configures a Client.
type Options struct {
	Logger *slog.Logger
	// Timeout is the global whole-request ceiling applied when a call
	// does not supply its own. Zero means 30s.
	Timeout time.Duration
	// OnQuery, when set, is invoked after every execution attempt's
	// completion for external metrics.
	OnQuery func(QueryStats)
}

// QueryOptions configures a single read.
type QueryOptions struct {
	// QueryID is the logical query id; the store-visible execution id
	// appends a random suffix and a retry ordinal.
	QueryID string
	// Timeout overrides the client's global ceiling when non-zero.
	Timeout time.Duration
}

// RowsFunc consumes a result set fully and returns a materialized value.
// The value may be shared between deduplicated callers, so it must not
// retain the rows.
type RowsFunc func(rows driver.Rows) (any, error)

// Client executes statements against ClickHouse. Safe for concurrent use.
type Client struct {
	conn    Conn
	logger  *slog.Logger
	timeout time.Duration
	onQuery func(QueryStats)
	flights singleflight.Group

	// retry pacing, overridable in tests
	readBackoff   time.Duration
	insertBackoff time.Duration
}

// NewClient wraps an established connection.
func NewClient(conn Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Client{
		conn:          conn,
		logger:        logger,
		timeout:       timeout,
		onQuery:       opts.OnQuery,
		readBackoff:   readBackoffStep,
		insertBackoff: insertBackoffStep,
	}
}

// Query executes stmt and returns scan's materialized result. Concurrent
// calls with an identical statement (same text and bound values) share one
// store round trip; retries happen inside the shared flight, so waiters
// never observe a retry as a new in-flight query.
func (c *Client) Query(ctx context.Context, stmt *chsql.Statement, opts QueryOptions, scan RowsFunc) (any, error) {
	key := Fingerprint(stmt)
	// An abandoned caller must not cancel the flight under its waiters;
	// the per-attempt timeout below still bounds the request.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.flights.Do(key, func() (any, error) {
		return c.queryWithRetry(flightCtx, stmt, opts, scan)
	})
	return v, err
}

// Rows is a typed convenience over Client.Query.
func Rows[T any](ctx context.Context, c *Client, stmt *chsql.Statement, opts QueryOptions, scan func(driver.Rows) ([]T, error)) ([]T, error) {
	v, err := c.Query(ctx, stmt, opts, func(rows driver.Rows) (any, error) {
		return scan(rows)
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

func (c *Client) queryWithRetry(ctx context.Context, stmt *chsql.Statement, opts QueryOptions, scan RowsFunc) (any, error) {
	suffix := randomSuffix()
	timeout := opts.Timeout
	if timeout <= 0 || timeout > c.timeout {
		timeout = c.timeout
	}

	var lastErr error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.readBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		id := executionID(opts.QueryID, suffix, attempt)
		result, err := c.queryOnce(ctx, stmt, id, timeout, scan)
		if err == nil {
			return result, nil
		}
		lastErr = err

		code, name := classifyError(err)
		c.logger.Warn("query attempt failed",
			"query_id", id,
			"attempt", attempt+1,
			"error_code", code,
			"error_name", name,
			"error", err,
		)
	}
	// The store's message is surfaced to the caller unmodified.
	return nil, lastErr
}

func (c *Client) queryOnce(ctx context.Context, stmt *chsql.Statement, id string, timeout time.Duration, scan RowsFunc) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	qctx := clickhouse.Context(ctx,
		clickhouse.WithQueryID(id),
		clickhouse.WithSettings(clickhouse.Settings{
			"max_execution_time": int(timeout.Seconds()),
		}),
	)

	start := time.Now()
	rows, err := c.conn.Query(qctx, stmt.Text(), namedArgs(stmt)...)
	if err != nil {
		c.finish(id, start, err)
		return nil, err
	}
	defer rows.Close()

	result, err := scan(rows)
	if err == nil {
		err = rows.Err()
	}
	c.finish(id, start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) finish(id string, start time.Time, err error) {
	elapsed := time.Since(start)
	c.logger.Debug("query finished", "query_id", id, "duration_ms", elapsed.Milliseconds(), "error", err)
	if c.onQuery != nil {
		c.onQuery(QueryStats{QueryID: id, Elapsed: elapsed, Err: err})
	}
}

// Insert opens a batch for the given INSERT statement, lets appendRows
// fill it, and sends it, retrying the whole batch on failure. Send waits
// for the store to confirm durability, not just receipt.
func (c *Client) Insert(ctx context.Context, insert string, appendRows func(batch driver.Batch) error) error {
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= insertRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.insertBackoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.insertOnce(ctx, insert, appendRows)
		if err == nil {
			return nil
		}
		lastErr = err

		code, name := classifyError(err)
		c.logger.Warn("insert attempt failed",
			"attempt", attempt+1,
			"error_code", code,
			"error_name", name,
			"error", err,
		)
	}
	return lastErr
}

func (c *Client) insertOnce(ctx context.Context, insert string, appendRows func(batch driver.Batch) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	batch, err := c.conn.PrepareBatch(ctx, insert)
	if err != nil {
		return err
	}
	if err := appendRows(batch); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.conn.Close() }

// executionID combines the logical query id, a per-flight random suffix,
// and the retry ordinal. Rewriting the ordinal on every attempt keeps the
// store from rejecting a legitimate retry as a duplicate in-flight query.
func executionID(logical, suffix string, attempt int) string {
	if logical == "" {
		logical = "query"
	}
	return fmt.Sprintf("%s-%s-r%d", logical, suffix, attempt)
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

// Fingerprint derives a content hash from the statement text and its bound
// values. Statements differing in any bound value hash differently.
func Fingerprint(stmt *chsql.Statement) string {
	h := sha256.New()
	h.Write([]byte(stmt.Text()))
	params := stmt.QueryParams()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		switch v := params[name].(type) {
		case string:
			h.Write([]byte(v))
		case []string:
			h.Write([]byte(strings.Join(v, "\x00")))
		default:
			fmt.Fprintf(h, "%v", v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func namedArgs(stmt *chsql.Statement) []any {
	params := stmt.QueryParams()
	args := make([]any, 0, len(params))
	for name, v := range params {
		args = append(args, clickhouse.Named(name, v))
	}
	return args
}

// classifyError extracts the store's error code and name when the error is
// a ClickHouse exception.
func classifyError(err error) (int32, string) {
	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		return exc.Code, exc.Name
	}
	return 0, ""
}
