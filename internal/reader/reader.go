package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/batch"
	"github.com/kamilkisiela/graphql-hive-sub003/internal/query"
	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

const (
	collectedCacheCapacity = 500
	collectedCacheTTL      = 30 * 24 * time.Hour

	defaultBreakdownLimit = 25
)

// ErrEmptySelector is returned before any store round trip when a selector
// carries no target ids.
var ErrEmptySelector = errors.New("reader: selector must include at least one target")

// Executor runs a built statement and hands the rows to a scan function.
// Satisfied by *query.Client.
type Executor interface {
	Query(ctx context.Context, stmt *chsql.Statement, opts query.QueryOptions, scan query.RowsFunc) (any, error)
}

// TargetSelector identifies whose usage to read. Authorization happens in
// the caller; the engine trusts the selector.
type TargetSelector struct {
	OrganizationID string
	ProjectID      string
	TargetIDs      []string
}

// Filter narrows an operation down to specific operations or clients.
type Filter struct {
	OperationHashes []string
	ClientNames     []string
	// ExtraConditions are appended verbatim to the WHERE conjunction.
	ExtraConditions []*chsql.Statement
}

// RequestCounts is the result of CountRequests.
type RequestCounts struct {
	Total uint64 `json:"total"`
	Ok    uint64 `json:"ok"`
	NotOk uint64 `json:"notOk"`
}

// ClientCount is one row of a per-client breakdown.
type ClientCount struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

// ClientVersionCount is one row of a per-version breakdown.
type ClientVersionCount struct {
	Version string `json:"version"`
	Count   uint64 `json:"count"`
}

// Options configures a Reader.
type Options struct {
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
	// BatchWindow overrides the coalescing window of the batched
	// per-coordinate lookups.
	BatchWindow time.Duration
	// LongArrayCeiling overrides the statement builder's per-batch size
	// budget for long array parameters.
	LongArrayCeiling int
}

// Reader is the façade combining granularity resolution, statement
// building and execution into domain operations. Safe for concurrent use.
type Reader struct {
	exec    Executor
	logger  *slog.Logger
	now     func() time.Time
	builder chsql.Builder

	collected     *boundedCache[string, bool]
	topOperations *batch.Loader[string, coordinateQuery, []OperationStat]
	topClients    *batch.Loader[string, coordinateQuery, []ClientStat]
}

// New builds a Reader on top of an executor.
func New(exec Executor, opts Options) *Reader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Reader{
		exec:      exec,
		logger:    logger,
		now:       now,
		builder:   chsql.Builder{LongArrayCeiling: opts.LongArrayCeiling},
		collected: newBoundedCache[string, bool](collectedCacheCapacity, collectedCacheTTL),
	}
	batchOpts := batch.Options{Window: opts.BatchWindow}
	r.topOperations = batch.NewLoader(coordinateQuery.batchKey, r.loadTopOperations, batchOpts)
	r.topClients = batch.NewLoader(coordinateQuery.batchKey, r.loadTopClients, batchOpts)
	return r
}

// queryRows executes stmt through the deduplicating executor and returns
// scan's typed result.
func queryRows[T any](ctx context.Context, r *Reader, id string, stmt *chsql.Statement, scan func(driver.Rows) ([]T, error)) ([]T, error) {
	v, err := r.exec.Query(ctx, stmt, query.QueryOptions{QueryID: id}, func(rows driver.Rows) (any, error) {
		return scan(rows)
	})
	if err != nil {
		return nil, err
	}
	return v.([]T), nil
}

// conditions builds the shared WHERE conjunction: target list, timestamp
// range, optional hash list (long-array batched), optional client list and
// free-form extra predicates. prefix qualifies column names when the table
// is aliased.
func (r *Reader) conditions(prefix string, selector TargetSelector, period DateRange, filter Filter) (*chsql.Statement, error) {
	if len(selector.TargetIDs) == 0 {
		return nil, ErrEmptySelector
	}

	var members []any

	target, err := r.builder.Build(prefix+"target IN ", chsql.Array(selector.TargetIDs))
	if err != nil {
		return nil, err
	}
	members = append(members, target)

	timeRange, err := r.builder.Build(
		prefix+"timestamp >= toDateTime(", chsql.String(formatDateTime(period.From)), ", 'UTC')",
		" AND "+prefix+"timestamp <= toDateTime(", chsql.String(formatDateTime(period.To)), ", 'UTC')",
	)
	if err != nil {
		return nil, err
	}
	members = append(members, timeRange)

	if len(filter.OperationHashes) > 0 {
		hashes, err := r.builder.Build(prefix+"hash IN ", chsql.LongArray(filter.OperationHashes))
		if err != nil {
			return nil, err
		}
		members = append(members, hashes)
	}

	if len(filter.ClientNames) > 0 {
		clients, err := r.builder.Build(prefix+"client_name IN ", chsql.Array(filter.ClientNames))
		if err != nil {
			return nil, err
		}
		members = append(members, clients)
	}

	for _, extra := range filter.ExtraConditions {
		members = append(members, extra)
	}

	return r.builder.Build(chsql.Join(" AND ", members...))
}

// CountRequests returns total/ok/failed request counts for the period.
func (r *Reader) CountRequests(ctx context.Context, selector TargetSelector, period DateRange, filter Filter) (RequestCounts, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return RequestCounts{}, err
	}
	where, err := r.conditions("", selector, period, filter)
	if err != nil {
		return RequestCounts{}, err
	}
	stmt, err := chsql.Build(
		"SELECT sum(total) AS total, sum(total_ok) AS total_ok FROM ",
		chsql.Raw(tableName("operations", g)),
		" WHERE ", where,
	)
	if err != nil {
		return RequestCounts{}, err
	}

	counts, err := queryRows(ctx, r, "count-requests", stmt, func(rows driver.Rows) ([]RequestCounts, error) {
		var total, ok uint64
		if rows.Next() {
			if err := rows.Scan(&total, &ok); err != nil {
				return nil, err
			}
		}
		return []RequestCounts{{Total: total, Ok: ok, NotOk: total - ok}}, nil
	})
	if err != nil {
		return RequestCounts{}, err
	}
	return counts[0], nil
}

// CountUniqueOperations returns how many distinct operations were seen.
func (r *Reader) CountUniqueOperations(ctx context.Context, selector TargetSelector, period DateRange, filter Filter) (uint64, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return 0, err
	}
	where, err := r.conditions("", selector, period, filter)
	if err != nil {
		return 0, err
	}
	stmt, err := chsql.Build(
		"SELECT uniq(hash) AS unique_operations FROM ",
		chsql.Raw(tableName("operations", g)),
		" WHERE ", where,
	)
	if err != nil {
		return 0, err
	}
	return r.scanSingleCount(ctx, "count-unique-operations", stmt)
}

// CountClientVersions returns how many distinct versions of one client
// reported usage in the period.
func (r *Reader) CountClientVersions(ctx context.Context, selector TargetSelector, period DateRange, clientName string) (uint64, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return 0, err
	}
	where, err := r.conditions("", selector, period, Filter{ClientNames: []string{clientName}})
	if err != nil {
		return 0, err
	}
	stmt, err := chsql.Build(
		"SELECT uniq(client_version) AS versions FROM ",
		chsql.Raw(tableName("clients", g)),
		" WHERE ", where,
	)
	if err != nil {
		return 0, err
	}
	return r.scanSingleCount(ctx, "count-client-versions", stmt)
}

func (r *Reader) scanSingleCount(ctx context.Context, id string, stmt *chsql.Statement) (uint64, error) {
	counts, err := queryRows(ctx, r, id, stmt, func(rows driver.Rows) ([]uint64, error) {
		var count uint64
		if rows.Next() {
			if err := rows.Scan(&count); err != nil {
				return nil, err
			}
		}
		return []uint64{count}, nil
	})
	if err != nil {
		return 0, err
	}
	return counts[0], nil
}

// HasCollectedOperations reports whether a target ever reported usage.
// Positive answers are cached: once a target has collected operations the
// flag never flips back.
func (r *Reader) HasCollectedOperations(ctx context.Context, selector TargetSelector) (bool, error) {
	if len(selector.TargetIDs) == 0 {
		return false, ErrEmptySelector
	}
	key := targetsKey(selector.TargetIDs)
	if collected, ok := r.collected.Get(key); ok && collected {
		return true, nil
	}

	stmt, err := chsql.Build(
		"SELECT 1 FROM operation_collection WHERE target IN ",
		chsql.Array(selector.TargetIDs),
		" LIMIT 1",
	)
	if err != nil {
		return false, err
	}

	results, err := queryRows(ctx, r, "has-collected-operations", stmt, func(rows driver.Rows) ([]bool, error) {
		return []bool{rows.Next()}, nil
	})
	if err != nil {
		return false, err
	}
	if results[0] {
		r.collected.Set(key, true)
	}
	return results[0], nil
}

// ClientBreakdown returns request counts per client name, busiest first.
func (r *Reader) ClientBreakdown(ctx context.Context, selector TargetSelector, period DateRange) ([]ClientCount, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("", selector, period, Filter{})
	if err != nil {
		return nil, err
	}
	stmt, err := chsql.Build(
		"SELECT client_name, sum(total) AS total FROM ",
		chsql.Raw(tableName("clients", g)),
		" WHERE ", where,
		" GROUP BY client_name ORDER BY total DESC",
	)
	if err != nil {
		return nil, err
	}

	return queryRows(ctx, r, "client-breakdown", stmt, func(rows driver.Rows) ([]ClientCount, error) {
		var out []ClientCount
		for rows.Next() {
			var c ClientCount
			if err := rows.Scan(&c.Name, &c.Count); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	})
}

// ClientVersionBreakdown returns request counts per version of one client.
func (r *Reader) ClientVersionBreakdown(ctx context.Context, selector TargetSelector, period DateRange, clientName string, limit int) ([]ClientVersionCount, error) {
	if limit <= 0 {
		limit = defaultBreakdownLimit
	}
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("", selector, period, Filter{ClientNames: []string{clientName}})
	if err != nil {
		return nil, err
	}
	stmt, err := chsql.Build(
		"SELECT client_version, sum(total) AS total FROM ",
		chsql.Raw(tableName("clients", g)),
		" WHERE ", where,
		" GROUP BY client_version ORDER BY total DESC",
		fmt.Sprintf(" LIMIT %d", limit),
	)
	if err != nil {
		return nil, err
	}

	return queryRows(ctx, r, "client-version-breakdown", stmt, func(rows driver.Rows) ([]ClientVersionCount, error) {
		var out []ClientVersionCount
		for rows.Next() {
			var c ClientVersionCount
			if err := rows.Scan(&c.Version, &c.Count); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	})
}
