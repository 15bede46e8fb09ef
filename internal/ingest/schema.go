package ingest

import (
	"context"
	"fmt"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/query"
)

const schemaVersion = "1.0.0"

// granularitySpec drives the per-granularity DDL: bucket function, TTL.
type granularitySpec struct {
	name   string
	bucket string
	ttl    string
}

var granularities = []granularitySpec{
	{name: "minutely", bucket: "toStartOfMinute(timestamp)", ttl: "INTERVAL 1 DAY"},
	{name: "hourly", bucket: "toStartOfHour(timestamp)", ttl: "INTERVAL 30 DAY"},
	{name: "daily", bucket: "toStartOfDay(timestamp)", ttl: "INTERVAL 365 DAY"},
}

// InitializeSchema creates the raw tables, the per-granularity aggregation
// tables and the materialized views feeding them. Idempotent.
func InitializeSchema(ctx context.Context, conn query.Conn) error {
	if err := createSchemaVersionTable(ctx, conn); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion, err := getCurrentSchemaVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	if currentVersion != "" && currentVersion != schemaVersion {
		return fmt.Errorf("schema version mismatch: database has %s, code expects %s", currentVersion, schemaVersion)
	}

	ddls := []struct {
		name string
		ddl  string
	}{
		{"operations", operationsTableDDL},
		{"operation_collection", operationCollectionTableDDL},
	}
	for _, g := range granularities {
		ddls = append(ddls,
			struct{ name, ddl string }{"operations_" + g.name, operationsAggTableDDL(g)},
			struct{ name, ddl string }{"coordinates_" + g.name, coordinatesAggTableDDL(g)},
			struct{ name, ddl string }{"clients_" + g.name, clientsAggTableDDL(g)},
			struct{ name, ddl string }{"operations_" + g.name + "_mv", operationsViewDDL(g)},
			struct{ name, ddl string }{"coordinates_" + g.name + "_mv", coordinatesViewDDL(g)},
			struct{ name, ddl string }{"clients_" + g.name + "_mv", clientsViewDDL(g)},
		)
	}

	for _, table := range ddls {
		if err := conn.Exec(ctx, table.ddl); err != nil {
			return fmt.Errorf("creating %s: %w", table.name, err)
		}
	}

	if currentVersion == "" {
		if err := setSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return fmt.Errorf("setting schema version: %w", err)
		}
	}
	return nil
}

func createSchemaVersionTable(ctx context.Context, conn query.Conn) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version String,
			applied_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		ORDER BY applied_at
	`
	return conn.Exec(ctx, ddl)
}

func getCurrentSchemaVersion(ctx context.Context, conn query.Conn) (string, error) {
	rows, err := conn.Query(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var version string
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return "", err
		}
	}
	return version, rows.Err()
}

func setSchemaVersion(ctx context.Context, conn query.Conn, version string) error {
	return conn.Exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", version)
}

const operationsTableDDL = `
CREATE TABLE IF NOT EXISTS operations (
    target String,
    timestamp DateTime('UTC'),
    expires_at DateTime('UTC'),
    hash String,
    ok UInt8,
    duration UInt64,
    client_name String,
    client_version String
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(timestamp)
ORDER BY (target, timestamp, hash)
TTL expires_at
SETTINGS index_granularity = 8192
`

const operationCollectionTableDDL = `
CREATE TABLE IF NOT EXISTS operation_collection (
    target String,
    hash String,
    name String,
    body String,
    operation_kind LowCardinality(String),
    coordinates Array(String),
    total UInt64,
    timestamp DateTime('UTC'),
    expires_at DateTime('UTC')
) ENGINE = ReplacingMergeTree(timestamp)
ORDER BY (target, hash)
TTL expires_at
SETTINGS index_granularity = 8192
`

// aggQuantiles matches the levels of the reader's quantilesMerge calls.
const aggQuantiles = "quantiles(0.75, 0.9, 0.95, 0.99)"

func operationsAggTableDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS operations_%s (
    target String,
    timestamp DateTime('UTC'),
    hash String,
    client_name String,
    client_version String,
    total SimpleAggregateFunction(sum, UInt64),
    total_ok SimpleAggregateFunction(sum, UInt64),
    duration_quantiles AggregateFunction(%s, UInt64)
) ENGINE = AggregatingMergeTree()
ORDER BY (target, timestamp, hash, client_name, client_version)
TTL timestamp + %s
SETTINGS index_granularity = 8192
`, g.name, aggQuantiles, g.ttl)
}

func coordinatesAggTableDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS coordinates_%s (
    target String,
    timestamp DateTime('UTC'),
    coordinate String,
    hash String,
    total SimpleAggregateFunction(sum, UInt64)
) ENGINE = AggregatingMergeTree()
ORDER BY (target, timestamp, coordinate, hash)
TTL timestamp + %s
SETTINGS index_granularity = 8192
`, g.name, g.ttl)
}

func clientsAggTableDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS clients_%s (
    target String,
    timestamp DateTime('UTC'),
    client_name String,
    client_version String,
    hash String,
    total SimpleAggregateFunction(sum, UInt64)
) ENGINE = AggregatingMergeTree()
ORDER BY (target, timestamp, client_name, client_version, hash)
TTL timestamp + %s
SETTINGS index_granularity = 8192
`, g.name, g.ttl)
}

func operationsViewDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE MATERIALIZED VIEW IF NOT EXISTS operations_%s_mv
TO operations_%s AS
SELECT
    target,
    %s AS timestamp,
    hash,
    client_name,
    client_version,
    count() AS total,
    sum(ok) AS total_ok,
    quantilesState(0.75, 0.9, 0.95, 0.99)(duration) AS duration_quantiles
FROM operations
GROUP BY target, timestamp, hash, client_name, client_version
`, g.name, g.name, g.bucket)
}

func coordinatesViewDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE MATERIALIZED VIEW IF NOT EXISTS coordinates_%s_mv
TO coordinates_%s AS
SELECT
    co.target AS target,
    %s AS timestamp,
    coordinate,
    o.hash AS hash,
    count() AS total
FROM operations AS o
INNER JOIN operation_collection AS co ON co.target = o.target AND co.hash = o.hash
ARRAY JOIN co.coordinates AS coordinate
GROUP BY target, timestamp, coordinate, hash
`, g.name, g.name, g.bucket)
}

func clientsViewDDL(g granularitySpec) string {
	return fmt.Sprintf(`
CREATE MATERIALIZED VIEW IF NOT EXISTS clients_%s_mv
TO clients_%s AS
SELECT
    target,
    %s AS timestamp,
    client_name,
    client_version,
    hash,
    count() AS total
FROM operations
GROUP BY target, timestamp, client_name, client_version, hash
`, g.name, g.name, g.bucket)
}
