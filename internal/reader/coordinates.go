package reader

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

// OperationStat is one operation touching a schema coordinate.
type OperationStat struct {
	Hash  string `json:"hash"`
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

// ClientStat is one client touching a schema coordinate.
type ClientStat struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

// coordinateQuery is one per-coordinate lookup. Lookups sharing the same
// selector, period and limit are coalesced into a single store query.
type coordinateQuery struct {
	Selector   TargetSelector
	Period     DateRange
	Coordinate string
	Limit      int
}

func (q coordinateQuery) batchKey() string {
	return fmt.Sprintf("%s|%d|%d|%d",
		targetsKey(q.Selector.TargetIDs),
		q.Period.From.Unix(),
		q.Period.To.Unix(),
		q.Limit,
	)
}

// TopOperationsForCoordinate returns the busiest operations selecting a
// schema coordinate. Concurrent calls for sibling coordinates under the
// same selector and period are answered by one query.
func (r *Reader) TopOperationsForCoordinate(ctx context.Context, selector TargetSelector, period DateRange, coordinate string, limit int) ([]OperationStat, error) {
	if len(selector.TargetIDs) == 0 {
		return nil, ErrEmptySelector
	}
	if limit <= 0 {
		limit = defaultBreakdownLimit
	}
	return r.topOperations.Load(ctx, coordinateQuery{
		Selector:   selector,
		Period:     period,
		Coordinate: coordinate,
		Limit:      limit,
	})
}

// TopClientsForCoordinate returns the busiest clients whose operations
// select a schema coordinate. Batched the same way as
// TopOperationsForCoordinate.
func (r *Reader) TopClientsForCoordinate(ctx context.Context, selector TargetSelector, period DateRange, coordinate string, limit int) ([]ClientStat, error) {
	if len(selector.TargetIDs) == 0 {
		return nil, ErrEmptySelector
	}
	if limit <= 0 {
		limit = defaultBreakdownLimit
	}
	return r.topClients.Load(ctx, coordinateQuery{
		Selector:   selector,
		Period:     period,
		Coordinate: coordinate,
		Limit:      limit,
	})
}

// uniqueCoordinates preserves first-seen order.
func uniqueCoordinates(args []coordinateQuery) []string {
	seen := make(map[string]struct{}, len(args))
	var out []string
	for _, a := range args {
		if _, ok := seen[a.Coordinate]; ok {
			continue
		}
		seen[a.Coordinate] = struct{}{}
		out = append(out, a.Coordinate)
	}
	return out
}

func (r *Reader) loadTopOperations(ctx context.Context, key string, args []coordinateQuery) ([][]OperationStat, error) {
	shared := args[0]
	g, err := PickGranularity(r.now(), shared.Period, nil, nil)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("c.", shared.Selector, shared.Period, Filter{})
	if err != nil {
		return nil, err
	}
	stmt, err := chsql.Build(
		"SELECT c.coordinate, c.hash, any(o.name) AS name, sum(c.total) AS total",
		" FROM ", chsql.Raw(tableName("coordinates", g)), " AS c",
		" LEFT JOIN operation_collection AS o ON o.target = c.target AND o.hash = c.hash",
		" WHERE ", where,
		" AND c.coordinate IN ", chsql.Array(uniqueCoordinates(args)),
		" GROUP BY c.coordinate, c.hash",
		" ORDER BY total DESC",
		fmt.Sprintf(" LIMIT %d BY c.coordinate", shared.Limit),
	)
	if err != nil {
		return nil, err
	}

	type opRow struct {
		coordinate string
		stat       OperationStat
	}
	rows, err := queryRows(ctx, r, "top-operations-for-coordinate", stmt, func(rows driver.Rows) ([]opRow, error) {
		var out []opRow
		for rows.Next() {
			var row opRow
			if err := rows.Scan(&row.coordinate, &row.stat.Hash, &row.stat.Name, &row.stat.Count); err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	byCoordinate := make(map[string][]OperationStat)
	for _, row := range rows {
		byCoordinate[row.coordinate] = append(byCoordinate[row.coordinate], row.stat)
	}
	results := make([][]OperationStat, len(args))
	for i, a := range args {
		results[i] = byCoordinate[a.Coordinate]
	}
	return results, nil
}

func (r *Reader) loadTopClients(ctx context.Context, key string, args []coordinateQuery) ([][]ClientStat, error) {
	shared := args[0]
	g, err := PickGranularity(r.now(), shared.Period, nil, nil)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("c.", shared.Selector, shared.Period, Filter{})
	if err != nil {
		return nil, err
	}

	// The clients tables carry no coordinate column; the hashes touching
	// each coordinate come from a spliced subquery against the coordinates
	// table for the same period.
	coordWhere, err := r.conditions("", shared.Selector, shared.Period, Filter{})
	if err != nil {
		return nil, err
	}
	hashesByCoordinate, err := chsql.Build(
		"SELECT DISTINCT target, coordinate, hash FROM ",
		chsql.Raw(tableName("coordinates", g)),
		" WHERE ", coordWhere,
		" AND coordinate IN ", chsql.Array(uniqueCoordinates(args)),
	)
	if err != nil {
		return nil, err
	}

	stmt, err := chsql.Build(
		"SELECT co.coordinate, c.client_name, sum(c.total) AS total",
		" FROM ", chsql.Raw(tableName("clients", g)), " AS c",
		" INNER JOIN (", hashesByCoordinate, ") AS co ON co.target = c.target AND co.hash = c.hash",
		" WHERE ", where,
		" GROUP BY co.coordinate, c.client_name",
		" ORDER BY total DESC",
		fmt.Sprintf(" LIMIT %d BY co.coordinate", shared.Limit),
	)
	if err != nil {
		return nil, err
	}

	type clientRow struct {
		coordinate string
		stat       ClientStat
	}
	rows, err := queryRows(ctx, r, "top-clients-for-coordinate", stmt, func(rows driver.Rows) ([]clientRow, error) {
		var out []clientRow
		for rows.Next() {
			var row clientRow
			if err := rows.Scan(&row.coordinate, &row.stat.Name, &row.stat.Count); err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	byCoordinate := make(map[string][]ClientStat)
	for _, row := range rows {
		byCoordinate[row.coordinate] = append(byCoordinate[row.coordinate], row.stat)
	}
	results := make([][]ClientStat, len(args))
	for i, a := range args {
		results[i] = byCoordinate[a.Coordinate]
	}
	return results, nil
}
