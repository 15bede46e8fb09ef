package reader

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

// Percentiles carries the merged duration quantiles of a set of requests,
// in milliseconds. A window with no requests yields the zero value.
type Percentiles struct {
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// quantileLevels matches the order of percentilesFromSlice.
const quantileLevels = "0.75, 0.9, 0.95, 0.99"

// percentilesFromSlice maps a quantilesMerge result row onto Percentiles.
// Zero-filled buckets come back as empty arrays and map to the zero value;
// any other arity means the query and the struct disagree.
func percentilesFromSlice(values []float64) (Percentiles, error) {
	if len(values) == 0 {
		return Percentiles{}, nil
	}
	if len(values) != 4 {
		return Percentiles{}, fmt.Errorf("reader: expected 4 quantile values, got %d", len(values))
	}
	return Percentiles{P75: values[0], P90: values[1], P95: values[2], P99: values[3]}, nil
}

// GeneralDurationPercentiles merges the duration quantiles of every request
// matching the filter into one set of percentiles.
func (r *Reader) GeneralDurationPercentiles(ctx context.Context, selector TargetSelector, period DateRange, filter Filter) (Percentiles, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return Percentiles{}, err
	}
	where, err := r.conditions("", selector, period, filter)
	if err != nil {
		return Percentiles{}, err
	}
	stmt, err := chsql.Build(
		"SELECT quantilesMerge("+quantileLevels+")(duration_quantiles) AS percentiles FROM ",
		chsql.Raw(tableName("operations", g)),
		" WHERE ", where,
	)
	if err != nil {
		return Percentiles{}, err
	}

	results, err := queryRows(ctx, r, "general-duration-percentiles", stmt, func(rows driver.Rows) ([]Percentiles, error) {
		var values []float64
		if rows.Next() {
			if err := rows.Scan(&values); err != nil {
				return nil, err
			}
		}
		p, err := percentilesFromSlice(values)
		if err != nil {
			return nil, err
		}
		return []Percentiles{p}, nil
	})
	if err != nil {
		return Percentiles{}, err
	}
	return results[0], nil
}

// DurationPercentiles merges duration quantiles per operation hash.
func (r *Reader) DurationPercentiles(ctx context.Context, selector TargetSelector, period DateRange, filter Filter) (map[string]Percentiles, error) {
	g, err := PickGranularity(r.now(), period, nil, nil)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("", selector, period, filter)
	if err != nil {
		return nil, err
	}
	stmt, err := chsql.Build(
		"SELECT hash, quantilesMerge("+quantileLevels+")(duration_quantiles) AS percentiles FROM ",
		chsql.Raw(tableName("operations", g)),
		" WHERE ", where,
		" GROUP BY hash",
	)
	if err != nil {
		return nil, err
	}

	type hashRow struct {
		hash   string
		values Percentiles
	}
	results, err := queryRows(ctx, r, "duration-percentiles", stmt, func(rows driver.Rows) ([]hashRow, error) {
		var out []hashRow
		for rows.Next() {
			var hash string
			var values []float64
			if err := rows.Scan(&hash, &values); err != nil {
				return nil, err
			}
			p, err := percentilesFromSlice(values)
			if err != nil {
				return nil, err
			}
			out = append(out, hashRow{hash: hash, values: p})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]Percentiles, len(results))
	for _, row := range results {
		byHash[row.hash] = row.values
	}
	return byHash, nil
}
