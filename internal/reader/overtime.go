package reader

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kamilkisiela/graphql-hive-sub003/pkg/chsql"
)

// RequestPoint is one bucket of a request-count series.
type RequestPoint struct {
	Date  time.Time `json:"date"`
	Total uint64    `json:"total"`
	Ok    uint64    `json:"ok"`
	NotOk uint64    `json:"notOk"`
}

// FailurePoint is one bucket of a failure-count series.
type FailurePoint struct {
	Date  time.Time `json:"date"`
	Count uint64    `json:"count"`
}

// DurationPoint is one bucket of a duration-percentile series.
type DurationPoint struct {
	Date        time.Time   `json:"date"`
	Percentiles Percentiles `json:"percentiles"`
}

// seriesPlan resolves the bucket width from the requested resolution,
// widens the period outward to whole buckets, and picks the granularity
// that can serve buckets of that width.
func (r *Reader) seriesPlan(period DateRange, resolution int) (DateRange, Interval, Granularity, error) {
	interval, err := resolutionToInterval(period, resolution)
	if err != nil {
		return DateRange{}, Interval{}, "", err
	}
	snapped := snapToBuckets(period, interval)
	g, err := PickGranularity(r.now(), snapped, &interval, nil)
	if err != nil {
		return DateRange{}, Interval{}, "", err
	}
	return snapped, interval, g, nil
}

// seriesSelect wraps an aggregate selection into a gapless bucketed query.
// The store zero-fills missing buckets across the snapped period, so the
// caller always receives a contiguous series.
func seriesSelect(aggregates string, table string, where *chsql.Statement, period DateRange, interval Interval) (*chsql.Statement, error) {
	step := interval.sqlInterval()
	return chsql.Build(
		"SELECT toStartOfInterval(timestamp, "+step+", 'UTC') AS date, ",
		aggregates,
		" FROM ", chsql.Raw(table),
		" WHERE ", where,
		" GROUP BY date ORDER BY date ASC WITH FILL",
		" FROM toDateTime(", chsql.String(formatDateTime(period.From)), ", 'UTC')",
		" TO toDateTime(", chsql.String(formatDateTime(period.To)), ", 'UTC')",
		" STEP "+step,
	)
}

// RequestsOverTime returns a gapless request-count series with roughly
// `resolution` points across the period.
func (r *Reader) RequestsOverTime(ctx context.Context, selector TargetSelector, period DateRange, resolution int, filter Filter) ([]RequestPoint, error) {
	snapped, interval, g, err := r.seriesPlan(period, resolution)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("", selector, snapped, filter)
	if err != nil {
		return nil, err
	}
	stmt, err := seriesSelect(
		"sum(total) AS total, sum(total_ok) AS total_ok",
		tableName("operations", g), where, snapped, interval,
	)
	if err != nil {
		return nil, err
	}

	return queryRows(ctx, r, "requests-over-time", stmt, func(rows driver.Rows) ([]RequestPoint, error) {
		var out []RequestPoint
		for rows.Next() {
			var p RequestPoint
			if err := rows.Scan(&p.Date, &p.Total, &p.Ok); err != nil {
				return nil, err
			}
			p.NotOk = p.Total - p.Ok
			out = append(out, p)
		}
		return out, nil
	})
}

// FailuresOverTime returns a gapless failed-request-count series.
func (r *Reader) FailuresOverTime(ctx context.Context, selector TargetSelector, period DateRange, resolution int, filter Filter) ([]FailurePoint, error) {
	points, err := r.RequestsOverTime(ctx, selector, period, resolution, filter)
	if err != nil {
		return nil, err
	}
	out := make([]FailurePoint, len(points))
	for i, p := range points {
		out[i] = FailurePoint{Date: p.Date, Count: p.NotOk}
	}
	return out, nil
}

// DurationOverTime returns a gapless duration-percentile series. Buckets
// without requests carry zero percentiles.
func (r *Reader) DurationOverTime(ctx context.Context, selector TargetSelector, period DateRange, resolution int, filter Filter) ([]DurationPoint, error) {
	snapped, interval, g, err := r.seriesPlan(period, resolution)
	if err != nil {
		return nil, err
	}
	where, err := r.conditions("", selector, snapped, filter)
	if err != nil {
		return nil, err
	}
	stmt, err := seriesSelect(
		"quantilesMerge("+quantileLevels+")(duration_quantiles) AS percentiles",
		tableName("operations", g), where, snapped, interval,
	)
	if err != nil {
		return nil, err
	}

	return queryRows(ctx, r, "duration-over-time", stmt, func(rows driver.Rows) ([]DurationPoint, error) {
		var out []DurationPoint
		for rows.Next() {
			var date time.Time
			var values []float64
			if err := rows.Scan(&date, &values); err != nil {
				return nil, err
			}
			p, err := percentilesFromSlice(values)
			if err != nil {
				return nil, err
			}
			out = append(out, DurationPoint{Date: date, Percentiles: p})
		}
		return out, nil
	})
}
