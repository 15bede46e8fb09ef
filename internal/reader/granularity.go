// Package reader turns logical usage-analytics requests into ClickHouse
// queries and reshapes the rows into typed aggregates. It picks among
// three precomputed aggregation granularities, builds filtered statements
// with pkg/chsql, and executes them through internal/query.
package reader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity identifies one of the precomputed aggregation tables.
type Granularity string

const (
	GranularityDaily    Granularity = "daily"
	GranularityHourly   Granularity = "hourly"
	GranularityMinutely Granularity = "minutely"
)

// Retention horizons of the precomputed tables.
const (
	dailyRetention    = 8760 * time.Hour // 365 days
	hourlyRetention   = 720 * time.Hour  // 30 days
	minutelyRetention = 24 * time.Hour
)

// safetyBuffer tolerates client-side rounding and request-latency skew at
// the retention edge.
const safetyBuffer = 2 * time.Minute

var (
	// ErrRangeTooOld means the requested period predates every retained
	// aggregation table.
	ErrRangeTooOld = errors.New("reader: period is older than any retained aggregation")

	// ErrUnresolvable means the period/interval/precision combination
	// cannot be satisfied by any granularity.
	ErrUnresolvable = errors.New("reader: period, interval and precision cannot be resolved to a granularity")
)

// DateRange is a half-open-inclusive period at second granularity.
// From <= To is the caller's responsibility.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (g Granularity) retention() time.Duration {
	switch g {
	case GranularityDaily:
		return dailyRetention
	case GranularityHourly:
		return hourlyRetention
	case GranularityMinutely:
		return minutelyRetention
	}
	return 0
}

// floor truncates t to the granularity's natural boundary in UTC.
func (g Granularity) floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityHourly:
		return t.Truncate(time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

// oldestPoint is the oldest timestamp this granularity can still answer
// for, given the current time.
func (g Granularity) oldestPoint(now time.Time) time.Time {
	return g.floor(now.Add(-g.retention())).Add(-safetyBuffer)
}

// IntervalUnit is the unit of a caller-requested bucket width.
type IntervalUnit string

const (
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
)

// Interval is a normalized bucket width: the pair always uses the largest
// unit that divides the width evenly, so 1440 minutes becomes 1 day.
type Interval struct {
	Value int
	Unit  IntervalUnit
}

// ParseInterval parses strings like "30m", "24h" or "7d" and normalizes
// the result.
func ParseInterval(s string) (Interval, error) {
	if len(s) < 2 {
		return Interval{}, fmt.Errorf("reader: malformed interval %q", s)
	}
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || value <= 0 {
		return Interval{}, fmt.Errorf("reader: malformed interval %q", s)
	}
	var unit IntervalUnit
	switch s[len(s)-1] {
	case 'm':
		unit = UnitMinute
	case 'h':
		unit = UnitHour
	case 'd':
		unit = UnitDay
	default:
		return Interval{}, fmt.Errorf("reader: malformed interval unit in %q", s)
	}
	return Interval{Value: value, Unit: unit}.normalize(), nil
}

func (i Interval) normalize() Interval {
	if i.Unit == UnitMinute && i.Value%60 == 0 {
		i = Interval{Value: i.Value / 60, Unit: UnitHour}
	}
	if i.Unit == UnitHour && i.Value%24 == 0 {
		i = Interval{Value: i.Value / 24, Unit: UnitDay}
	}
	return i
}

// Duration returns the bucket width as a time.Duration.
func (i Interval) Duration() time.Duration {
	switch i.Unit {
	case UnitDay:
		return time.Duration(i.Value) * 24 * time.Hour
	case UnitHour:
		return time.Duration(i.Value) * time.Hour
	default:
		return time.Duration(i.Value) * time.Minute
	}
}

// Seconds returns the bucket width in whole seconds, for group-by-bucket
// queries.
func (i Interval) Seconds() int {
	return int(i.Duration() / time.Second)
}

// sqlInterval renders the width as a ClickHouse INTERVAL expression.
func (i Interval) sqlInterval() string {
	return fmt.Sprintf("INTERVAL %d %s", i.Value, i.Unit)
}

func (i Interval) String() string {
	switch i.Unit {
	case UnitDay:
		return strconv.Itoa(i.Value) + "d"
	case UnitHour:
		return strconv.Itoa(i.Value) + "h"
	default:
		return strconv.Itoa(i.Value) + "m"
	}
}

// PickGranularity selects the aggregation table for a period. Candidates
// are restricted by the interval unit (a bucket can only be built from an
// equal or finer table) and by an explicit precision hint, then filtered
// by retention: a granularity is eligible only when its oldest retained
// point is not after either end of the period. Among eligible candidates
// the finest one wins; selection therefore coarsens monotonically as the
// period moves into the past.
func PickGranularity(now time.Time, period DateRange, interval *Interval, precision *Granularity) (Granularity, error) {
	dailyOldest := GranularityDaily.oldestPoint(now)
	if !period.From.After(dailyOldest) || !period.To.After(dailyOldest) {
		return "", fmt.Errorf("%w: period starts %s, oldest retained point is %s",
			ErrRangeTooOld,
			period.From.UTC().Format(time.RFC3339),
			dailyOldest.Format(time.RFC3339))
	}

	// Finest first.
	candidates := []Granularity{GranularityMinutely, GranularityHourly, GranularityDaily}
	if interval != nil {
		switch interval.Unit {
		case UnitDay:
			// any table can be re-bucketed into day-wide buckets
		case UnitHour:
			candidates = []Granularity{GranularityMinutely, GranularityHourly}
		case UnitMinute:
			candidates = []Granularity{GranularityMinutely}
		}
	}

	if precision != nil {
		kept := candidates[:0:0]
		for _, g := range candidates {
			if g == *precision {
				kept = append(kept, g)
			}
		}
		if len(kept) == 0 {
			return "", fmt.Errorf("%w: precision %q conflicts with interval %s",
				ErrUnresolvable, *precision, describeInterval(interval))
		}
		candidates = kept
	}

	for _, g := range candidates {
		oldest := g.oldestPoint(now)
		if !oldest.After(period.From) && !oldest.After(period.To) {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: no candidate covers %s..%s",
		ErrUnresolvable,
		period.From.UTC().Format(time.RFC3339),
		period.To.UTC().Format(time.RFC3339))
}

func describeInterval(i *Interval) string {
	if i == nil {
		return "none"
	}
	return i.String()
}

// tableName maps a table family and granularity to the physical table.
func tableName(family string, g Granularity) string {
	return family + "_" + string(g)
}

// formatDateTime renders a timestamp the way the store's toDateTime
// parser expects it.
func formatDateTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// cacheKey joins target ids into a stable key.
func targetsKey(targets []string) string {
	return strings.Join(targets, ",")
}
