package reader

import (
	"errors"
	"fmt"
	"time"
)

// Resolution bounds for time-bucketed series: the caller asks for a target
// point count and the engine derives the bucket width from it.
const (
	minResolution = 10
	maxResolution = 90
)

// ErrBadResolution is returned for a resolution outside the contractual
// 10..90 range, before any store round trip.
var ErrBadResolution = errors.New("reader: resolution must be between 10 and 90")

// resolutionToInterval converts a requested point count into a bucket
// width: ceil(periodMinutes / resolution), expressed in the coarsest unit
// that divides it evenly.
func resolutionToInterval(period DateRange, resolution int) (Interval, error) {
	if resolution < minResolution || resolution > maxResolution {
		return Interval{}, fmt.Errorf("%w: got %d", ErrBadResolution, resolution)
	}
	periodMinutes := int(period.To.Sub(period.From) / time.Minute)
	width := (periodMinutes + resolution - 1) / resolution
	if width < 1 {
		width = 1
	}
	switch {
	case width%1440 == 0:
		return Interval{Value: width / 1440, Unit: UnitDay}, nil
	case width%60 == 0:
		return Interval{Value: width / 60, Unit: UnitHour}, nil
	default:
		return Interval{Value: width, Unit: UnitMinute}, nil
	}
}

// snapToBuckets widens the period outward to whole-bucket boundaries so
// the store can zero-fill a gapless series across it.
func snapToBuckets(period DateRange, interval Interval) DateRange {
	width := interval.Duration()
	from := period.From.UTC().Truncate(width)
	to := period.To.UTC().Truncate(width)
	if to.Before(period.To) {
		to = to.Add(width)
	}
	return DateRange{From: from, To: to}
}

// expectedPoints is the number of buckets a snapped period spans.
func expectedPoints(period DateRange, interval Interval) int {
	return int(period.To.Sub(period.From) / interval.Duration())
}
