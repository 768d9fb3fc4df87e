package domain

import (
	"strings"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
)

// Granularity names the width of a snapshot bucket.
type Granularity string

const (
	GranularityHourly    Granularity = "HOURLY"
	GranularityDaily     Granularity = "DAILY"
	GranularityWeekly    Granularity = "WEEKLY"
	GranularityMonthly   Granularity = "MONTHLY"
	GranularityQuarterly Granularity = "QUARTERLY"
	GranularityYearly    Granularity = "YEARLY"
)

// Bucketing aligns instants to bucket boundaries and steps between buckets.
type Bucketing struct {
	align func(time.Time) time.Time
	step  func(time.Time, int) time.Time
}

var bucketings = map[Granularity]Bucketing{
	GranularityHourly: {
		align: clock.StartOfHour,
		step:  func(t time.Time, n int) time.Time { return t.Add(time.Duration(n) * time.Hour) },
	},
	GranularityDaily: {
		align: clock.StartOfDay,
		step:  func(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) },
	},
	GranularityWeekly: {
		align: clock.StartOfWeek,
		step:  func(t time.Time, n int) time.Time { return t.AddDate(0, 0, 7*n) },
	},
	GranularityMonthly: {
		align: clock.StartOfMonth,
		step:  func(t time.Time, n int) time.Time { return t.AddDate(0, n, 0) },
	},
	GranularityQuarterly: {
		align: clock.StartOfQuarter,
		step:  func(t time.Time, n int) time.Time { return t.AddDate(0, 3*n, 0) },
	},
	GranularityYearly: {
		align: clock.StartOfYear,
		step:  func(t time.Time, n int) time.Time { return t.AddDate(n, 0, 0) },
	},
}

var granularityOrder = []Granularity{
	GranularityHourly,
	GranularityDaily,
	GranularityWeekly,
	GranularityMonthly,
	GranularityQuarterly,
	GranularityYearly,
}

// Granularities lists the supported granularities from finest to coarsest.
func Granularities() []Granularity {
	out := make([]Granularity, len(granularityOrder))
	copy(out, granularityOrder)
	return out
}

// ParseGranularity accepts a granularity tag in any case.
func ParseGranularity(value string) (Granularity, error) {
	g := Granularity(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := bucketings[g]; !ok {
		return "", ErrUnsupportedGranularity
	}
	return g, nil
}

func (g Granularity) Valid() bool {
	_, ok := bucketings[g]
	return ok
}

// Bucketing returns the stepping rule for g.
func (g Granularity) Bucketing() (Bucketing, error) {
	b, ok := bucketings[g]
	if !ok {
		return Bucketing{}, ErrUnsupportedGranularity
	}
	return b, nil
}

// Start returns the start of the bucket containing t, in t's location.
func (b Bucketing) Start(t time.Time) time.Time {
	return b.align(t)
}

// Shift returns the bucket start n buckets away from the bucket containing t.
func (b Bucketing) Shift(t time.Time, n int) time.Time {
	return b.step(b.align(t), n)
}

// Next returns the start of the bucket following the one containing t.
func (b Bucketing) Next(t time.Time) time.Time {
	return b.Shift(t, 1)
}

// Range returns the half open interval [start, end) of the bucket containing t.
func (b Bucketing) Range(t time.Time) (time.Time, time.Time) {
	start := b.align(t)
	return start, b.step(start, 1)
}
