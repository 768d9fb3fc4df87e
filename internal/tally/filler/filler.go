// Package filler reconstructs gap free snapshot series for reports.
package filler

import (
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"gorm.io/datatypes"
)

// ReportFiller fills the missing buckets of one granularity.
type ReportFiller struct {
	clock       clock.Clock
	granularity domain.Granularity
	bucketing   domain.Bucketing
}

// GetInstance returns the filler bound to g. Buckets are aligned in the
// location of clk.
func GetInstance(clk clock.Clock, g domain.Granularity) (*ReportFiller, error) {
	b, err := g.Bucketing()
	if err != nil {
		return nil, err
	}
	return &ReportFiller{clock: clk, granularity: g, bucketing: b}, nil
}

func (f *ReportFiller) Granularity() domain.Granularity {
	return f.granularity
}

// Fill returns one snapshot per bucket from the bucket containing start
// through the bucket containing end. Existing snapshots are copied as is;
// missing buckets get a placeholder without measurements. Existing rows
// outside the range are ignored and the first row wins when two share a bucket.
func (f *ReportFiller) Fill(start, end time.Time, existing []domain.Snapshot) []domain.Snapshot {
	if end.Before(start) {
		return []domain.Snapshot{}
	}

	loc := f.clock.Now().Location()
	first := f.bucketing.Start(start.In(loc))
	last := f.bucketing.Start(end.In(loc))

	byBucket := make(map[int64]int, len(existing))
	for i, snap := range existing {
		at := f.bucketing.Start(snap.SnapshotDate.In(loc)).UnixNano()
		if _, ok := byBucket[at]; ok {
			continue
		}
		byBucket[at] = i
	}

	out := []domain.Snapshot{}
	for i := 0; ; i++ {
		bucket := f.bucketing.Shift(first, i)
		if bucket.After(last) {
			break
		}
		if idx, ok := byBucket[bucket.UnixNano()]; ok {
			out = append(out, existing[idx])
			continue
		}
		out = append(out, domain.Snapshot{
			Granularity:  f.granularity,
			SnapshotDate: bucket,
			Measurements: datatypes.NewJSONType(domain.Measurements{}),
		})
	}
	return out
}

// FillReport selects the filler for g and fills [start, end].
func FillReport(clk clock.Clock, g domain.Granularity, start, end time.Time, existing []domain.Snapshot) ([]domain.Snapshot, error) {
	f, err := GetInstance(clk, g)
	if err != nil {
		return nil, err
	}
	return f.Fill(start, end, existing), nil
}
