// Package events publishes tally summaries for buckets whose snapshot changed.
package events

import (
	"time"

	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/roller"
)

const SchemaVersion = "tally.summary.v1"

// TallySummary is the message body published after a persisted change.
type TallySummary struct {
	Schema       string              `json:"schema"`
	Scope        string              `json:"scope"`
	ProductID    string              `json:"product_id"`
	Granularity  domain.Granularity  `json:"granularity"`
	SnapshotDate time.Time           `json:"snapshot_date"`
	Open         bool                `json:"open"`
	Outcome      roller.Outcome      `json:"outcome"`
	Measurements domain.Measurements `json:"measurements"`
	RolledAt     time.Time           `json:"rolled_at"`
}

func SummaryFromResult(result roller.Result) TallySummary {
	measurements := result.Measurements
	if measurements == nil {
		measurements = domain.Measurements{}
	}
	return TallySummary{
		Schema:       SchemaVersion,
		Scope:        result.Key.ScopeKey,
		ProductID:    result.Key.ProductID,
		Granularity:  result.Key.Granularity,
		SnapshotDate: result.Key.SnapshotDate.UTC(),
		Open:         result.Open,
		Outcome:      result.Outcome,
		Measurements: measurements,
		RolledAt:     result.RolledAt.UTC(),
	}
}

// MessageKey keeps every bucket of a scope and product on one partition.
func (s TallySummary) MessageKey() []byte {
	return []byte(s.Scope + "/" + s.ProductID)
}
