package roller

import (
	"time"

	"github.com/smallbiznis/tally/internal/tally/domain"
)

// Outcome describes what a roll did to the persisted snapshot.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeFiltered Outcome = "filtered"
)

// Changed reports whether the snapshot store was modified for the bucket itself.
func (o Outcome) Changed() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeDeleted
}

type Result struct {
	Key               domain.BucketKey
	Outcome           Outcome
	Open              bool
	DuplicatesRemoved int
	Measurements      domain.Measurements
	RolledAt          time.Time
}

// RollRequest names the bucket containing BucketAt.
type RollRequest struct {
	Scope       string
	ProductID   string
	Granularity domain.Granularity
	BucketAt    time.Time
}
