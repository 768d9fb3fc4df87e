// Package report serves gap free tally series built from stored snapshots.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/filler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ReportRequest struct {
	Scope       string
	ProductID   string
	Granularity string
	Beginning   time.Time
	Ending      time.Time
}

type Report struct {
	Scope       string             `json:"scope"`
	ProductID   string             `json:"product_id"`
	Granularity domain.Granularity `json:"granularity"`
	Beginning   time.Time          `json:"beginning"`
	Ending      time.Time          `json:"ending"`
	Snapshots   []domain.Snapshot  `json:"snapshots"`
	HasData     bool               `json:"has_data"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.SnapshotRepository
	cache Cache
}

func NewService(db *gorm.DB, log *zap.Logger, clk clock.Clock, repo domain.SnapshotRepository, cache Cache) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Service{
		db:    db,
		log:   log.Named("tally.report"),
		clock: clk,
		repo:  repo,
		cache: cache,
	}
}

// Report returns every bucket of the requested granularity between
// Beginning and Ending. Buckets without a stored snapshot are placeholders.
func (s *Service) Report(ctx context.Context, req ReportRequest) (Report, error) {
	query, err := s.normalize(req)
	if err != nil {
		return Report{}, err
	}

	if cached, ok := s.cache.Get(ctx, query); ok {
		return cached, nil
	}

	f, err := filler.GetInstance(s.clock, query.Granularity)
	if err != nil {
		return Report{}, err
	}

	loc := s.clock.Now().Location()
	b, _ := query.Granularity.Bucketing()
	start := b.Start(query.Beginning.In(loc))

	rows, err := s.repo.FindRange(ctx, s.db, query.Scope, query.ProductID, query.Granularity, start, query.Ending)
	if err != nil {
		return Report{}, fmt.Errorf("load snapshots %s/%s: %w", query.Scope, query.ProductID, err)
	}

	snapshots := f.Fill(query.Beginning, query.Ending, rows)
	out := Report{
		Scope:       query.Scope,
		ProductID:   query.ProductID,
		Granularity: query.Granularity,
		Beginning:   query.Beginning,
		Ending:      query.Ending,
		Snapshots:   snapshots,
	}
	for _, snap := range snapshots {
		if snap.HasData() {
			out.HasData = true
			break
		}
	}

	s.cache.Set(ctx, query, out)
	return out, nil
}

// Query is a validated ReportRequest with defaults applied.
type Query struct {
	Scope       string
	ProductID   string
	Granularity domain.Granularity
	Beginning   time.Time
	Ending      time.Time
}

func (s *Service) normalize(req ReportRequest) (Query, error) {
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		return Query{}, domain.ErrInvalidScope
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return Query{}, domain.ErrInvalidProduct
	}
	g, err := domain.ParseGranularity(req.Granularity)
	if err != nil {
		return Query{}, err
	}

	now := s.clock.Now()
	ending := req.Ending
	if ending.IsZero() {
		ending = now
	}
	beginning := req.Beginning
	if beginning.IsZero() {
		b, _ := g.Bucketing()
		beginning = b.Start(ending.In(now.Location()))
	}
	if ending.Before(beginning) {
		return Query{}, domain.ErrInvalidRange
	}

	return Query{
		Scope:       scope,
		ProductID:   productID,
		Granularity: g,
		Beginning:   beginning.In(now.Location()),
		Ending:      ending.In(now.Location()),
	}, nil
}
