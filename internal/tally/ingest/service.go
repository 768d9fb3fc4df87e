// Package ingest records raw inventory observations and sync checkpoints.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/pkg/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ObservationInput struct {
	HostID     string    `json:"host_id"`
	Category   string    `json:"category"`
	Cores      int       `json:"cores"`
	Sockets    int       `json:"sockets"`
	Instances  int       `json:"instances"`
	ObservedAt time.Time `json:"observed_at"`
}

type RecordRequest struct {
	Scope        string             `json:"scope"`
	ProductID    string             `json:"product_id"`
	Observations []ObservationInput `json:"observations"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	observations *repository.Store[domain.UsageObservation]
	checkpoints  *repository.Store[domain.InventoryCheckpoint]
}

func NewService(db *gorm.DB, log *zap.Logger, clk clock.Clock) *Service {
	return &Service{
		db:           db,
		log:          log.Named("tally.ingest"),
		clock:        clk,
		observations: repository.ProvideStore[domain.UsageObservation](db),
		checkpoints:  repository.ProvideStore[domain.InventoryCheckpoint](db),
	}
}

// Record stores every observation of req or none of them.
func (s *Service) Record(ctx context.Context, req RecordRequest) (int, error) {
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		return 0, domain.ErrInvalidScope
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return 0, domain.ErrInvalidProduct
	}
	if len(req.Observations) == 0 {
		return 0, nil
	}

	now := s.clock.Now().UTC()
	rows := make([]*domain.UsageObservation, 0, len(req.Observations))
	for i, in := range req.Observations {
		row, err := toRow(scope, productID, in, now)
		if err != nil {
			return 0, fmt.Errorf("observation %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.observations.WithTrx(tx).BatchCreate(ctx, rows)
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("observations recorded",
		zap.String("scope", scope),
		zap.String("product_id", productID),
		zap.Int("count", len(rows)),
	)
	return len(rows), nil
}

// Checkpoint marks scope as fully inventoried at syncedAt, the current time
// when zero.
func (s *Service) Checkpoint(ctx context.Context, scope string, syncedAt time.Time) (domain.InventoryCheckpoint, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return domain.InventoryCheckpoint{}, domain.ErrInvalidScope
	}
	if syncedAt.IsZero() {
		syncedAt = s.clock.Now()
	}
	checkpoint := domain.InventoryCheckpoint{Scope: scope, SyncedAt: syncedAt.UTC()}
	if err := s.checkpoints.Upsert(ctx, &checkpoint, []string{"scope"}, []string{"synced_at"}); err != nil {
		return domain.InventoryCheckpoint{}, err
	}
	return checkpoint, nil
}

func toRow(scope, productID string, in ObservationInput, now time.Time) (*domain.UsageObservation, error) {
	hostID := strings.TrimSpace(in.HostID)
	if hostID == "" {
		return nil, fmt.Errorf("host_id is required: %w", domain.ErrInvalidObservation)
	}
	category, err := domain.ParseMeasurementType(in.Category)
	if err != nil {
		return nil, err
	}
	if category == domain.MeasurementTypeTotal {
		return nil, fmt.Errorf("category %s is derived: %w", category, domain.ErrInvalidCategory)
	}
	if in.Cores < 0 || in.Sockets < 0 || in.Instances < 0 {
		return nil, fmt.Errorf("negative capacity: %w", domain.ErrInvalidObservation)
	}
	observedAt := in.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	instances := in.Instances
	if instances == 0 {
		instances = 1
	}
	return &domain.UsageObservation{
		Scope:      scope,
		ProductID:  productID,
		HostID:     hostID,
		Category:   string(category),
		Cores:      in.Cores,
		Sockets:    in.Sockets,
		Instances:  instances,
		ObservedAt: observedAt.UTC(),
	}, nil
}
