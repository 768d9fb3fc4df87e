package roller

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/product"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Listener is notified after a roll committed a change.
type Listener interface {
	SnapshotChanged(ctx context.Context, result Result)
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Repo      domain.SnapshotRepository
	Source    domain.UsageSource
	Config    *config.TallyConfigHolder
	Allowlist *product.Allowlist
	Recorder  Recorder   `optional:"true"`
	Listeners []Listener `group:"tally_listeners"`
}

// Service dispatches roll requests to the roller of their granularity.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	config    *config.TallyConfigHolder
	allowlist *product.Allowlist
	rollers   map[domain.Granularity]*Roller
	listeners []Listener
}

func NewService(p Params) (*Service, error) {
	rollers := make(map[domain.Granularity]*Roller, len(domain.Granularities()))
	for _, g := range domain.Granularities() {
		g := g
		r, err := NewRoller(g, Options{
			Clock:    p.Clock,
			Repo:     p.Repo,
			Source:   p.Source,
			GenID:    p.GenID,
			Log:      p.Log,
			Recorder: p.Recorder,
			Policy:   func() domain.UpdatePolicy { return p.Config.Get().PolicyFor(g) },
		})
		if err != nil {
			return nil, err
		}
		rollers[g] = r
	}

	listeners := make([]Listener, 0, len(p.Listeners))
	for _, l := range p.Listeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}

	return &Service{
		db:        p.DB,
		log:       p.Log.Named("tally.roller"),
		clock:     p.Clock,
		config:    p.Config,
		allowlist: p.Allowlist,
		rollers:   rollers,
		listeners: listeners,
	}, nil
}

// Roll recomputes the bucket of req.Granularity containing req.BucketAt.
func (s *Service) Roll(ctx context.Context, req RollRequest) (Result, error) {
	g, err := domain.ParseGranularity(string(req.Granularity))
	if err != nil {
		return Result{}, err
	}
	if !s.enabled(g) {
		return Result{}, fmt.Errorf("granularity %s is disabled: %w", g, domain.ErrUnsupportedGranularity)
	}
	at := req.BucketAt
	if at.IsZero() {
		at = s.clock.Now()
	}
	key, err := domain.KeyFor(req.Scope, req.ProductID, g, at.In(s.clock.Now().Location()))
	if err != nil {
		return Result{}, err
	}

	if s.allowlist != nil && !s.allowlist.Allows(key.ProductID) {
		return Result{Key: key, Outcome: OutcomeFiltered}, nil
	}

	result, err := s.rollers[g].Roll(ctx, s.db, key)
	if err != nil {
		return result, err
	}
	if result.Outcome.Changed() {
		for _, l := range s.listeners {
			l.SnapshotChanged(ctx, result)
		}
	}
	return result, nil
}

// RollAll rolls each request in turn. Failures do not stop the remaining
// requests and are joined into the returned error.
func (s *Service) RollAll(ctx context.Context, reqs []RollRequest) ([]Result, error) {
	results := make([]Result, 0, len(reqs))
	var errs []error
	for _, req := range reqs {
		res, err := s.Roll(ctx, req)
		if err != nil {
			s.log.Warn("roll request failed",
				zap.String("scope", req.Scope),
				zap.String("product_id", req.ProductID),
				zap.String("granularity", string(req.Granularity)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *Service) enabled(g domain.Granularity) bool {
	for _, enabled := range s.config.Get().EnabledGranularities() {
		if enabled == g {
			return true
		}
	}
	return false
}
