package rate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/logger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const timelineTTL = time.Minute

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	repo  Repository
	cache *timelineCache
	now   func() time.Time
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Repo Repository
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		repo:  p.Repo,
		cache: newTimelineCache(timelineTTL),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CurrentRate returns the snapshot in effect now.
func (s *Service) CurrentRate(ctx context.Context, rateType RateType) (*Snapshot, error) {
	return s.RateAsOf(ctx, rateType, s.now())
}

// RateAsOf returns the snapshot with the greatest EffectiveFrom not after at.
func (s *Service) RateAsOf(ctx context.Context, rateType RateType, at time.Time) (*Snapshot, error) {
	if !rateType.Valid() {
		return nil, ErrInvalidRate.Withf("unknown rate type %q", rateType)
	}

	snapshots, err := s.timeline(ctx, rateType)
	if err != nil {
		return nil, err
	}

	// first snapshot effective strictly after at
	i := sort.Search(len(snapshots), func(i int) bool {
		return snapshots[i].EffectiveFrom.After(at)
	})
	if i == 0 {
		return nil, ErrRateNotFound.Withf("no %s rate in effect at %s", rateType, at.Format(time.RFC3339))
	}

	snap := snapshots[i-1]
	return &snap, nil
}

func (s *Service) timeline(ctx context.Context, rateType RateType) ([]Snapshot, error) {
	if v, ok := s.cache.Get(rateType); ok {
		return v, nil
	}

	v, err, _ := s.cache.group.Do(string(rateType), func() (interface{}, error) {
		snapshots, err := s.repo.Timeline(ctx, rateType)
		if err != nil {
			logger.FromContext(ctx).Error("failed to load rate timeline", zap.String("rate_type", string(rateType)), zap.Error(err))
			return nil, err
		}
		s.cache.Set(rateType, snapshots)
		return snapshots, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]Snapshot), nil
}

// Publish appends a new snapshot. It never modifies an existing one, so any
// valuation captured from an older snapshot stays reproducible.
func (s *Service) Publish(ctx context.Context, in Snapshot) (*Snapshot, error) {
	if !in.RateType.Valid() {
		return nil, ErrInvalidRate.Withf("unknown rate type %q", in.RateType)
	}
	if !in.Value.IsPositive() {
		return nil, ErrInvalidRate.Withf("rate value must be positive, got %s", in.Value)
	}
	if in.EffectiveFrom.IsZero() {
		in.EffectiveFrom = s.now()
	}

	snap := &Snapshot{
		ID:            s.node.Generate().String(),
		RateType:      in.RateType,
		Value:         in.Value.Round(8),
		EffectiveFrom: in.EffectiveFrom.UTC().Truncate(time.Microsecond),
		Source:        in.Source,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := s.repo.WithTrx(tx).Latest(ctx, snap.RateType, true)
		if err != nil {
			return err
		}
		if latest != nil && !snap.EffectiveFrom.After(latest.EffectiveFrom) {
			return ErrRateNotMonotonic.Withf("%s rate effective %s is not after %s",
				snap.RateType, snap.EffectiveFrom.Format(time.RFC3339Nano), latest.EffectiveFrom.Format(time.RFC3339Nano))
		}

		if err := s.repo.WithTrx(tx).Create(ctx, snap); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrRateNotMonotonic.Withf("%s rate already published for %s", snap.RateType, snap.EffectiveFrom.Format(time.RFC3339Nano))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(snap.RateType)

	logger.FromContext(ctx).Info("rate published",
		zap.String("rate_type", string(snap.RateType)),
		zap.String("value", snap.Value.String()),
		zap.Time("effective_from", snap.EffectiveFrom),
		zap.String("source", snap.Source),
	)

	return snap, nil
}

// Seed publishes the configured rates that are not yet stored. Entries older
// than the latest stored rate of their type are skipped.
func (s *Service) Seed(ctx context.Context, rates []config.Rate) error {
	for _, r := range rates {
		value, err := decimal.NewFromString(r.Value)
		if err != nil {
			return fmt.Errorf("seed rate %s: value %q: %w", r.RateType, r.Value, err)
		}

		var effectiveFrom time.Time
		if r.EffectiveFrom == "" {
			latest, err := s.repo.Latest(ctx, RateType(r.RateType), false)
			if err != nil {
				return err
			}
			if latest != nil {
				continue
			}
		} else {
			effectiveFrom, err = time.Parse(time.RFC3339, r.EffectiveFrom)
			if err != nil {
				return fmt.Errorf("seed rate %s: effective_from %q: %w", r.RateType, r.EffectiveFrom, err)
			}
		}

		_, err = s.Publish(ctx, Snapshot{
			RateType:      RateType(r.RateType),
			Value:         value,
			EffectiveFrom: effectiveFrom,
			Source:        r.Source,
		})
		switch {
		case errors.Is(err, ErrRateNotMonotonic):
			zap.L().Debug("seed rate already present", zap.String("rate_type", r.RateType), zap.String("effective_from", r.EffectiveFrom))
		case err != nil:
			return fmt.Errorf("seed rate %s: %w", r.RateType, err)
		}
	}

	return nil
}
