package rate

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for rate snapshots.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	Create(ctx context.Context, s *Snapshot) error
	Latest(ctx context.Context, rateType RateType, lock bool) (*Snapshot, error)
	Timeline(ctx context.Context, rateType RateType) ([]Snapshot, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTrx(tx *gorm.DB) Repository {
	return &gormRepository{db: tx}
}

func (r *gormRepository) Create(ctx context.Context, s *Snapshot) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// Latest returns the snapshot with the greatest EffectiveFrom, or nil.
func (r *gormRepository) Latest(ctx context.Context, rateType RateType, lock bool) (*Snapshot, error) {
	q := r.db.WithContext(ctx).Where("rate_type = ?", rateType).Order("effective_from DESC")
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var s Snapshot
	if err := q.First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Timeline returns every snapshot of rateType ordered by EffectiveFrom.
func (r *gormRepository) Timeline(ctx context.Context, rateType RateType) ([]Snapshot, error) {
	var out []Snapshot
	err := r.db.WithContext(ctx).
		Where("rate_type = ?", rateType).
		Order("effective_from ASC").
		Find(&out).Error
	return out, err
}
