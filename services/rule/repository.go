package rule

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for verification rules.
type Repository interface {
	Get(ctx context.Context, activityType string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Save(ctx context.Context, r *Rule) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Get(ctx context.Context, activityType string) (*Rule, error) {
	var rule Rule
	err := r.db.WithContext(ctx).Where("activity_type = ?", activityType).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) List(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	err := r.db.WithContext(ctx).Order("activity_type").Find(&rules).Error
	return rules, err
}

// Save inserts the rule or replaces every policy column of the existing one.
func (r *gormRepository) Save(ctx context.Context, rule *Rule) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "activity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"min_amount", "max_amount", "required_method", "credit_multiplier",
			"requires_evidence", "active", "corroboration_above", "criteria", "updated_at",
		}),
	}).Create(rule).Error
}
