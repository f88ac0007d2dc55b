package redemption

import (
	"context"
	"errors"

	"carbon-ledger/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for redemptions.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	Create(ctx context.Context, r *Redemption) error
	FindByID(ctx context.Context, id string, lock bool) (*Redemption, error)
	ListByUser(ctx context.Context, userID string, page pagination.Page) ([]Redemption, error)
	Transition(ctx context.Context, id string, from []Status, updates map[string]any) (int64, error)
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

func (r *gormRepository) Create(ctx context.Context, red *Redemption) error {
	return r.db.WithContext(ctx).Create(red).Error
}

func (r *gormRepository) FindByID(ctx context.Context, id string, lock bool) (*Redemption, error) {
	q := r.db.WithContext(ctx).Where("id = ?", id)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var red Redemption
	err := q.First(&red).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &red, nil
}

func (r *gormRepository) ListByUser(ctx context.Context, userID string, page pagination.Page) ([]Redemption, error) {
	q, err := page.Apply(r.db.WithContext(ctx).Where("user_id = ?", userID))
	if err != nil {
		return nil, err
	}

	var out []Redemption
	err = q.Find(&out).Error
	return out, err
}

// Transition applies updates only while the redemption is in one of the from
// states and returns the number of rows changed.
func (r *gormRepository) Transition(ctx context.Context, id string, from []Status, updates map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Redemption{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}
