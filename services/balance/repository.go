package balance

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for balances.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	Lock(ctx context.Context, userID string) (*Balance, error)
	Get(ctx context.Context, userID string) (*Balance, error)
	Save(ctx context.Context, b *Balance) error
	InsertFold(ctx context.Context, f *Fold) (bool, error)
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

// Lock creates the user's balance row if needed and locks it for the rest
// of the transaction.
func (r *gormRepository) Lock(ctx context.Context, userID string) (*Balance, error) {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Balance{UserID: userID}).Error; err != nil {
		return nil, err
	}

	var b Balance
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) Get(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) Save(ctx context.Context, b *Balance) error {
	return r.db.WithContext(ctx).Model(&Balance{}).
		Where("user_id = ?", b.UserID).
		Updates(map[string]any{
			"current_balance":       b.CurrentBalance,
			"total_earned":          b.TotalEarned,
			"total_redeemed":        b.TotalRedeemed,
			"total_adjusted":        b.TotalAdjusted,
			"last_applied_sequence": b.LastAppliedSequence,
		}).Error
}

// InsertFold records a fold and reports whether it was new.
func (r *gormRepository) InsertFold(ctx context.Context, f *Fold) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(f)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
