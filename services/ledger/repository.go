package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations available for the ledger.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	LockHead(ctx context.Context, userID string) (*Head, error)
	GetHead(ctx context.Context, userID string) (*Head, error)
	AdvanceHead(ctx context.Context, userID string, sequence int64, hash string) error
	SetHalt(ctx context.Context, userID string, halted bool, reason string, at *time.Time) error
	ListHeadUserIDs(ctx context.Context) ([]string, error)
	Create(ctx context.Context, entry *LedgerEntry) error
	FindByID(ctx context.Context, id string) (*LedgerEntry, error)
	FindBySequence(ctx context.Context, userID string, sequence int64) (*LedgerEntry, error)
	CountActiveEarned(ctx context.Context, userID, activityRef string) (int64, error)
	FindReversal(ctx context.Context, entryID string) (*LedgerEntry, error)
	List(ctx context.Context, userID string, r HistoryRange) ([]LedgerEntry, error)
	ListVerified(ctx context.Context, userID string) ([]LedgerEntry, error)
	UpdateVerification(ctx context.Context, id string, from Status, upd VerificationUpdate, verificationHash string) (int64, error)
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

// LockHead creates the user's head row if needed and locks it for the rest of
// the transaction.
func (r *gormRepository) LockHead(ctx context.Context, userID string) (*Head, error) {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Head{UserID: userID, Hash: GenesisHash}).Error; err != nil {
		return nil, err
	}

	var head Head
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&head).Error; err != nil {
		return nil, err
	}
	return &head, nil
}

func (r *gormRepository) GetHead(ctx context.Context, userID string) (*Head, error) {
	var head Head
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &head, nil
}

func (r *gormRepository) AdvanceHead(ctx context.Context, userID string, sequence int64, hash string) error {
	return r.db.WithContext(ctx).Model(&Head{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"sequence": sequence, "hash": hash}).Error
}

func (r *gormRepository) SetHalt(ctx context.Context, userID string, halted bool, reason string, at *time.Time) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Head{UserID: userID, Hash: GenesisHash}).Error; err != nil {
		return err
	}
	return db.Model(&Head{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"halted": halted, "halt_reason": reason, "halted_at": at}).Error
}

func (r *gormRepository) ListHeadUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Head{}).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) Create(ctx context.Context, entry *LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) first(ctx context.Context, query string, args ...any) (*LedgerEntry, error) {
	var e LedgerEntry
	err := r.db.WithContext(ctx).Where(query, args...).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) FindByID(ctx context.Context, id string) (*LedgerEntry, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *gormRepository) FindBySequence(ctx context.Context, userID string, sequence int64) (*LedgerEntry, error) {
	return r.first(ctx, "user_id = ? AND sequence = ?", userID, sequence)
}

func (r *gormRepository) FindReversal(ctx context.Context, entryID string) (*LedgerEntry, error) {
	return r.first(ctx, "reverses_entry_id = ? AND kind = ?", entryID, KindReversed)
}

func (r *gormRepository) CountActiveEarned(ctx context.Context, userID, activityRef string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("user_id = ? AND activity_ref = ? AND kind = ? AND status <> ?", userID, activityRef, KindEarned, StatusRejected).
		Count(&n).Error
	return n, err
}

func (r *gormRepository) List(ctx context.Context, userID string, hr HistoryRange) ([]LedgerEntry, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if hr.FromSequence > 0 {
		q = q.Where("sequence >= ?", hr.FromSequence)
	}
	if hr.ToSequence > 0 {
		q = q.Where("sequence <= ?", hr.ToSequence)
	}
	if !hr.Since.IsZero() {
		q = q.Where("created_at >= ?", hr.Since.UTC())
	}
	if !hr.Until.IsZero() {
		q = q.Where("created_at < ?", hr.Until.UTC())
	}
	if hr.Limit > 0 {
		q = q.Limit(hr.Limit)
	}

	var out []LedgerEntry
	err := q.Order("sequence ASC").Find(&out).Error
	return out, err
}

func (r *gormRepository) ListVerified(ctx context.Context, userID string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusVerified).
		Order("sequence ASC").
		Find(&out).Error
	return out, err
}

// UpdateVerification writes the verification block only when the entry is
// still in status from. It returns the number of rows changed.
func (r *gormRepository) UpdateVerification(ctx context.Context, id string, from Status, upd VerificationUpdate, verificationHash string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":            upd.Status,
			"method":            upd.Method,
			"metadata":          datatypes.NewJSONType(upd.Metadata),
			"verified_at":       upd.VerifiedAt,
			"verification_hash": verificationHash,
		})
	return res.RowsAffected, res.Error
}
