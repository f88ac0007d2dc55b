package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/rate"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	appendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Ledger entries appended, by kind.",
	}, []string{"kind"})
	integrityHalts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_halts_total",
		Help: "User chains halted after an integrity check failed.",
	})
)

func init() {
	prometheus.MustRegister(appendsTotal, integrityHalts)
}

// RateSource resolves the rate in effect for valuation.
type RateSource interface {
	CurrentRate(ctx context.Context, rateType rate.RateType) (*rate.Snapshot, error)
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	repo  Repository
	rates RateSource
	now   func() time.Time
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Repo  Repository
	Rates RateSource
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		repo:  p.Repo,
		rates: p.Rates,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the service clock. Entries keep whatever time it returns,
// truncated to microseconds.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service clock truncated to the precision stored in the ledger.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Valuate captures the current credit to currency rate. Callers that append
// inside their own transaction must valuate before opening it.
func (s *Service) Valuate(ctx context.Context) (*Valuation, error) {
	snap, err := s.rates.CurrentRate(ctx, rate.CreditToCurrency)
	if err != nil {
		return nil, err
	}
	return &Valuation{RateID: snap.ID, Rate: snap.Value, EffectiveAt: snap.EffectiveFrom}, nil
}

func validateDraft(d *Draft) error {
	if d.UserID == "" {
		return ErrInvalidDraft.Withf("user id is required")
	}

	d.Amount = d.Amount.Round(AmountScale)
	if d.Amount.IsZero() {
		return ErrInvalidAmount.Withf("amount must be nonzero")
	}

	switch d.Kind {
	case KindEarned:
		if !d.Amount.IsPositive() {
			return ErrInvalidAmount.Withf("earned amount must be positive, got %s", d.Amount)
		}
		if !d.CO2Basis.Valid || !d.CO2Basis.Decimal.IsPositive() {
			return ErrInvalidAmount.Withf("earned entry requires a positive co2 basis")
		}
		if d.ActivityRef == "" {
			return ErrInvalidDraft.Withf("earned entry requires an activity reference")
		}
	case KindRedeemed, KindExpired:
		if !d.Amount.IsNegative() {
			return ErrInvalidAmount.Withf("%s amount must be negative, got %s", d.Kind, d.Amount)
		}
	case KindReversed:
		if d.ReversesEntryID == "" {
			return ErrInvalidDraft.Withf("reversal requires the reversed entry id")
		}
	case KindTransferred:
		if d.CounterpartyID == "" || d.CounterpartyID == d.UserID {
			return ErrInvalidDraft.Withf("transfer requires a distinct counterparty")
		}
	default:
		return ErrInvalidDraft.Withf("unknown entry kind %q", d.Kind)
	}

	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.Status == StatusRejected {
		return ErrInvalidDraft.Withf("entries cannot be appended rejected")
	}
	if d.Method == "" {
		d.Method = MethodAutomatic
	}
	if !d.Method.Valid() {
		return ErrInvalidDraft.Withf("unknown verification method %q", d.Method)
	}

	return nil
}

// Append validates, values and appends one entry in its own transaction.
func (s *Service) Append(ctx context.Context, d Draft) (*LedgerEntry, error) {
	if d.Valuation == nil {
		v, err := s.Valuate(ctx)
		if err != nil {
			return nil, err
		}
		d.Valuation = v
	}

	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.AppendTx(ctx, tx, d)
		return err
	})
	if err != nil {
		s.HaltOnIntegrity(ctx, d.UserID, err)
		return nil, err
	}

	return entry, nil
}

// AppendTx appends inside the caller's transaction. It locks the user's head
// row, so two appends for one user never interleave. When it returns
// ErrChainIntegrity the caller must roll back and then call HaltOnIntegrity.
func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, d Draft) (*LedgerEntry, error) {
	if err := validateDraft(&d); err != nil {
		return nil, err
	}
	if d.Valuation == nil {
		return nil, ErrInvalidDraft.Withf("entry valuation is required")
	}

	repo := s.repo.WithTrx(tx)
	log := logger.FromContext(ctx).With(zap.String("user_id", d.UserID), zap.String("kind", string(d.Kind)))

	head, err := repo.LockHead(ctx, d.UserID)
	if err != nil {
		log.Error("failed to lock chain head", zap.Error(err))
		return nil, err
	}
	if head.Halted {
		return nil, ErrChainIntegrity.Withf("chain for user %s is halted: %s", d.UserID, head.HaltReason)
	}

	if err := s.checkTip(ctx, repo, head); err != nil {
		log.Error("chain tip failed integrity check", zap.Int64("sequence", head.Sequence), zap.Error(err))
		return nil, err
	}

	if d.Kind == KindEarned {
		n, err := repo.CountActiveEarned(ctx, d.UserID, d.ActivityRef)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, ErrDuplicateActivity.Withf("activity %s already credited to user %s", d.ActivityRef, d.UserID)
		}
	}

	now := s.Now()
	entry := &LedgerEntry{
		ID:              s.node.Generate().String(),
		UserID:          d.UserID,
		Sequence:        head.Sequence + 1,
		Kind:            d.Kind,
		Amount:          d.Amount,
		CO2Basis:        d.CO2Basis,
		CO2RateUsed:     d.CO2RateUsed,
		ActivityType:    d.ActivityType,
		ActivityRef:     d.ActivityRef,
		ReversesEntryID: d.ReversesEntryID,
		CounterpartyID:  d.CounterpartyID,
		Note:            d.Note,
		Status:          d.Status,
		Method:          d.Method,
		Metadata:        datatypes.NewJSONType(d.Metadata),
		RateID:          d.Valuation.RateID,
		RateUsed:        d.Valuation.Rate.Round(AmountScale),
		RateEffectiveAt: d.Valuation.EffectiveAt.UTC().Truncate(time.Microsecond),
		ExternalValue:   d.Amount.Mul(d.Valuation.Rate).Round(AmountScale),
		PriorHash:       head.Hash,
		CreatedAt:       now,
	}
	if entry.Status == StatusVerified {
		entry.VerifiedAt = &now
	}

	entry.Hash, err = entry.ComputeHash()
	if err != nil {
		return nil, err
	}
	entry.VerificationHash, err = entry.ComputeVerificationHash()
	if err != nil {
		return nil, err
	}

	if err := repo.Create(ctx, entry); err != nil {
		log.Error("failed to insert ledger entry", zap.Error(err))
		return nil, err
	}
	if err := repo.AdvanceHead(ctx, d.UserID, entry.Sequence, entry.Hash); err != nil {
		log.Error("failed to advance chain head", zap.Error(err))
		return nil, err
	}

	appendsTotal.WithLabelValues(string(entry.Kind)).Inc()
	log.Info("ledger entry appended",
		zap.String("entry_id", entry.ID),
		zap.Int64("sequence", entry.Sequence),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", string(entry.Status)),
	)

	return entry, nil
}

// checkTip re-hashes the last entry and compares it with the head.
func (s *Service) checkTip(ctx context.Context, repo Repository, head *Head) error {
	if head.Sequence == 0 {
		if head.Hash != GenesisHash {
			return ErrChainIntegrity.Withf("empty chain for user %s has head hash %s", head.UserID, head.Hash)
		}
		return nil
	}

	last, err := repo.FindBySequence(ctx, head.UserID, head.Sequence)
	if err != nil {
		return err
	}
	if last == nil {
		return ErrChainIntegrity.Withf("entry %d of user %s is missing", head.Sequence, head.UserID)
	}
	if last.Hash != head.Hash || !last.Intact() {
		return ErrChainIntegrity.Withf("entry %d of user %s does not match its hash", head.Sequence, head.UserID)
	}
	if !last.VerificationIntact() {
		return ErrChainIntegrity.Withf("verification block of entry %d of user %s was altered", head.Sequence, head.UserID)
	}
	return nil
}

// HaltOnIntegrity halts the user's chain when err is a chain integrity
// failure. It runs outside the failed transaction so the halt survives the
// rollback.
func (s *Service) HaltOnIntegrity(ctx context.Context, userID string, err error) {
	if !errors.Is(err, ErrChainIntegrity) {
		return
	}

	head, getErr := s.repo.GetHead(ctx, userID)
	if getErr == nil && head != nil && head.Halted {
		return
	}

	if haltErr := s.Halt(ctx, userID, err.Error()); haltErr != nil {
		logger.FromContext(ctx).Error("failed to halt chain", zap.String("user_id", userID), zap.Error(haltErr))
	}
}

// Halt refuses every further append for the user until ResumeChain succeeds.
func (s *Service) Halt(ctx context.Context, userID, reason string) error {
	at := s.Now()
	if err := s.repo.SetHalt(ctx, userID, true, reason, &at); err != nil {
		return err
	}

	integrityHalts.Inc()
	logger.FromContext(ctx).Error("ledger chain halted",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Bool("alert", true),
	)
	return nil
}

// ResumeChain clears a halt after an operator repaired the chain. The chain
// must verify end to end first.
func (s *Service) ResumeChain(ctx context.Context, userID string) error {
	ok, err := s.VerifyChain(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrChainIntegrity.Withf("chain for user %s still fails verification", userID)
	}

	if err := s.repo.SetHalt(ctx, userID, false, "", nil); err != nil {
		return err
	}

	logger.FromContext(ctx).Warn("ledger chain resumed", zap.String("user_id", userID))
	return nil
}

// VerifyChain walks the user's chain from genesis recomputing every hash.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	entries, err := s.repo.List(ctx, userID, HistoryRange{})
	if err != nil {
		return false, err
	}

	log := logger.FromContext(ctx).With(zap.String("user_id", userID))

	prior := GenesisHash
	for i := range entries {
		e := &entries[i]
		if e.Sequence != int64(i+1) {
			log.Warn("chain sequence gap", zap.Int64("expected", int64(i+1)), zap.Int64("found", e.Sequence))
			return false, nil
		}
		if e.PriorHash != prior {
			log.Warn("chain link broken", zap.Int64("sequence", e.Sequence))
			return false, nil
		}
		if !e.Intact() {
			log.Warn("chain entry hash mismatch", zap.Int64("sequence", e.Sequence), zap.String("entry_id", e.ID))
			return false, nil
		}
		if !e.VerificationIntact() {
			log.Warn("verification block altered", zap.Int64("sequence", e.Sequence), zap.String("entry_id", e.ID))
			return false, nil
		}
		prior = e.Hash
	}

	head, err := s.repo.GetHead(ctx, userID)
	if err != nil {
		return false, err
	}
	if head == nil {
		if len(entries) > 0 {
			log.Warn("chain has entries but no head", zap.Int("entries", len(entries)))
			return false, nil
		}
		return true, nil
	}
	if head.Sequence != int64(len(entries)) || head.Hash != prior {
		log.Warn("chain head does not match last entry", zap.Int64("head_sequence", head.Sequence))
		return false, nil
	}

	return true, nil
}

// EntriesSince returns the entries with a sequence greater than sequence.
func (s *Service) EntriesSince(ctx context.Context, userID string, sequence int64) ([]LedgerEntry, error) {
	return s.repo.List(ctx, userID, HistoryRange{FromSequence: sequence + 1})
}

func (s *Service) History(ctx context.Context, userID string, r HistoryRange) ([]LedgerEntry, error) {
	if r.Limit <= 0 || r.Limit > 1000 {
		r.Limit = 1000
	}
	return s.repo.List(ctx, userID, r)
}

func (s *Service) Get(ctx context.Context, id string) (*LedgerEntry, error) {
	return s.GetTx(ctx, s.db, id)
}

func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, id string) (*LedgerEntry, error) {
	e, err := s.repo.WithTrx(tx).FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntryNotFound.Withf("ledger entry %s not found", id)
	}
	return e, nil
}

// FindReversalTx returns the Reversed entry that references entryID, or nil.
func (s *Service) FindReversalTx(ctx context.Context, tx *gorm.DB, entryID string) (*LedgerEntry, error) {
	return s.repo.WithTrx(tx).FindReversal(ctx, entryID)
}

// VerifiedEntriesTx lists the user's verified entries in sequence order.
func (s *Service) VerifiedEntriesTx(ctx context.Context, tx *gorm.DB, userID string) ([]LedgerEntry, error) {
	return s.repo.WithTrx(tx).ListVerified(ctx, userID)
}

// UserIDs lists every user that has a chain.
func (s *Service) UserIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListHeadUserIDs(ctx)
}

func (s *Service) Head(ctx context.Context, userID string) (*Head, error) {
	return s.repo.GetHead(ctx, userID)
}

// LockHeads locks the head rows of several users in a fixed order so that
// multi-user transactions cannot deadlock each other.
func (s *Service) LockHeads(ctx context.Context, tx *gorm.DB, userIDs ...string) error {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)

	repo := s.repo.WithTrx(tx)
	for _, id := range ids {
		head, err := repo.LockHead(ctx, id)
		if err != nil {
			return err
		}
		if head.Halted {
			return ErrChainIntegrity.Withf("chain for user %s is halted: %s", id, head.HaltReason)
		}
	}
	return nil
}

// UpdateVerification is the only mutation of an existing entry. It rewrites
// the verification block if the entry is still in status from and reseals it
// with a fresh verification hash. A block that no longer matches its seal is
// reported as ErrChainIntegrity and left untouched.
func (s *Service) UpdateVerification(ctx context.Context, tx *gorm.DB, id string, from Status, upd VerificationUpdate) (*LedgerEntry, error) {
	if from.Terminal() {
		return nil, ErrInvalidTransition.Withf("%s is terminal", from)
	}
	if upd.Method == "" {
		return nil, ErrInvalidTransition.Withf("verification method is required")
	}
	if upd.Status == StatusVerified && upd.VerifiedAt == nil {
		at := s.Now()
		upd.VerifiedAt = &at
	}

	repo := s.repo.WithTrx(tx)
	entry, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound.Withf("ledger entry %s not found", id)
	}
	if entry.Status != from {
		return nil, ErrInvalidTransition.Withf("entry %s is %s, expected %s", id, entry.Status, from)
	}
	if !entry.Intact() || !entry.VerificationIntact() {
		return nil, ErrChainIntegrity.Withf("entry %s of user %s does not match its seal", id, entry.UserID)
	}

	entry.Status = upd.Status
	entry.Method = upd.Method
	entry.VerifiedAt = upd.VerifiedAt
	entry.Metadata = datatypes.NewJSONType(upd.Metadata)
	vhash, err := entry.ComputeVerificationHash()
	if err != nil {
		return nil, err
	}

	n, err := repo.UpdateVerification(ctx, id, from, upd, vhash)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInvalidTransition.Withf("entry %s left %s during the update", id, from)
	}

	entry, err = repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound.Withf("ledger entry %s not found", id)
	}

	logger.FromContext(ctx).Info("verification updated",
		zap.String("entry_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(upd.Status)),
		zap.String("method", string(upd.Method)),
	)
	return entry, nil
}
