package verification

import (
	"context"
	"fmt"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/rule"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "verification_outcomes_total",
	Help: "Verification transitions, by method and resulting status.",
}, []string{"method", "status"})

func init() {
	prometheus.MustRegister(outcomes)
}

// Policy holds the thresholds that drive verification decisions.
type Policy struct {
	AIConfidenceThreshold  float64
	EscalateBelowThreshold bool
	EscalationFloor        float64
	MaxBoundFactor         decimal.Decimal
	VelocityLimit          int64
}

// PolicyFromConfig reads the verification and fraud sections.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	factor := decimal.NewFromInt(10)
	if cfg.Fraud.MaxBoundFactor != "" {
		f, err := decimal.NewFromString(cfg.Fraud.MaxBoundFactor)
		if err != nil {
			return Policy{}, fmt.Errorf("parse FRAUD.MAX_BOUND_FACTOR: %w", err)
		}
		factor = f
	}
	return Policy{
		AIConfidenceThreshold:  cfg.Verification.AIConfidenceThreshold,
		EscalateBelowThreshold: cfg.Verification.EscalateBelowThreshold,
		EscalationFloor:        cfg.Verification.EscalationFloor,
		MaxBoundFactor:         factor,
		VelocityLimit:          cfg.Fraud.VelocityLimit,
	}, nil
}

type Service struct {
	db         *gorm.DB
	ledger     *ledger.Service
	balance    *balance.Service
	rules      *rule.Service
	rates      *rate.Service
	dispatcher Dispatcher
	velocity   VelocityCounter
	policy     Policy
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Ledger     *ledger.Service
	Balance    *balance.Service
	Rules      *rule.Service
	Rates      *rate.Service
	Dispatcher Dispatcher
	Velocity   VelocityCounter `optional:"true"`
	Policy     Policy
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		ledger:     p.Ledger,
		balance:    p.Balance,
		rules:      p.Rules,
		rates:      p.Rates,
		dispatcher: p.Dispatcher,
		velocity:   p.Velocity,
		policy:     p.Policy,
	}
}

// CreditActivity classifies an activity, appends a pending Earned entry and
// routes it to its verifier. A fraud flag rejects the entry at once; the
// rejected entry is returned without error so the caller sees the reason.
func (s *Service) CreditActivity(ctx context.Context, req CreditRequest) (*ledger.LedgerEntry, error) {
	log := logger.FromContext(ctx).With(
		zap.String("user_id", req.UserID),
		zap.String("activity_ref", req.ActivityRef),
		zap.String("activity_type", req.ActivityType),
	)

	class, err := s.rules.Classify(ctx, req.ActivityType, req.CO2Amount, req.HasEvidence)
	if err != nil {
		log.Info("activity refused by verification policy", zap.Error(err))
		return nil, err
	}

	co2Rate, err := s.rates.CurrentRate(ctx, rate.CO2ToCredit)
	if err != nil {
		return nil, err
	}

	amount := req.CO2Amount.Mul(class.Rule.CreditMultiplier).Mul(co2Rate.Value).Round(ledger.AmountScale)
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount.Withf("activity is worth less than the smallest credit unit")
	}

	valuation, err := s.ledger.Valuate(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.Append(ctx, ledger.Draft{
		UserID:       req.UserID,
		Kind:         ledger.KindEarned,
		Amount:       amount,
		CO2Basis:     decimal.NewNullDecimal(req.CO2Amount),
		CO2RateUsed:  decimal.NewNullDecimal(co2Rate.Value),
		ActivityType: req.ActivityType,
		ActivityRef:  req.ActivityRef,
		Status:       ledger.StatusPending,
		Method:       class.Method,
		Metadata: ledger.VerificationMetadata{
			ClassificationReason: class.Reason,
			Evidence:             req.Evidence,
		},
		Valuation: valuation,
	})
	if err != nil {
		log.Info("credit append refused", zap.Error(err))
		return nil, err
	}

	if flag, reason := s.fraudCheck(ctx, req, class); flag != "" {
		meta := entry.Metadata.Data()
		meta.FraudFlag = flag
		meta.RejectionReason = reason
		log.Warn("activity flagged as fraudulent", zap.String("entry_id", entry.ID), zap.String("flag", flag))
		return s.reject(ctx, entry, entry.Method, meta)
	}

	switch class.Method {
	case ledger.MethodAutomatic:
		return s.verify(ctx, entry, ledger.MethodAutomatic, entry.Metadata.Data())
	case ledger.MethodAIAssisted:
		if err := s.dispatcher.DispatchAI(ctx, entry); err != nil {
			log.Error("AI verification dispatch failed, entry stays pending", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	case ledger.MethodManualReview:
		if err := s.dispatcher.DispatchManualReview(ctx, entry); err != nil {
			log.Error("manual review dispatch failed, entry stays pending", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}

	return entry, nil
}

// fraudCheck returns a flag and a reason when the activity looks fraudulent.
// The velocity counter fails open.
func (s *Service) fraudCheck(ctx context.Context, req CreditRequest, class *rule.Classification) (string, string) {
	if class.Rule.MaxAmount.Valid && s.policy.MaxBoundFactor.IsPositive() {
		bound := class.Rule.MaxAmount.Decimal.Mul(s.policy.MaxBoundFactor)
		if req.CO2Amount.GreaterThan(bound) {
			return FraudAmountBound, fmt.Sprintf("co2 amount %s exceeds plausible bound %s", req.CO2Amount, bound)
		}
	}

	if s.velocity == nil || s.policy.VelocityLimit <= 0 {
		return "", ""
	}

	n, err := s.velocity.Incr(ctx, req.UserID)
	if err != nil {
		logger.FromContext(ctx).Warn("velocity counter unavailable, skipping check", zap.String("user_id", req.UserID), zap.Error(err))
		return "", ""
	}
	if n > s.policy.VelocityLimit {
		return FraudVelocity, fmt.Sprintf("%d credits in the current window exceeds limit %d", n, s.policy.VelocityLimit)
	}
	return "", ""
}

// AIVerificationResult applies the AI verifier's answer to a pending entry.
func (s *Service) AIVerificationResult(ctx context.Context, entryID string, confidence float64, summary string) (*ledger.LedgerEntry, error) {
	if confidence < 0 || confidence > 1 {
		return nil, ErrInvalidConfidence.Withf("confidence %v is outside [0, 1]", confidence)
	}

	entry, err := s.pending(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Method != ledger.MethodAIAssisted {
		return nil, ledger.ErrInvalidTransition.Withf("entry %s awaits %s, not AI verification", entryID, entry.Method)
	}

	meta := entry.Metadata.Data()
	meta.Confidence = &confidence
	meta.EvidenceSummary = summary
	meta.AIAttempts++

	switch {
	case confidence >= s.policy.AIConfidenceThreshold:
		return s.verify(ctx, entry, ledger.MethodAIAssisted, meta)
	case s.policy.EscalateBelowThreshold && confidence >= s.policy.EscalationFloor:
		return s.escalate(ctx, entry, meta)
	default:
		meta.RejectionReason = fmt.Sprintf("AI confidence %.2f below threshold %.2f", confidence, s.policy.AIConfidenceThreshold)
		return s.reject(ctx, entry, ledger.MethodAIAssisted, meta)
	}
}

// ReviewDecision records a human reviewer's verdict on a pending entry.
func (s *Service) ReviewDecision(ctx context.Context, entryID string, approve bool, reviewerID, note string) (*ledger.LedgerEntry, error) {
	if reviewerID == "" {
		return nil, ErrReviewerRequired
	}

	entry, err := s.pending(ctx, entryID)
	if err != nil {
		return nil, err
	}

	meta := entry.Metadata.Data()
	meta.ReviewerID = reviewerID
	meta.ReviewNote = note

	if approve {
		return s.verify(ctx, entry, ledger.MethodManualReview, meta)
	}
	meta.RejectionReason = "rejected by reviewer"
	if note != "" {
		meta.RejectionReason = note
	}
	return s.reject(ctx, entry, ledger.MethodManualReview, meta)
}

// Cancel rejects a pending entry, for example when the source activity was
// withdrawn.
func (s *Service) Cancel(ctx context.Context, entryID, reason string) (*ledger.LedgerEntry, error) {
	entry, err := s.pending(ctx, entryID)
	if err != nil {
		return nil, err
	}

	meta := entry.Metadata.Data()
	meta.RejectionReason = "cancelled"
	if reason != "" {
		meta.RejectionReason = reason
	}
	return s.reject(ctx, entry, entry.Method, meta)
}

func (s *Service) pending(ctx context.Context, entryID string) (*ledger.LedgerEntry, error) {
	entry, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != ledger.StatusPending {
		return nil, ledger.ErrInvalidTransition.Withf("entry %s is already %s", entryID, entry.Status)
	}
	return entry, nil
}

// verify moves the entry to Verified and folds it in one transaction.
func (s *Service) verify(ctx context.Context, entry *ledger.LedgerEntry, method ledger.Method, meta ledger.VerificationMetadata) (*ledger.LedgerEntry, error) {
	var out *ledger.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockHeads(ctx, tx, entry.UserID); err != nil {
			return err
		}

		updated, err := s.ledger.UpdateVerification(ctx, tx, entry.ID, ledger.StatusPending, ledger.VerificationUpdate{
			Status:   ledger.StatusVerified,
			Method:   method,
			Metadata: meta,
		})
		if err != nil {
			return err
		}

		if _, err := s.balance.ApplyVerifiedTx(ctx, tx, updated); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to verify entry", zap.String("entry_id", entry.ID), zap.Error(err))
		s.ledger.HaltOnIntegrity(ctx, entry.UserID, err)
		return nil, err
	}

	outcomes.WithLabelValues(string(method), string(ledger.StatusVerified)).Inc()
	return out, nil
}

func (s *Service) reject(ctx context.Context, entry *ledger.LedgerEntry, method ledger.Method, meta ledger.VerificationMetadata) (*ledger.LedgerEntry, error) {
	out, err := s.ledger.UpdateVerification(ctx, s.db, entry.ID, ledger.StatusPending, ledger.VerificationUpdate{
		Status:   ledger.StatusRejected,
		Method:   method,
		Metadata: meta,
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to reject entry", zap.String("entry_id", entry.ID), zap.Error(err))
		s.ledger.HaltOnIntegrity(ctx, entry.UserID, err)
		return nil, err
	}

	outcomes.WithLabelValues(string(method), string(ledger.StatusRejected)).Inc()
	return out, nil
}

// escalate hands a low confidence AI result to a human. The entry stays
// pending under the manual review method.
func (s *Service) escalate(ctx context.Context, entry *ledger.LedgerEntry, meta ledger.VerificationMetadata) (*ledger.LedgerEntry, error) {
	at := s.ledger.Now()
	meta.Escalated = true
	meta.EscalatedAt = &at

	out, err := s.ledger.UpdateVerification(ctx, s.db, entry.ID, ledger.StatusPending, ledger.VerificationUpdate{
		Status:   ledger.StatusPending,
		Method:   ledger.MethodManualReview,
		Metadata: meta,
	})
	if err != nil {
		s.ledger.HaltOnIntegrity(ctx, entry.UserID, err)
		return nil, err
	}

	outcomes.WithLabelValues(string(ledger.MethodAIAssisted), "ESCALATED").Inc()
	if err := s.dispatcher.DispatchManualReview(ctx, out); err != nil {
		logger.FromContext(ctx).Error("manual review dispatch failed after escalation", zap.String("entry_id", entry.ID), zap.Error(err))
	}
	return out, nil
}
