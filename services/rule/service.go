package rule

import (
	"context"
	"fmt"
	"time"

	"carbon-ledger/pkg/config"
	"carbon-ledger/pkg/logger"
	"carbon-ledger/services/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const ruleTTL = time.Minute

type Service struct {
	repo  Repository
	cache *ruleCache
}

type ServiceParams struct {
	fx.In
	Repo Repository
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo:  p.Repo,
		cache: newRuleCache(ruleTTL),
	}
}

// Classify routes an activity to a verification method.
func (s *Service) Classify(ctx context.Context, activityType string, co2 decimal.Decimal, hasEvidence bool) (*Classification, error) {
	c, err := s.compiled(ctx, activityType)
	if err != nil {
		return nil, err
	}
	if c.rule == nil {
		return nil, ErrVerificationPolicy.Withf("no verification rule for activity type %q", activityType)
	}

	r := *c.rule
	if !r.Active {
		return nil, ErrVerificationPolicy.Withf("activity type %q is not active", activityType)
	}
	if !co2.IsPositive() {
		return nil, ledger.ErrInvalidAmount.Withf("co2 amount must be positive, got %s", co2)
	}
	if co2.LessThan(r.MinAmount) {
		return nil, ErrVerificationPolicy.Withf("co2 amount %s is below the minimum %s for %q", co2, r.MinAmount, activityType)
	}
	if r.RequiresEvidence && !hasEvidence {
		return nil, ErrVerificationPolicy.Withf("activity type %q requires evidence", activityType)
	}

	out := &Classification{Rule: r}
	switch {
	case r.MaxAmount.Valid && co2.GreaterThan(r.MaxAmount.Decimal):
		out.Method, out.Reason = ledger.MethodManualReview, fmt.Sprintf("amount above maximum %s", r.MaxAmount.Decimal)
	case r.RequiredMethod == ledger.MethodManualReview:
		out.Method, out.Reason = ledger.MethodManualReview, "rule requires manual review"
	case r.RequiredMethod == ledger.MethodAIAssisted:
		out.Method, out.Reason = ledger.MethodAIAssisted, "rule requires AI verification"
	case r.CorroborationAbove.Valid && co2.GreaterThan(r.CorroborationAbove.Decimal):
		out.Method, out.Reason = ledger.MethodAIAssisted, fmt.Sprintf("amount above corroboration bound %s", r.CorroborationAbove.Decimal)
	default:
		matched, err := c.matchesCriteria(activityType, co2.InexactFloat64(), hasEvidence)
		if err != nil {
			logger.FromContext(ctx).Warn("criteria evaluation failed, routing to AI",
				zap.String("activity_type", activityType), zap.Error(err))
			matched = true
		}
		if matched {
			out.Method, out.Reason = ledger.MethodAIAssisted, "criteria matched"
		} else {
			out.Method, out.Reason = ledger.MethodAutomatic, "within automatic bounds"
		}
	}

	return out, nil
}

func (s *Service) compiled(ctx context.Context, activityType string) (*compiledRule, error) {
	if c, ok := s.cache.Get(activityType); ok {
		return c, nil
	}

	v, err, _ := s.cache.group.Do(activityType, func() (interface{}, error) {
		r, err := s.repo.Get(ctx, activityType)
		if err != nil {
			logger.FromContext(ctx).Error("failed to load verification rule", zap.String("activity_type", activityType), zap.Error(err))
			return nil, err
		}

		c := &compiledRule{rule: r}
		if r != nil {
			if c.program, err = compileCriteria(r.Criteria); err != nil {
				return nil, err
			}
		}

		s.cache.Set(activityType, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiledRule), nil
}

func validate(r *Rule) error {
	if r.ActivityType == "" {
		return ErrInvalidRule.Withf("activity type is required")
	}
	if r.MinAmount.IsNegative() {
		return ErrInvalidRule.Withf("min amount must not be negative")
	}
	if r.MaxAmount.Valid && r.MaxAmount.Decimal.LessThan(r.MinAmount) {
		return ErrInvalidRule.Withf("max amount %s is below min amount %s", r.MaxAmount.Decimal, r.MinAmount)
	}
	if r.CreditMultiplier.IsZero() {
		r.CreditMultiplier = decimal.NewFromInt(1)
	}
	if !r.CreditMultiplier.IsPositive() {
		return ErrInvalidRule.Withf("credit multiplier must be positive")
	}
	if r.RequiredMethod != "" && !r.RequiredMethod.Valid() {
		return ErrInvalidRule.Withf("unknown method %q", r.RequiredMethod)
	}
	if _, err := compileCriteria(r.Criteria); err != nil {
		return err
	}
	return nil
}

// Upsert validates and stores a rule, replacing any rule for the same
// activity type.
func (s *Service) Upsert(ctx context.Context, r Rule) (*Rule, error) {
	if err := validate(&r); err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, &r); err != nil {
		logger.FromContext(ctx).Error("failed to save verification rule", zap.String("activity_type", r.ActivityType), zap.Error(err))
		return nil, err
	}
	s.cache.Invalidate(r.ActivityType)

	return &r, nil
}

func (s *Service) List(ctx context.Context) ([]Rule, error) {
	return s.repo.List(ctx)
}

// Seed upserts the rules declared in configuration.
func (s *Service) Seed(ctx context.Context, rules []config.Rule) error {
	for _, cr := range rules {
		r, err := FromConfig(cr)
		if err != nil {
			return err
		}
		if _, err := s.Upsert(ctx, *r); err != nil {
			return err
		}
		zap.L().Info("verification rule seeded",
			zap.String("activity_type", r.ActivityType),
			zap.Bool("active", r.Active),
		)
	}
	return nil
}

// FromConfig parses a configured rule.
func FromConfig(cr config.Rule) (*Rule, error) {
	parse := func(field, v string) (decimal.NullDecimal, error) {
		if v == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.NullDecimal{}, ErrInvalidRule.Withf("%s of %q: %v", field, cr.ActivityType, err)
		}
		return decimal.NewNullDecimal(d), nil
	}

	minAmount, err := parse("min amount", cr.MinAmount)
	if err != nil {
		return nil, err
	}
	maxAmount, err := parse("max amount", cr.MaxAmount)
	if err != nil {
		return nil, err
	}
	mult, err := parse("credit multiplier", cr.CreditMultiplier)
	if err != nil {
		return nil, err
	}
	corr, err := parse("corroboration bound", cr.CorroborationAbove)
	if err != nil {
		return nil, err
	}

	return &Rule{
		ActivityType:       cr.ActivityType,
		MinAmount:          minAmount.Decimal,
		MaxAmount:          maxAmount,
		RequiredMethod:     ledger.Method(cr.RequiredMethod),
		CreditMultiplier:   mult.Decimal,
		RequiresEvidence:   cr.RequiresEvidence,
		Active:             cr.Active,
		CorroborationAbove: corr,
		Criteria:           cr.Criteria,
	}, nil
}
