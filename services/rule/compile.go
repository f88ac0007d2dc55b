package rule

import (
	"fmt"

	"carbon-ledger/pkg/celengine"

	"github.com/google/cel-go/cel"
)

const celEnvKey = "verification_rule"

var criteriaVars = celengine.Variables{
	"activity_type": cel.StringType,
	"co2_amount":    cel.DoubleType,
	"has_evidence":  cel.BoolType,
}

func compileCriteria(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := celengine.Env(celEnvKey, criteriaVars)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}

	prg, err := celengine.CompileBool(env, expr)
	if err != nil {
		return nil, ErrInvalidRule.Withf("criteria %q: %v", expr, err)
	}
	return prg, nil
}

func (c *compiledRule) matchesCriteria(activityType string, co2 float64, hasEvidence bool) (bool, error) {
	if c.program == nil {
		return false, nil
	}
	return celengine.EvalBool(c.program, map[string]any{
		"activity_type": activityType,
		"co2_amount":    co2,
		"has_evidence":  hasEvidence,
	})
}
