package celengine

import (
	"testing"

	"github.com/google/cel-go/cel"
	"github.com/stretchr/testify/require"
)

var testVars = Variables{
	"activity_type": cel.StringType,
	"co2_amount":    cel.DoubleType,
	"has_evidence":  cel.BoolType,
}

func TestCompileAndEval(t *testing.T) {
	env, err := Env("test", testVars)
	require.NoError(t, err)

	prg, err := CompileBool(env, `activity_type == "cycling" && co2_amount > 5.0 && !has_evidence`)
	require.NoError(t, err)

	ok, err := EvalBool(prg, map[string]any{"activity_type": "cycling", "co2_amount": 6.5, "has_evidence": false})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvalBool(prg, map[string]any{"activity_type": "cycling", "co2_amount": 1.0, "has_evidence": false})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := Env("test", testVars)
	require.NoError(t, err)

	require.Error(t, ValidateExpression(env, `co2_amount * 2.0`))
	require.Error(t, ValidateExpression(env, `unknown_var > 1`))
	require.NoError(t, ValidateExpression(env, `co2_amount >= 1.0`))
}

func TestEnvIsCached(t *testing.T) {
	a, err := Env("cached", testVars)
	require.NoError(t, err)
	b, err := Env("cached", testVars)
	require.NoError(t, err)
	require.Same(t, a, b)
}
