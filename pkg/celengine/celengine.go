package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Variables declares the name and CEL type of every input an expression may read.
type Variables map[string]*cel.Type

var envCache sync.Map

// Env returns a CEL environment declaring vars. Environments are cached by key.
func Env(key string, vars Variables) (*cel.Env, error) {
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	opts := make([]cel.EnvOption, 0, len(vars))
	for name, typ := range vars {
		opts = append(opts, cel.Variable(name, typ))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}

	actual, _ := envCache.LoadOrStore(key, env)
	return actual.(*cel.Env), nil
}

// CompileBool compiles expr and checks that it yields a bool.
func CompileBool(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	return env.Program(ast)
}

func ValidateExpression(env *cel.Env, expr string) error {
	_, err := CompileBool(env, expr)
	return err
}

// EvalBool runs a compiled boolean program against attrs.
func EvalBool(prg cel.Program, attrs map[string]any) (bool, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
