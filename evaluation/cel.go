package evaluation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit caps evaluation cost so a pathological expression cannot
// exhaust the worker.
const celCostLimit = 1_000_000

// ExprEvaluator compiles and runs the "expr" operator's CEL expressions.
// Expressions see two variables: "signal" (the inbound payload) and
// "context" (the caller-supplied evaluation context). Compiled programs
// are cached by expression text; thread-safe for concurrent evaluation.
type ExprEvaluator struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func NewExprEvaluator() (*ExprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("signal", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ExprEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs the expression against the signal payload and evaluation
// context. A non-boolean result is false.
func (e *ExprEvaluator) Evaluate(expression string, payload, evalContext map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if evalContext == nil {
		evalContext = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{
		"signal":  payload,
		"context": evalContext,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	matched, _ := out.Value().(bool)
	return matched, nil
}

func (e *ExprEvaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
