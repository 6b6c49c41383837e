package compliance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RuleEvaluator compiles and caches CEL spending rules. Rules see the
// variables amount, destination, chain, token, subject, daily_spent and
// drift_score.
type RuleEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("destination", cel.StringType),
		cel.Variable("chain", cel.StringType),
		cel.Variable("token", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("daily_spent", cel.IntType),
		cel.Variable("drift_score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RuleEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a valid boolean rule.
func (e *RuleEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs expr against vars.
func (e *RuleEvaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *RuleEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: rule must be boolean, got %s", ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}
