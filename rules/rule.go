// Package rules evaluates the approval expressions configured per stage.
package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrNotBool is returned when an expression yields something other than a bool.
var ErrNotBool = errors.New("expression is not boolean")

// Evaluator decides a boolean expression against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator compiles expressions with expr-lang/expr and caches the
// programs by source text.
type ExprEvaluator struct {
	mu      sync.RWMutex
	cache   map[string]*vm.Program
	derived map[string]func(map[string]interface{}) interface{}
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc injects a variable computed from the environment before
// every evaluation, such as a helper function closed over it.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
	// Programs compiled against the old env shape may no longer type-check.
	clear(e.cache)
}

// extend copies env and adds the derived variables.
func (e *ExprEvaluator) extend(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(env)+len(e.derived))
	for k, v := range env {
		out[k] = v
	}
	for k, f := range e.derived {
		out[k] = f(env)
	}
	return out
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}

// Compile type-checks expression against env without running it.
func (e *ExprEvaluator) Compile(expression string, env map[string]interface{}) error {
	_, err := e.program(expression, e.extend(env))
	return err
}

// Evaluate runs expression against env. Non-boolean results are errors.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	full := e.extend(env)
	program, err := e.program(expression, full)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, full)
	if err != nil {
		return false, fmt.Errorf("run %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrNotBool, expression, result)
	}
	return b, nil
}
