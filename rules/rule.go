package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// ErrInvalidExpression is returned when an expression fails to compile, run,
// or produce the expected type.
var ErrInvalidExpression = errors.New("invalid expression")

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	// Evaluate runs a boolean expression against the context.
	Evaluate(expression string, context map[string]interface{}) (bool, error)

	// Value runs an expression and returns its raw result.
	Value(expression string, context map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a value computed from the context on each
// evaluation and exposed to expressions under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	result, err := e.Value(expression, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("%w: expression '%s' did not evaluate to a boolean, got %T", ErrInvalidExpression, expression, result)
}

// Value evaluates the expression and returns whatever it produced.
func (e *ExprEvaluator) Value(expression string, context map[string]interface{}) (interface{}, error) {
	env := e.environment(context)

	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidExpression, expression, err)
	}
	return result, nil
}

// environment copies the context so option funcs never leak into the
// caller's map.
func (e *ExprEvaluator) environment(context map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(context)+len(e.optionsFunc))
	for k, v := range context {
		env[k] = v
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for k, f := range e.optionsFunc {
		env[k] = f(context)
	}
	return env
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
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

	// Programs are compiled untyped: contexts differ from node to node.
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidExpression, expression, err)
	}
	e.cache[expression] = program
	return program, nil
}
