package validation

import (
	"errors"
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"entitycore/pkg/metadata"
)

// EvaluationError reports an expression validator that failed to compile or
// run, or that produced something other than a bool.
type EvaluationError struct {
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("validation: expr=%q: %v", e.Expr, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Engine) evalExpr(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return false, &EvaluationError{Err: errors.New("expression must not be empty")}
	}
	program, err := e.loadOrCompile(expression)
	if err != nil {
		return false, err
	}
	out, err := exprlang.Run(program, env)
	if err != nil {
		return false, &EvaluationError{Expr: expression, Err: err}
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, &EvaluationError{Expr: expression, Err: fmt.Errorf("result %T is not a bool", out)}
	}
	return ok, nil
}

func (e *Engine) loadOrCompile(expression string) (*exprvm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, &EvaluationError{Expr: expression, Err: err}
	}
	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}

// Check compiles every expression and regex pattern declared on the given
// types so broken metadata surfaces before entities are validated.
func (e *Engine) Check(types ...*metadata.EntityType) error {
	var errs []error
	for _, t := range types {
		specs := append([]metadata.ValidatorSpec(nil), t.EntityValidators()...)
		for _, p := range t.Properties() {
			specs = append(specs, p.Validators...)
		}
		for _, spec := range specs {
			switch {
			case spec.Expr != "":
				if _, err := e.loadOrCompile(spec.Expr); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
				}
			case spec.Kind == metadata.ValidatorRegex:
				if _, err := e.pattern(spec.Pattern); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}
