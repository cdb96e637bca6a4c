// Package validation executes validators declared as metadata against tracked
// entities. It runs the built-in kinds (required, range, maxLength, regex),
// named Go functions and expr expressions, plus any Go rules registered on the
// engine. It never defines business rules itself.
package validation

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	exprvm "github.com/expr-lang/expr/vm"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Subject is the read-only view of an entity that validators inspect.
type Subject interface {
	TypeName() string
	KeyString() string
	Get(name string) any
}

// Call carries the arguments of a custom validator invocation. Property is
// empty for entity-level validators.
type Call struct {
	Type     *metadata.EntityType
	Subject  Subject
	Property string
	Value    any
}

// Func is a named custom validator. Returning false reports a violation; an
// error reports that the validator itself could not run.
type Func func(ctx context.Context, call Call) (bool, error)

// Rule is an entity-level check registered in Go rather than declared in
// metadata.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, t *metadata.EntityType, subject Subject) (domain.Result, error)
}

// Engine evaluates validators. It is safe for concurrent use and may be shared
// by several cache scopes.
type Engine struct {
	mu       sync.RWMutex
	funcs    map[string]Func
	rules    []Rule
	programs map[string]*exprvm.Program
	patterns map[string]*regexp.Regexp
}

// NewEngine constructs an engine with no named functions or rules.
func NewEngine() *Engine {
	return &Engine{
		funcs:    make(map[string]Func),
		programs: make(map[string]*exprvm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// RegisterFunc binds a custom validator name used by ValidatorSpec.Func.
func (e *Engine) RegisterFunc(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Register appends an entity-level rule.
func (e *Engine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// ValidateEntity runs every property validator, every entity validator and
// every registered rule for subject.
func (e *Engine) ValidateEntity(ctx context.Context, t *metadata.EntityType, subject Subject) domain.Result {
	var res domain.Result
	for _, p := range t.Properties() {
		res.Merge(e.validateProperty(ctx, t, subject, p, subject.Get(p.Name)))
	}
	for _, spec := range t.EntityValidators() {
		if v, failed := e.runCustom(ctx, t, subject, spec, "", nil); failed {
			res.Violations = append(res.Violations, v)
		}
	}
	e.mu.RLock()
	rules := append([]Rule(nil), e.rules...)
	e.mu.RUnlock()
	for _, rule := range rules {
		out, err := rule.Evaluate(ctx, t, subject)
		if err != nil {
			res.Violations = append(res.Violations, failure(t, subject, rule.Name(), "", err))
			continue
		}
		res.Merge(out)
	}
	return res
}

// ValidateProperty runs the validators of a single property against value.
func (e *Engine) ValidateProperty(ctx context.Context, t *metadata.EntityType, subject Subject, name string, value any) domain.Result {
	p, ok := t.Property(name)
	if !ok {
		return domain.Result{}
	}
	return e.validateProperty(ctx, t, subject, p, value)
}

func (e *Engine) validateProperty(ctx context.Context, t *metadata.EntityType, subject Subject, p metadata.DataProperty, value any) domain.Result {
	var res domain.Result
	if p.MaxLength > 0 {
		implicit := metadata.ValidatorSpec{Kind: metadata.ValidatorMaxLength, Length: p.MaxLength}
		if v, failed := e.runBuiltin(t, subject, p, implicit, value); failed {
			res.Violations = append(res.Violations, v)
		}
	}
	for _, spec := range p.Validators {
		var (
			v      domain.Violation
			failed bool
		)
		if spec.Kind == metadata.ValidatorCustom {
			v, failed = e.runCustom(ctx, t, subject, spec, p.Name, value)
		} else {
			v, failed = e.runBuiltin(t, subject, p, spec, value)
		}
		if failed {
			res.Violations = append(res.Violations, v)
		}
	}
	return res
}

func (e *Engine) runCustom(ctx context.Context, t *metadata.EntityType, subject Subject, spec metadata.ValidatorSpec, property string, value any) (domain.Violation, bool) {
	var (
		ok  bool
		err error
	)
	if spec.Func != "" {
		e.mu.RLock()
		fn, found := e.funcs[spec.Func]
		e.mu.RUnlock()
		if !found {
			err = fmt.Errorf("validator function %q is not registered", spec.Func)
		} else {
			ok, err = fn(ctx, Call{Type: t, Subject: subject, Property: property, Value: value})
		}
	} else {
		ok, err = e.evalExpr(spec.Expr, environment(t, subject, property, value))
	}
	if err != nil {
		return failure(t, subject, spec.RuleName(), property, err), true
	}
	if ok {
		return domain.Violation{}, false
	}
	msg := spec.Message
	if msg == "" {
		if property != "" {
			msg = fmt.Sprintf("%s failed %s", property, spec.RuleName())
		} else {
			msg = fmt.Sprintf("%s failed %s", t.Name, spec.RuleName())
		}
	}
	return violation(t, subject, spec, property, msg), true
}

func environment(t *metadata.EntityType, subject Subject, property string, value any) map[string]any {
	entity := make(map[string]any, len(t.Properties()))
	for _, p := range t.Properties() {
		entity[p.Name] = subject.Get(p.Name)
	}
	return map[string]any{
		"value":    value,
		"entity":   entity,
		"property": property,
		"type":     t.Name,
	}
}

func violation(t *metadata.EntityType, subject Subject, spec metadata.ValidatorSpec, property, msg string) domain.Violation {
	severity := domain.SeverityBlock
	if spec.Severity == string(domain.SeverityWarn) {
		severity = domain.SeverityWarn
	}
	return domain.Violation{
		Rule:     spec.RuleName(),
		Severity: severity,
		Message:  msg,
		Entity:   t.Name,
		EntityID: subject.KeyString(),
		Property: property,
		Origin:   domain.OriginClient,
	}
}

func failure(t *metadata.EntityType, subject Subject, rule, property string, err error) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  err.Error(),
		Entity:   t.Name,
		EntityID: subject.KeyString(),
		Property: property,
		Origin:   domain.OriginClient,
	}
}
