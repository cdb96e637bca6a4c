package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

func (e *Engine) runBuiltin(t *metadata.EntityType, subject Subject, p metadata.DataProperty, spec metadata.ValidatorSpec, value any) (domain.Violation, bool) {
	var msg string
	switch spec.Kind {
	case metadata.ValidatorRequired:
		if s, isString := value.(string); value == nil || (isString && s == "") {
			msg = fmt.Sprintf("%s is required", p.Name)
		}
	case metadata.ValidatorMaxLength:
		if s, isString := value.(string); isString && utf8.RuneCountInString(s) > spec.Length {
			msg = fmt.Sprintf("%s must be at most %d characters", p.Name, spec.Length)
		}
	case metadata.ValidatorRange:
		n, numeric := asFloat(value)
		if !numeric {
			break
		}
		if spec.Min != nil && n < *spec.Min {
			msg = fmt.Sprintf("%s must be at least %v", p.Name, *spec.Min)
		} else if spec.Max != nil && n > *spec.Max {
			msg = fmt.Sprintf("%s must be at most %v", p.Name, *spec.Max)
		}
	case metadata.ValidatorRegex:
		s, isString := value.(string)
		if !isString || s == "" {
			break
		}
		re, err := e.pattern(spec.Pattern)
		if err != nil {
			return failure(t, subject, spec.RuleName(), p.Name, err), true
		}
		if !re.MatchString(s) {
			msg = fmt.Sprintf("%s does not match %s", p.Name, spec.Pattern)
		}
	}
	if msg == "" {
		return domain.Violation{}, false
	}
	if spec.Message != "" {
		msg = spec.Message
	}
	return violation(t, subject, spec, p.Name, msg), true
}

func (e *Engine) pattern(expr string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[expr]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	e.mu.Lock()
	e.patterns[expr] = re
	e.mu.Unlock()
	return re, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
