package metadata

import "fmt"

// ValidatorKind tags a validator variant.
type ValidatorKind string

// Validator variants.
const (
	ValidatorRequired  ValidatorKind = "required"
	ValidatorRange     ValidatorKind = "range"
	ValidatorMaxLength ValidatorKind = "maxLength"
	ValidatorRegex     ValidatorKind = "regex"
	// ValidatorCustom runs either a named Go function registered with the
	// validation engine or an expression.
	ValidatorCustom ValidatorKind = "custom"
)

// ValidatorSpec is a validator expressed as data. Property validators are
// listed on a DataProperty; entity validators on the EntityType.
type ValidatorSpec struct {
	Kind     ValidatorKind `json:"kind" yaml:"kind"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Min      *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Length   int           `json:"length,omitempty" yaml:"length,omitempty"`
	Pattern  string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Func     string        `json:"func,omitempty" yaml:"func,omitempty"`
	Expr     string        `json:"expr,omitempty" yaml:"expr,omitempty"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Severity string        `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// RuleName is the name violations are reported under.
func (v ValidatorSpec) RuleName() string {
	if v.Name != "" {
		return v.Name
	}
	if v.Kind == ValidatorCustom && v.Func != "" {
		return v.Func
	}
	return string(v.Kind)
}

func (v ValidatorSpec) check(entityLevel bool) error {
	switch v.Kind {
	case ValidatorRequired:
	case ValidatorRange:
		if v.Min == nil && v.Max == nil {
			return fmt.Errorf("range validator needs min or max")
		}
	case ValidatorMaxLength:
		if v.Length <= 0 {
			return fmt.Errorf("maxLength validator needs a positive length")
		}
	case ValidatorRegex:
		if v.Pattern == "" {
			return fmt.Errorf("regex validator needs a pattern")
		}
	case ValidatorCustom:
		if (v.Func == "") == (v.Expr == "") {
			return fmt.Errorf("custom validator needs exactly one of func or expr")
		}
		return nil
	default:
		return fmt.Errorf("unknown validator kind %q", v.Kind)
	}
	if entityLevel {
		return fmt.Errorf("%s validator cannot be used at entity level", v.Kind)
	}
	return nil
}

// Float is a helper for building range validators in code.
func Float(f float64) *float64 { return &f }
