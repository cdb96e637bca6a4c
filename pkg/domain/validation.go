package domain

import (
	"fmt"
	"strings"
)

// Severity captures validator outcomes.
type Severity string

// Validation severities determine whether a save may proceed.
const (
	// SeverityBlock blocks the save.
	SeverityBlock Severity = "block"
	// SeverityWarn is recorded on the entity but does not block.
	SeverityWarn Severity = "warn"
)

// ValidationOrigin separates errors raised locally from errors reported by the
// data service.
type ValidationOrigin string

// Validation origins.
const (
	OriginClient ValidationOrigin = "client"
	OriginServer ValidationOrigin = "server"
)

// Violation reports a failed validator.
type Violation struct {
	Rule     string           `json:"rule" cbor:"rule"`
	Severity Severity         `json:"severity" cbor:"severity"`
	Message  string           `json:"message" cbor:"message"`
	Entity   string           `json:"entity" cbor:"entity"`
	EntityID string           `json:"entityId,omitempty" cbor:"entityId,omitempty"`
	Property string           `json:"property,omitempty" cbor:"property,omitempty"`
	Origin   ValidationOrigin `json:"origin,omitempty" cbor:"origin,omitempty"`
}

// Key identifies the violation within an entity's error collection.
func (v Violation) Key() string {
	origin := v.Origin
	if origin == "" {
		origin = OriginClient
	}
	return string(origin) + ":" + v.Rule + ":" + v.Property
}

// Result aggregates violations from the validation engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock || v.Severity == "" {
			return true
		}
	}
	return false
}

// ValidationError is returned when blocking violations prevent an operation.
type ValidationError struct {
	Result Result
}

func (e *ValidationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}
