package core

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"entitycore/internal/validation"
	"entitycore/pkg/domain"
)

// Applicability selects the points at which validators run automatically.
type Applicability uint8

// Validation hook points.
const (
	ValidateOnAttach Applicability = 1 << iota
	ValidateOnPropertyChange
	ValidateOnSave

	ValidateAll = ValidateOnAttach | ValidateOnPropertyChange | ValidateOnSave
)

// Has reports whether every bit of point is enabled.
func (a Applicability) Has(point Applicability) bool { return a&point == point }

// ValidationOptions configures automatic validation.
type ValidationOptions struct {
	Applicability Applicability
	// StrictAttach makes AttachEntity fail instead of attaching an entity with
	// blocking violations.
	StrictAttach bool
}

// DefaultValidationOptions enables every hook point without strict attach.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{Applicability: ValidateAll}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransport sets the data service used by queries and saves.
func WithTransport(t domain.Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink for saves, imports and exports.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.audit = r
		}
	}
}

// WithClock overrides the time source used for instrumentation.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithKeyGenerator shares a temporary key generator between scopes.
func WithKeyGenerator(g *TempKeyGenerator) Option {
	return func(m *Manager) {
		if g != nil {
			m.keygen = g
		}
	}
}

// WithMergeStrategy sets the default merge strategy for queries and imports.
func WithMergeStrategy(s domain.MergeStrategy) Option {
	return func(m *Manager) {
		if s.Valid() {
			m.mergeStrategy = s
		}
	}
}

// WithValidationOptions sets the automatic validation hook points.
func WithValidationOptions(o ValidationOptions) Option {
	return func(m *Manager) { m.valOpts = o }
}

// WithValidationEngine sets the engine running declared validators.
func WithValidationEngine(e *validation.Engine) Option {
	return func(m *Manager) {
		if e != nil {
			m.validator = e
		}
	}
}

// EnvMergeStrategy names the environment variable read by OptionsFromEnv.
const EnvMergeStrategy = "ENTITYCORE_MERGE_STRATEGY"

// OptionsFromEnv reads manager defaults from the environment.
//
//	ENTITYCORE_MERGE_STRATEGY: PreserveChanges|OverwriteChanges|SkipMerge
//	ENTITYCORE_STRICT_ATTACH: true to reject invalid entities on attach
func OptionsFromEnv() ([]Option, error) {
	var opts []Option
	strategy, ok := domain.ParseMergeStrategy(strings.TrimSpace(os.Getenv(EnvMergeStrategy)))
	if !ok {
		return nil, fmt.Errorf("unknown merge strategy %q", os.Getenv(EnvMergeStrategy))
	}
	opts = append(opts, WithMergeStrategy(strategy))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ENTITYCORE_STRICT_ATTACH")), "true") {
		vo := DefaultValidationOptions()
		vo.StrictAttach = true
		opts = append(opts, WithValidationOptions(vo))
	}
	return opts, nil
}
