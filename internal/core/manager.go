// Package core is the entity cache: an identity-mapped graph of tracked
// entities with navigation fixup, change tracking, merge, save coordination
// and export/import.
package core

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"entitycore/internal/validation"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Manager is one cache scope. All mutating operations are serialized on an
// internal mutex and notifications are delivered synchronously after the
// mutation completes, before the call returns.
type Manager struct {
	registry      *metadata.Registry
	transport     domain.Transport
	keygen        *TempKeyGenerator
	validator     *validation.Engine
	valOpts       ValidationOptions
	mergeStrategy domain.MergeStrategy

	logger  zerolog.Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	clock   Clock

	opts []Option

	mu           sync.Mutex
	entities     map[string]*Entity
	index        map[*metadata.Relationship]map[string][]*Entity
	deleted      map[*Entity]struct{}
	pendingCount int
	attachSeq    uint64
	saving       atomic.Bool

	entityObs     observers[EntityChangedEvent]
	hasChangesObs observers[HasChangesChangedEvent]
}

// NewManager builds an empty cache scope over reg.
func NewManager(reg *metadata.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:      reg,
		keygen:        NewTempKeyGenerator(),
		validator:     validation.NewEngine(),
		valOpts:       DefaultValidationOptions(),
		mergeStrategy: domain.PreserveChanges,
		logger:        zerolog.Nop(),
		metrics:       noopMetricsRecorder{},
		tracer:        noopTracer{},
		audit:         noopAuditRecorder{},
		clock:         systemClock{},
		opts:          append([]Option(nil), opts...),
		entities:      make(map[string]*Entity),
		index:         make(map[*metadata.Relationship]map[string][]*Entity),
		deleted:       make(map[*Entity]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// NewManagerFrom builds an empty scope with the registry and options of other.
// The new scope gets its own temporary key generator unless opts share one.
func NewManagerFrom(other *Manager, opts ...Option) *Manager {
	inherited := []Option{
		WithTransport(other.transport),
		WithLogger(other.logger),
		WithMetricsRecorder(other.metrics),
		WithTracer(other.tracer),
		WithAuditRecorder(other.audit),
		WithClock(other.clock),
		WithValidationEngine(other.validator),
		WithValidationOptions(other.valOpts),
		WithMergeStrategy(other.mergeStrategy),
	}
	return NewManager(other.registry, append(inherited, opts...)...)
}

// Registry returns the metadata the scope was built against.
func (m *Manager) Registry() *metadata.Registry { return m.registry }

// Transport returns the configured transport, or nil.
func (m *Manager) Transport() domain.Transport { return m.transport }

// ValidationEngine returns the engine running declared validators.
func (m *Manager) ValidationEngine() *validation.Engine { return m.validator }

// KeyGenerator returns the temporary key generator.
func (m *Manager) KeyGenerator() *TempKeyGenerator { return m.keygen }

// OnEntityChanged subscribes to scope-level entity notifications.
func (m *Manager) OnEntityChanged(fn func(EntityChangedEvent)) func() {
	return m.entityObs.subscribe(fn)
}

// OnHasChangesChanged subscribes to zero/some pending change transitions.
func (m *Manager) OnHasChangesChanged(fn func(HasChangesChangedEvent)) func() {
	return m.hasChangesObs.subscribe(fn)
}

// run executes fn under the scope lock and delivers its notifications after
// unlocking.
func (m *Manager) run(fn func(b *batch) error) error {
	m.mu.Lock()
	b := newBatch(m, m.pendingCount > 0)
	err := fn(b)
	b.hasChanges = m.pendingCount > 0
	m.mu.Unlock()
	b.deliver()
	return err
}

// HasChanges reports whether any entity, optionally restricted to the given
// types and their subtypes, has pending changes.
func (m *Manager) HasChanges(types ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(types) == 0 {
		return m.pendingCount > 0
	}
	for _, e := range m.entities {
		if e.aspect.state.IsPending() && isAny(e.typ, types) {
			return true
		}
	}
	return false
}

// GetChanges lists entities with pending changes in attach order, optionally
// restricted to the given types and their subtypes.
func (m *Manager) GetChanges(types ...string) []*Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLocked(func(e *Entity) bool {
		return e.aspect.state.IsPending() && (len(types) == 0 || isAny(e.typ, types))
	})
}

// Entities lists attached entities in attach order. A nil filter selects all.
func (m *Manager) Entities(filter func(*Entity) bool) []*Entity {
	m.mu.Lock()
	all := m.filterLocked(nil)
	m.mu.Unlock()
	if filter == nil {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear detaches every entity and publishes a single Clear notification. The
// temporary key generator is not reset.
func (m *Manager) Clear() {
	_ = m.run(func(b *batch) error {
		for _, e := range m.entities {
			a := e.aspect
			a.manager.Store(nil)
			a.state = domain.StateDetached
			a.resetTracking()
			a.tempKey = false
			a.errors.clear()
		}
		m.entities = make(map[string]*Entity)
		m.index = make(map[*metadata.Relationship]map[string][]*Entity)
		m.deleted = make(map[*Entity]struct{})
		m.pendingCount = 0
		b.entityChanged(EntityChangedEvent{Action: domain.ActionClear})
		m.logger.Debug().Msg("cache cleared")
		return nil
	})
}

// AcceptChanges accepts every pending entity.
func (m *Manager) AcceptChanges() {
	_ = m.run(func(b *batch) error {
		for _, e := range m.filterLocked(func(e *Entity) bool { return e.aspect.state.IsPending() }) {
			_ = m.acceptLocked(b, e)
		}
		return nil
	})
}

// RejectChanges rejects every pending entity.
func (m *Manager) RejectChanges() {
	_ = m.run(func(b *batch) error {
		for _, e := range m.filterLocked(func(e *Entity) bool { return e.aspect.state.IsPending() }) {
			if e.aspect.manager.Load() == m {
				m.rejectLocked(b, e)
			}
		}
		return nil
	})
}

func (m *Manager) filterLocked(keep func(*Entity) bool) []*Entity {
	out := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].aspect.seq < out[j].aspect.seq })
	return out
}

func (m *Manager) rootOf(typeName string) string {
	if t, ok := m.registry.Lookup(typeName); ok {
		return t.Root()
	}
	return typeName
}

func isAny(t *metadata.EntityType, types []string) bool {
	for _, name := range types {
		if t.IsA(name) {
			return true
		}
	}
	return false
}
