package core

import (
	"context"
	"sync"
	"sync/atomic"

	"entitycore/pkg/domain"
)

// EntityAspect is the change-tracking state of one entity: its scope, state,
// original values and validation errors.
type EntityAspect struct {
	entity  *Entity
	manager atomic.Pointer[Manager]
	seq     uint64

	state    domain.EntityState
	original map[string]any
	tempKey  bool
	// wasAdded marks a Deleted entity that never reached the data service.
	wasAdded bool
	errors   ValidationErrors

	// unlinked and cascaded record what a delete did to dependents so a
	// reject can restore them.
	unlinked []unlinkRecord
	cascaded []*Entity

	propObs observers[PropertyChangedEvent]
	obsMu   sync.Mutex
	collObs map[string]*observers[CollectionChangedEvent]
}

type unlinkRecord struct {
	dependent *Entity
	fks       []string
	values    []any
	prevState domain.EntityState
}

// Entity returns the entity the aspect belongs to.
func (a *EntityAspect) Entity() *Entity { return a.entity }

// Manager returns the owning scope, or nil when detached.
func (a *EntityAspect) Manager() *Manager { return a.manager.Load() }

// State returns the current entity state.
func (a *EntityAspect) State() domain.EntityState {
	defer a.entity.lock()()
	return a.state
}

// HasTemporaryKey reports whether the key is a placeholder awaiting a save.
func (a *EntityAspect) HasTemporaryKey() bool {
	defer a.entity.lock()()
	return a.tempKey
}

// OriginalValues copies the values captured since the last Unchanged
// checkpoint.
func (a *EntityAspect) OriginalValues() map[string]any {
	defer a.entity.lock()()
	out := make(map[string]any, len(a.original))
	for k, v := range a.original {
		out[k] = v
	}
	return out
}

// OriginalValue returns the checkpoint value of name when it has changed.
func (a *EntityAspect) OriginalValue(name string) (any, bool) {
	defer a.entity.lock()()
	v, ok := a.original[name]
	return v, ok
}

// GetValue reads a property by name.
func (a *EntityAspect) GetValue(name string) any { return a.entity.Get(name) }

// SetValue assigns a property by name.
func (a *EntityAspect) SetValue(name string, value any) error { return a.entity.Set(name, value) }

// ValidationErrors copies the current validation errors.
func (a *EntityAspect) ValidationErrors() []domain.Violation {
	defer a.entity.lock()()
	return a.errors.All()
}

// RemoveServerErrors drops errors reported by the data service.
func (a *EntityAspect) RemoveServerErrors() {
	defer a.entity.lock()()
	a.errors.removeOrigin(domain.OriginServer)
}

// AcceptChanges confirms the current values as the saved baseline.
func (a *EntityAspect) AcceptChanges() error {
	m := a.manager.Load()
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.AcceptEntity(a.entity)
}

// RejectChanges reverts the entity to its last saved baseline.
func (a *EntityAspect) RejectChanges() error {
	m := a.manager.Load()
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.RejectEntity(a.entity)
}

// SetModified forces an Unchanged entity into the Modified state.
func (a *EntityAspect) SetModified() error {
	m := a.manager.Load()
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.run(func(b *batch) error {
		switch a.state {
		case domain.StateUnchanged:
			m.setStateLocked(b, a.entity, domain.StateModified)
		case domain.StateDeleted:
			return &domain.StateTransitionError{Operation: "mark modified", State: a.state}
		}
		return nil
	})
}

// Validate runs every validator of the entity and replaces its client errors.
func (a *EntityAspect) Validate(ctx context.Context) domain.Result {
	m := a.manager.Load()
	if m == nil {
		return domain.Result{}
	}
	return m.Validate(ctx, a.entity)
}

// OnPropertyChanged subscribes to property changes. The returned function
// unsubscribes.
func (a *EntityAspect) OnPropertyChanged(fn func(PropertyChangedEvent)) func() {
	return a.propObs.subscribe(fn)
}

func (a *EntityAspect) collectionObservers(nav string, create bool) *observers[CollectionChangedEvent] {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	obs, ok := a.collObs[nav]
	if !ok && create {
		if a.collObs == nil {
			a.collObs = make(map[string]*observers[CollectionChangedEvent])
		}
		obs = &observers[CollectionChangedEvent]{}
		a.collObs[nav] = obs
	}
	return obs
}

func (a *EntityAspect) captureOriginal(name string, value any) {
	if a.original == nil {
		a.original = make(map[string]any)
	}
	if _, seen := a.original[name]; !seen {
		a.original[name] = value
	}
}

func (a *EntityAspect) resetTracking() {
	a.original = nil
	a.wasAdded = false
	a.unlinked = nil
	a.cascaded = nil
}

// ValidationErrors is an ordered collection of violations keyed by origin,
// rule and property.
type ValidationErrors struct {
	keys  []string
	items map[string]domain.Violation
}

// All returns the violations in insertion order.
func (v *ValidationErrors) All() []domain.Violation {
	out := make([]domain.Violation, 0, len(v.keys))
	for _, k := range v.keys {
		out = append(out, v.items[k])
	}
	return out
}

// Len returns the number of violations.
func (v *ValidationErrors) Len() int { return len(v.keys) }

func (v *ValidationErrors) add(viol domain.Violation) {
	if v.items == nil {
		v.items = make(map[string]domain.Violation)
	}
	k := viol.Key()
	if _, ok := v.items[k]; !ok {
		v.keys = append(v.keys, k)
	}
	v.items[k] = viol
}

func (v *ValidationErrors) removeWhere(match func(domain.Violation) bool) {
	kept := v.keys[:0]
	for _, k := range v.keys {
		if match(v.items[k]) {
			delete(v.items, k)
			continue
		}
		kept = append(kept, k)
	}
	v.keys = kept
}

func (v *ValidationErrors) removeOrigin(origin domain.ValidationOrigin) {
	v.removeWhere(func(viol domain.Violation) bool { return originOf(viol) == origin })
}

func (v *ValidationErrors) clear() {
	v.keys = nil
	v.items = nil
}

func originOf(v domain.Violation) domain.ValidationOrigin {
	if v.Origin == "" {
		return domain.OriginClient
	}
	return v.Origin
}
