package core

import (
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Entity is a tracked property bag shaped by an entity type. Values are stored
// in the type's property order and always hold normalized representations.
type Entity struct {
	typ    *metadata.EntityType
	values []any
	aspect *EntityAspect
}

// NewEntity creates a detached entity with every property at its initial
// value.
func NewEntity(t *metadata.EntityType) *Entity {
	props := t.Properties()
	e := &Entity{typ: t, values: make([]any, len(props))}
	for i, p := range props {
		e.values[i] = p.InitialValue()
	}
	e.aspect = &EntityAspect{entity: e, state: domain.StateDetached}
	return e
}

// Type returns the entity's metadata.
func (e *Entity) Type() *metadata.EntityType { return e.typ }

// TypeName returns the name of the entity's type.
func (e *Entity) TypeName() string { return e.typ.Name }

// Aspect returns the change-tracking state of the entity.
func (e *Entity) Aspect() *EntityAspect { return e.aspect }

// Get returns a property value, or nil when the property does not exist.
func (e *Entity) Get(name string) any {
	defer e.lock()()
	return e.getLocked(name)
}

// Values copies every property value.
func (e *Entity) Values() map[string]any {
	defer e.lock()()
	out := make(map[string]any, len(e.values))
	for i, p := range e.typ.Properties() {
		out[p.Name] = e.values[i]
	}
	return out
}

// Key returns the identity of the entity.
func (e *Entity) Key() domain.EntityKey {
	defer e.lock()()
	return domain.EntityKey{Type: e.typ.Root(), Values: e.keyValues()}
}

// KeyString returns the canonical identity string.
func (e *Entity) KeyString() string {
	defer e.lock()()
	return e.keyString()
}

// Set assigns a property. On attached entities this captures the original
// value, moves Unchanged entities to Modified, re-resolves navigations whose
// foreign keys changed, and runs property validation.
func (e *Entity) Set(name string, value any) error {
	idx, ok := e.typ.PropertyIndex(name)
	if !ok {
		return &domain.MetadataError{Type: e.typ.Name, Property: name, Reason: "unknown property"}
	}
	v, err := e.typ.Properties()[idx].Normalize(value)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", e.typ.Name, name, err)
	}
	m := e.aspect.manager.Load()
	if m == nil {
		old := e.values[idx]
		if metadata.ValuesEqual(old, v) {
			return nil
		}
		e.values[idx] = v
		b := newBatch(nil, false)
		b.propertyChanged(e, name, old, v)
		b.deliver()
		return nil
	}
	return m.run(func(b *batch) error {
		if e.aspect.manager.Load() != m {
			return domain.ErrEntityDetached
		}
		if metadata.ValuesEqual(e.values[idx], v) {
			return nil
		}
		if e.typ.IsKey(name) {
			return &domain.KeyChangeError{Type: e.typ.Name, Property: name}
		}
		if e.aspect.state == domain.StateDeleted {
			return &domain.StateTransitionError{Operation: "modify", State: domain.StateDeleted}
		}
		m.writeLocked(b, e, []write{{idx: idx, value: v}}, writeTrack)
		return nil
	})
}

// Reference returns the entity a reference navigation points at, or nil when
// the target is not resident.
func (e *Entity) Reference(nav string) *Entity {
	m := e.aspect.manager.Load()
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	target, _ := m.referenceLocked(e, nav)
	return target
}

// SetReference points a reference navigation at target, or clears it when
// target is nil. A detached entity on either side is attached as Added.
func (e *Entity) SetReference(nav string, target *Entity) error {
	m := e.aspect.manager.Load()
	if m == nil && target != nil {
		m = target.aspect.manager.Load()
	}
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.SetNavigation(e, nav, target)
}

// Collection returns the navigation collection nav of e.
func (e *Entity) Collection(nav string) *Collection {
	return &Collection{owner: e, nav: nav}
}

// Delete marks the entity Deleted.
func (e *Entity) Delete() error {
	m := e.aspect.manager.Load()
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.DeleteEntity(e)
}

// Value reads a property as T. The second result is false when the property
// is unknown, nil, or holds another type.
func Value[T any](e *Entity, name string) (T, bool) {
	v, ok := e.Get(name).(T)
	return v, ok
}

func (e *Entity) lock() func() {
	if m := e.aspect.manager.Load(); m != nil {
		m.mu.Lock()
		return m.mu.Unlock
	}
	return func() {}
}

func (e *Entity) getLocked(name string) any {
	idx, ok := e.typ.PropertyIndex(name)
	if !ok {
		return nil
	}
	return e.values[idx]
}

func (e *Entity) keyValues() []any {
	idxs := e.typ.KeyIndexes()
	out := make([]any, len(idxs))
	for i, idx := range idxs {
		out[i] = e.values[idx]
	}
	return out
}

func (e *Entity) keyString() string {
	return domain.EntityKey{Type: e.typ.Root(), Values: e.keyValues()}.String()
}

func (e *Entity) keyEmpty() bool {
	props := e.typ.Properties()
	for _, idx := range e.typ.KeyIndexes() {
		if props[idx].IsEmpty(e.values[idx]) {
			return true
		}
	}
	return false
}

// lockedView exposes an entity to validators while the manager lock is held.
type lockedView struct{ e *Entity }

func (v lockedView) TypeName() string    { return v.e.typ.Name }
func (v lockedView) KeyString() string   { return v.e.keyString() }
func (v lockedView) Get(name string) any { return v.e.getLocked(name) }
