package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// CreateEntity builds an entity of typeName from values and attaches it as
// Added. Missing keys are generated according to the type's key strategy.
func (m *Manager) CreateEntity(typeName string, values map[string]any) (*Entity, error) {
	t, err := m.registry.Require(typeName)
	if err != nil {
		return nil, err
	}
	e := NewEntity(t)
	for name, raw := range values {
		idx, ok := t.PropertyIndex(name)
		if !ok {
			return nil, &domain.MetadataError{Type: t.Name, Property: name, Reason: "unknown property"}
		}
		v, err := t.Properties()[idx].Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", t.Name, err)
		}
		e.values[idx] = v
	}
	if err := m.AttachEntity(e, domain.StateAdded); err != nil {
		return nil, err
	}
	return e, nil
}

// AttachEntity adds e to the scope in state. Attaching the same instance again
// is a no-op; attaching a different instance with a resident identity fails
// with DuplicateIdentityError.
func (m *Manager) AttachEntity(e *Entity, state domain.EntityState) error {
	ctx, op := m.instrument(context.Background(), opAttach, false)
	err := m.run(func(b *batch) error {
		return m.attachLocked(ctx, b, e, state, true)
	})
	op.end(err)
	return err
}

// DetachEntity removes e from the scope and clears its tracking state. It
// reports whether e was attached.
func (m *Manager) DetachEntity(e *Entity) bool {
	detached := false
	_ = m.run(func(b *batch) error {
		if e.aspect.manager.Load() != m {
			return nil
		}
		m.detachLocked(b, e)
		detached = true
		return nil
	})
	return detached
}

// GetEntityByKey resolves an identity. Key values are normalized by the key
// property types, and key.Type may name any type of the hierarchy.
func (m *Manager) GetEntityByKey(key domain.EntityKey) (*Entity, error) {
	t, err := m.registry.Require(key.Type)
	if err != nil {
		return nil, err
	}
	ks, err := normalizedKey(t, key.Values)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entities[ks]
	if e == nil || !e.typ.IsA(t.Name) {
		return nil, nil
	}
	return e, nil
}

// FindEntityByKey is GetEntityByKey with positional key values.
func (m *Manager) FindEntityByKey(typeName string, values ...any) (*Entity, error) {
	return m.GetEntityByKey(domain.EntityKey{Type: typeName, Values: values})
}

func normalizedKey(t *metadata.EntityType, values []any) (string, error) {
	keys := t.Keys()
	if len(values) != len(keys) {
		return "", &domain.MetadataError{Type: t.Name, Reason: fmt.Sprintf("key needs %d values, got %d", len(keys), len(values))}
	}
	norm := make([]any, len(keys))
	for i, p := range keys {
		v, err := p.Normalize(values[i])
		if err != nil {
			return "", &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: err.Error()}
		}
		norm[i] = v
	}
	return domain.EntityKey{Type: t.Root(), Values: norm}.String(), nil
}

func (m *Manager) attachLocked(ctx context.Context, b *batch, e *Entity, state domain.EntityState, validate bool) error {
	switch owner := e.aspect.manager.Load(); {
	case owner == m:
		if m.entities[e.keyString()] == e {
			return nil
		}
	case owner != nil:
		return domain.ErrForeignScope
	}
	if state == domain.StateDetached || !state.Valid() {
		return &domain.StateTransitionError{Operation: "attach as " + string(state), State: domain.StateDetached}
	}
	if _, known := m.registry.Lookup(e.typ.Name); !known {
		return &domain.MetadataError{Type: e.typ.Name, Reason: "type is not registered with this scope"}
	}
	if err := m.assignKeyLocked(e, state); err != nil {
		return err
	}

	ks := e.keyString()
	if other := m.entities[ks]; other != nil && other != e {
		return &domain.DuplicateIdentityError{Key: domain.EntityKey{Type: e.typ.Root(), Values: e.keyValues()}}
	}

	var res domain.Result
	if validate && m.valOpts.Applicability.Has(ValidateOnAttach) {
		res = m.validator.ValidateEntity(ctx, e.typ, lockedView{e})
		if m.valOpts.StrictAttach && res.HasBlocking() {
			return &domain.ValidationError{Result: res}
		}
	}

	m.attachSeq++
	e.aspect.seq = m.attachSeq
	e.aspect.manager.Store(m)
	m.entities[ks] = e
	b.entityChanged(EntityChangedEvent{Action: domain.ActionAttach, Entity: e, State: state})
	m.setStateLocked(b, e, state)
	if state == domain.StateDeleted && e.aspect.tempKey {
		e.aspect.wasAdded = true
	}
	if validate {
		e.aspect.errors.removeOrigin(domain.OriginClient)
		for _, v := range res.Violations {
			e.aspect.errors.add(v)
		}
	}
	m.logger.Debug().Str("type", e.typ.Name).Str("key", ks).Str("state", string(state)).Msg("entity attached")
	return nil
}

// assignKeyLocked generates missing keys of Added entities and flags
// temporary keys.
func (m *Manager) assignKeyLocked(e *Entity, state domain.EntityState) error {
	t := e.typ
	strategy := t.KeyGenerationStrategy()
	if !e.keyEmpty() {
		if strategy == metadata.KeyGenerationIdentity {
			if v, ok := e.values[t.KeyIndexes()[0]].(int64); ok && v < 0 {
				e.aspect.tempKey = true
			}
		}
		return nil
	}
	keyIdx := t.KeyIndexes()[0]
	switch {
	case state != domain.StateAdded:
		return nil
	case strategy == metadata.KeyGenerationIdentity:
		root := t.Root()
		e.values[keyIdx] = m.keygen.Next(func(v int64) bool {
			_, used := m.entities[domain.EntityKey{Type: root, Values: []any{v}}.String()]
			return used
		})
		e.aspect.tempKey = true
	case strategy == metadata.KeyGenerationClient:
		e.values[keyIdx] = uuid.NewString()
	default:
		for _, p := range t.Keys() {
			if p.IsEmpty(e.getLocked(p.Name)) {
				return &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: "key value is required"}
			}
		}
	}
	return nil
}

func (m *Manager) detachLocked(b *batch, e *Entity) {
	ks := e.keyString()
	m.setStateLocked(b, e, domain.StateDetached)
	if m.entities[ks] == e {
		delete(m.entities, ks)
	}
	a := e.aspect
	a.manager.Store(nil)
	a.resetTracking()
	a.tempKey = false
	a.errors.clear()
	b.entityChanged(EntityChangedEvent{Action: domain.ActionDetach, Entity: e, State: domain.StateDetached})
	m.logger.Debug().Str("type", e.typ.Name).Str("key", ks).Msg("entity detached")
}

// setStateLocked moves e to state, keeping the pending count and the
// relationship index in step.
func (m *Manager) setStateLocked(b *batch, e *Entity, state domain.EntityState) {
	a := e.aspect
	old := a.state
	if old == state {
		return
	}
	wasIndexed := indexable(old)
	a.state = state
	if old.IsPending() {
		m.pendingCount--
	}
	if state.IsPending() {
		m.pendingCount++
	}
	if old == domain.StateDeleted {
		delete(m.deleted, e)
	}
	if state == domain.StateDeleted {
		m.deleted[e] = struct{}{}
	}
	switch nowIndexed := indexable(state); {
	case wasIndexed && !nowIndexed:
		m.unindexLocked(b, e)
	case !wasIndexed && nowIndexed:
		m.indexLocked(b, e)
	}
	if old != domain.StateDetached && state != domain.StateDetached {
		b.entityChanged(EntityChangedEvent{Action: domain.ActionEntityStateChange, Entity: e, State: state})
	}
}

func indexable(s domain.EntityState) bool {
	return s == domain.StateAdded || s == domain.StateUnchanged || s == domain.StateModified
}
