package core

import (
	"context"
	"fmt"
	"sort"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

type write struct {
	idx   int
	value any
}

type writeMode int

const (
	// writeTrack is a user edit: originals are captured, state moves to
	// Modified and property validation runs.
	writeTrack writeMode = iota
	// writeRestore replays baseline values during reject, merge and save
	// without touching tracking state.
	writeRestore
	// writeRekey rewrites keys and foreign keys when a temporary key is
	// resolved; navigation targets do not change so only property events fire.
	writeRekey
)

type fkRef struct {
	key string
	ok  bool
}

// writeLocked assigns already normalized values to e and re-resolves every
// relationship whose foreign keys were touched. It returns the changed
// property names.
func (m *Manager) writeLocked(b *batch, e *Entity, writes []write, mode writeMode) []string {
	t := e.typ
	props := t.Properties()
	attached := e.aspect.manager.Load() == m

	var rels []*metadata.Relationship
	before := make(map[*metadata.Relationship]fkRef)
	if attached {
		for _, rel := range m.registry.DependentRelationships(t) {
			if touchesForeignKey(t, rel, writes) {
				k, ok := m.fkKey(e, rel)
				rels = append(rels, rel)
				before[rel] = fkRef{key: k, ok: ok}
			}
		}
	}
	oldKey := e.keyString()
	oldKeyValues := e.keyValues()

	var changed []string
	keyChanged := false
	for _, w := range writes {
		cur := e.values[w.idx]
		if metadata.ValuesEqual(cur, w.value) {
			continue
		}
		name := props[w.idx].Name
		if mode == writeTrack && (e.aspect.state == domain.StateUnchanged || e.aspect.state == domain.StateModified) {
			e.aspect.captureOriginal(name, cur)
		}
		e.values[w.idx] = w.value
		b.propertyChanged(e, name, cur, w.value)
		if attached {
			b.entityChanged(EntityChangedEvent{Action: domain.ActionPropertyChange, Entity: e, Property: name, State: e.aspect.state})
		}
		if t.IsKey(name) {
			keyChanged = true
		}
		changed = append(changed, name)
	}
	if len(changed) == 0 || !attached {
		return changed
	}
	if mode == writeTrack && e.aspect.state == domain.StateUnchanged {
		m.setStateLocked(b, e, domain.StateModified)
	}
	if keyChanged {
		m.rekeyLocked(b, e, oldKey, oldKeyValues)
	}

	indexed := indexable(e.aspect.state)
	for _, rel := range rels {
		after := fkRef{}
		after.key, after.ok = m.fkKey(e, rel)
		prev := before[rel]
		if prev == after {
			continue
		}
		if indexed {
			if prev.ok {
				m.removeFromIndex(rel, prev.key, e)
			}
			if after.ok {
				m.addToIndex(rel, after.key, e)
			}
		}
		if mode == writeRekey || !indexed {
			continue
		}
		if prev.ok {
			m.principalNavChanged(b, rel, prev.key, e, false)
		}
		if after.ok {
			m.principalNavChanged(b, rel, after.key, e, true)
		}
		if rel.DependentNav != "" {
			b.propertyChanged(e, rel.DependentNav, nil, nil)
		}
	}

	if mode == writeTrack && m.valOpts.Applicability.Has(ValidateOnPropertyChange) {
		for _, name := range changed {
			m.validatePropertyLocked(context.Background(), e, name)
		}
	}
	return changed
}

func touchesForeignKey(t *metadata.EntityType, rel *metadata.Relationship, writes []write) bool {
	props := t.Properties()
	for _, w := range writes {
		for _, fk := range rel.ForeignKeys {
			if props[w.idx].Name == fk {
				return true
			}
		}
	}
	return false
}

// fkKey renders the principal identity referenced by e through rel. It is
// false when any foreign key is null, or holds the neutral value of a
// non-nullable property.
func (m *Manager) fkKey(e *Entity, rel *metadata.Relationship) (string, bool) {
	values := make([]any, len(rel.ForeignKeys))
	for i, fk := range rel.ForeignKeys {
		v := e.getLocked(fk)
		if v == nil {
			return "", false
		}
		if p, ok := e.typ.Property(fk); ok && !p.Nullable && p.IsEmpty(v) {
			return "", false
		}
		values[i] = v
	}
	return domain.EntityKey{Type: m.rootOf(rel.Principal), Values: values}.String(), true
}

// residentPrincipalLocked returns the live principal for a foreign key
// identity, ignoring Deleted entities and entities of unrelated subtypes.
func (m *Manager) residentPrincipalLocked(rel *metadata.Relationship, key string) *Entity {
	p := m.entities[key]
	if p == nil || !indexable(p.aspect.state) || !p.typ.IsA(rel.Principal) {
		return nil
	}
	return p
}

func (m *Manager) principalNavChanged(b *batch, rel *metadata.Relationship, key string, dependent *Entity, added bool) {
	if rel.PrincipalNav == "" {
		return
	}
	p := m.residentPrincipalLocked(rel, key)
	if p == nil {
		return
	}
	if rel.PrincipalMany {
		b.collectionChanged(p, rel.PrincipalNav, dependent, added)
		return
	}
	b.propertyChanged(p, rel.PrincipalNav, nil, nil)
}

func (m *Manager) addToIndex(rel *metadata.Relationship, key string, e *Entity) {
	buckets := m.index[rel]
	if buckets == nil {
		buckets = make(map[string][]*Entity)
		m.index[rel] = buckets
	}
	if indexOf(buckets[key], e) < 0 {
		buckets[key] = append(buckets[key], e)
	}
}

func (m *Manager) removeFromIndex(rel *metadata.Relationship, key string, e *Entity) {
	buckets := m.index[rel]
	list := buckets[key]
	i := indexOf(list, e)
	if i < 0 {
		return
	}
	list = append(list[:i:i], list[i+1:]...)
	if len(list) == 0 {
		delete(buckets, key)
		return
	}
	buckets[key] = list
}

// dependentsLocked lists the live dependents of principal through rel.
func (m *Manager) dependentsLocked(principal *Entity, rel *metadata.Relationship) []*Entity {
	return append([]*Entity(nil), m.index[rel][principal.keyString()]...)
}

// indexLocked makes a live entity visible to navigations on both sides.
func (m *Manager) indexLocked(b *batch, e *Entity) {
	for _, rel := range m.registry.DependentRelationships(e.typ) {
		k, ok := m.fkKey(e, rel)
		if !ok {
			continue
		}
		m.addToIndex(rel, k, e)
		if m.residentPrincipalLocked(rel, k) != nil {
			m.principalNavChanged(b, rel, k, e, true)
			if rel.DependentNav != "" {
				b.propertyChanged(e, rel.DependentNav, nil, nil)
			}
		}
	}
	for _, rel := range m.registry.PrincipalRelationships(e.typ) {
		for _, dep := range m.dependentsLocked(e, rel) {
			if rel.PrincipalNav != "" {
				if rel.PrincipalMany {
					b.collectionChanged(e, rel.PrincipalNav, dep, true)
				} else {
					b.propertyChanged(e, rel.PrincipalNav, nil, nil)
				}
			}
			if rel.DependentNav != "" {
				b.propertyChanged(dep, rel.DependentNav, nil, nil)
			}
		}
	}
}

// unindexLocked hides an entity from navigations while keeping its foreign
// key values.
func (m *Manager) unindexLocked(b *batch, e *Entity) {
	for _, rel := range m.registry.DependentRelationships(e.typ) {
		k, ok := m.fkKey(e, rel)
		if !ok {
			continue
		}
		m.removeFromIndex(rel, k, e)
		if m.residentPrincipalLocked(rel, k) != nil {
			m.principalNavChanged(b, rel, k, e, false)
			if rel.DependentNav != "" {
				b.propertyChanged(e, rel.DependentNav, nil, nil)
			}
		}
	}
	for _, rel := range m.registry.PrincipalRelationships(e.typ) {
		for _, dep := range m.dependentsLocked(e, rel) {
			if rel.DependentNav != "" {
				b.propertyChanged(dep, rel.DependentNav, nil, nil)
			}
			if rel.PrincipalNav != "" && !rel.PrincipalMany {
				b.propertyChanged(e, rel.PrincipalNav, nil, nil)
			}
		}
	}
}

// navigationLocked resolves nav on e and reports whether e is the dependent
// side of the relationship.
func (m *Manager) navigationLocked(e *Entity, nav string) (*metadata.Relationship, bool, error) {
	n, ok := e.typ.Navigation(nav)
	if !ok {
		return nil, false, &domain.MetadataError{Type: e.typ.Name, Property: nav, Reason: "unknown navigation property"}
	}
	rel, ok := m.registry.NavigationRelationship(e.typ, nav)
	if !ok {
		return nil, false, &domain.MetadataError{Type: e.typ.Name, Property: nav, Reason: "navigation has no relationship"}
	}
	return rel, n.IsDependent(), nil
}

func (m *Manager) referenceLocked(e *Entity, nav string) (*Entity, error) {
	rel, dependentSide, err := m.navigationLocked(e, nav)
	if err != nil {
		return nil, err
	}
	if !indexable(e.aspect.state) {
		return nil, nil
	}
	if dependentSide {
		k, ok := m.fkKey(e, rel)
		if !ok {
			return nil, nil
		}
		return m.residentPrincipalLocked(rel, k), nil
	}
	if rel.PrincipalMany {
		return nil, &domain.MetadataError{Type: e.typ.Name, Property: nav, Reason: "navigation is a collection"}
	}
	deps := m.index[rel][e.keyString()]
	if len(deps) == 0 {
		return nil, nil
	}
	return deps[0], nil
}

// SetNavigation points the reference navigation nav of e at target. nil
// resets the foreign keys to their neutral values. When exactly one side is
// detached it is attached as Added.
func (m *Manager) SetNavigation(e *Entity, nav string, target *Entity) error {
	return m.run(func(b *batch) error {
		if err := m.adoptLocked(b, e, target); err != nil {
			return err
		}
		rel, dependentSide, err := m.navigationLocked(e, nav)
		if err != nil {
			return err
		}
		if dependentSide {
			return m.linkLocked(b, e, rel, target)
		}
		if rel.PrincipalMany {
			return &domain.MetadataError{Type: e.typ.Name, Property: nav, Reason: "navigation is a collection"}
		}
		if target != nil && !target.typ.IsA(rel.Dependent) {
			return &domain.MetadataError{Type: e.typ.Name, Property: nav, Reason: fmt.Sprintf("%s is not a %s", target.typ.Name, rel.Dependent)}
		}
		for _, dep := range m.dependentsLocked(e, rel) {
			if dep == target {
				continue
			}
			if err := m.linkLocked(b, dep, rel, nil); err != nil {
				return err
			}
		}
		if target == nil {
			return nil
		}
		return m.linkLocked(b, target, rel, e)
	})
}

// adoptLocked attaches whichever of a and b is detached, as Added, so a link
// can be formed. Both detached is an error.
func (m *Manager) adoptLocked(bt *batch, a, b *Entity) error {
	am := a.aspect.manager.Load()
	if b == nil {
		if am != m {
			return scopeError(am)
		}
		return nil
	}
	bm := b.aspect.manager.Load()
	switch {
	case am == m && bm == m:
		return nil
	case am == nil && bm == nil:
		return domain.ErrEntityDetached
	case am == nil && bm == m:
		return m.attachLocked(context.Background(), bt, a, domain.StateAdded, true)
	case bm == nil && am == m:
		return m.attachLocked(context.Background(), bt, b, domain.StateAdded, true)
	}
	return domain.ErrForeignScope
}

func scopeError(owner *Manager) error {
	if owner == nil {
		return domain.ErrEntityDetached
	}
	return domain.ErrForeignScope
}

// linkLocked sets the foreign keys of dependent to the key of principal, or to
// neutral values when principal is nil.
func (m *Manager) linkLocked(b *batch, dependent *Entity, rel *metadata.Relationship, principal *Entity) error {
	if dependent.aspect.state == domain.StateDeleted {
		return &domain.StateTransitionError{Operation: "link", State: domain.StateDeleted}
	}
	t := dependent.typ
	writes := make([]write, len(rel.ForeignKeys))
	if principal != nil {
		if principal.aspect.state == domain.StateDeleted {
			return &domain.StateTransitionError{Operation: "link to", State: domain.StateDeleted}
		}
		if !principal.typ.IsA(rel.Principal) {
			return &domain.MetadataError{Type: t.Name, Property: rel.DependentNav, Reason: fmt.Sprintf("%s is not a %s", principal.typ.Name, rel.Principal)}
		}
		keys := principal.keyValues()
		for i, fk := range rel.ForeignKeys {
			idx, _ := t.PropertyIndex(fk)
			writes[i] = write{idx: idx, value: keys[i]}
		}
	} else {
		for i, fk := range rel.ForeignKeys {
			idx, _ := t.PropertyIndex(fk)
			writes[i] = write{idx: idx, value: t.Properties()[idx].ZeroValue()}
		}
	}
	for _, w := range writes {
		name := t.Properties()[w.idx].Name
		if t.IsKey(name) && !metadata.ValuesEqual(dependent.values[w.idx], w.value) {
			return &domain.KeyChangeError{Type: t.Name, Property: name}
		}
	}
	m.writeLocked(b, dependent, writes, writeTrack)
	return nil
}

// rekeyLocked moves e to the identity implied by its current key values and
// rewrites every resident foreign key that referenced the old identity,
// including those of Deleted dependents. Callers make sure the new identity
// is free.
func (m *Manager) rekeyLocked(b *batch, e *Entity, oldKey string, oldValues []any) {
	newKey := e.keyString()
	if m.entities[oldKey] == e {
		delete(m.entities, oldKey)
	}
	m.entities[newKey] = e
	newValues := e.keyValues()

	for _, rel := range m.registry.PrincipalRelationships(e.typ) {
		for _, dep := range m.referencingLocked(rel, oldKey) {
			writes := make([]write, len(rel.ForeignKeys))
			for i, fk := range rel.ForeignKeys {
				idx, _ := dep.typ.PropertyIndex(fk)
				writes[i] = write{idx: idx, value: newValues[i]}
				if orig, ok := dep.aspect.original[fk]; ok && metadata.ValuesEqual(orig, oldValues[i]) {
					dep.aspect.original[fk] = newValues[i]
				}
			}
			m.writeLocked(b, dep, writes, writeRekey)
		}
	}
}

// referencingLocked lists the dependents through rel whose foreign keys
// reference the principal identity key: live ones from the relationship index,
// then Deleted ones in attach order.
func (m *Manager) referencingLocked(rel *metadata.Relationship, key string) []*Entity {
	out := append([]*Entity(nil), m.index[rel][key]...)
	var deleted []*Entity
	for e := range m.deleted {
		if !e.typ.IsA(rel.Dependent) {
			continue
		}
		if k, ok := m.fkKey(e, rel); ok && k == key {
			deleted = append(deleted, e)
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].aspect.seq < deleted[j].aspect.seq })
	return append(out, deleted...)
}
