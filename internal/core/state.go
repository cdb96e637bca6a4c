package core

import (
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// DeleteEntity marks e Deleted. Dependents reached through cascade-delete
// relationships, or whose key contains the foreign key, are deleted too;
// other dependents have their foreign keys reset to neutral values.
func (m *Manager) DeleteEntity(e *Entity) error {
	return m.run(func(b *batch) error {
		if owner := e.aspect.manager.Load(); owner != m {
			return scopeError(owner)
		}
		if e.aspect.state == domain.StateDeleted {
			return nil
		}
		m.deleteLocked(b, e, make(map[*Entity]bool))
		return nil
	})
}

func (m *Manager) deleteLocked(b *batch, e *Entity, visited map[*Entity]bool) {
	visited[e] = true
	a := e.aspect
	wasAdded := a.state == domain.StateAdded
	for _, rel := range m.registry.PrincipalRelationships(e.typ) {
		for _, dep := range m.dependentsLocked(e, rel) {
			if visited[dep] || dep.aspect.state == domain.StateDeleted {
				continue
			}
			if rel.CascadeDelete || foreignKeyInKey(dep.typ, rel) {
				m.deleteLocked(b, dep, visited)
				a.cascaded = append(a.cascaded, dep)
				continue
			}
			rec := unlinkRecord{dependent: dep, fks: rel.ForeignKeys, prevState: dep.aspect.state}
			writes := make([]write, len(rel.ForeignKeys))
			for i, fk := range rel.ForeignKeys {
				idx, _ := dep.typ.PropertyIndex(fk)
				rec.values = append(rec.values, dep.values[idx])
				writes[i] = write{idx: idx, value: dep.typ.Properties()[idx].ZeroValue()}
			}
			m.writeLocked(b, dep, writes, writeTrack)
			a.unlinked = append(a.unlinked, rec)
		}
	}
	if wasAdded {
		a.wasAdded = true
	}
	m.setStateLocked(b, e, domain.StateDeleted)
}

func foreignKeyInKey(t *metadata.EntityType, rel *metadata.Relationship) bool {
	for _, fk := range rel.ForeignKeys {
		if t.IsKey(fk) {
			return true
		}
	}
	return false
}

// AcceptEntity confirms e's current values as its saved baseline. Deleted
// entities are detached.
func (m *Manager) AcceptEntity(e *Entity) error {
	return m.run(func(b *batch) error {
		if owner := e.aspect.manager.Load(); owner != m {
			return scopeError(owner)
		}
		return m.acceptLocked(b, e)
	})
}

func (m *Manager) acceptLocked(b *batch, e *Entity) error {
	a := e.aspect
	switch a.state {
	case domain.StateDetached:
		return domain.ErrEntityDetached
	case domain.StateDeleted:
		b.entityChanged(EntityChangedEvent{Action: domain.ActionAcceptChanges, Entity: e, State: domain.StateDetached})
		m.detachLocked(b, e)
		return nil
	}
	m.setStateLocked(b, e, domain.StateUnchanged)
	a.resetTracking()
	b.entityChanged(EntityChangedEvent{Action: domain.ActionAcceptChanges, Entity: e, State: domain.StateUnchanged})
	return nil
}

// RejectEntity reverts e to its last saved baseline. Added entities are
// detached; a rejected delete restores the dependents it touched.
func (m *Manager) RejectEntity(e *Entity) error {
	return m.run(func(b *batch) error {
		if owner := e.aspect.manager.Load(); owner != m {
			return scopeError(owner)
		}
		m.rejectLocked(b, e)
		return nil
	})
}

func (m *Manager) rejectLocked(b *batch, e *Entity) {
	a := e.aspect
	switch a.state {
	case domain.StateAdded:
		b.entityChanged(EntityChangedEvent{Action: domain.ActionRejectChanges, Entity: e, State: domain.StateDetached})
		m.detachLocked(b, e)
		return
	case domain.StateDeleted:
		unlinked, cascaded := a.unlinked, a.cascaded
		if a.wasAdded {
			b.entityChanged(EntityChangedEvent{Action: domain.ActionRejectChanges, Entity: e, State: domain.StateDetached})
			m.detachLocked(b, e)
		} else {
			m.restoreOriginalsLocked(b, e)
			m.setStateLocked(b, e, domain.StateUnchanged)
		}
		for i := len(cascaded) - 1; i >= 0; i-- {
			if c := cascaded[i]; c.aspect.manager.Load() == m && c.aspect.state == domain.StateDeleted {
				m.rejectLocked(b, c)
			}
		}
		for i := len(unlinked) - 1; i >= 0; i-- {
			m.relinkLocked(b, unlinked[i])
		}
		if a.manager.Load() != m {
			return
		}
	case domain.StateModified:
		m.restoreOriginalsLocked(b, e)
		m.setStateLocked(b, e, domain.StateUnchanged)
	default:
		return
	}
	a.resetTracking()
	a.errors.clear()
	b.entityChanged(EntityChangedEvent{Action: domain.ActionRejectChanges, Entity: e, State: a.state})
}

func (m *Manager) restoreOriginalsLocked(b *batch, e *Entity) {
	if len(e.aspect.original) == 0 {
		return
	}
	writes := make([]write, 0, len(e.aspect.original))
	for name, v := range e.aspect.original {
		if idx, ok := e.typ.PropertyIndex(name); ok && !e.typ.IsKey(name) {
			writes = append(writes, write{idx: idx, value: v})
		}
	}
	m.writeLocked(b, e, writes, writeRestore)
}

// relinkLocked puts back foreign keys a delete reset to neutral values.
func (m *Manager) relinkLocked(b *batch, rec unlinkRecord) {
	dep := rec.dependent
	if dep.aspect.manager.Load() != m {
		return
	}
	writes := make([]write, len(rec.fks))
	for i, fk := range rec.fks {
		idx, _ := dep.typ.PropertyIndex(fk)
		writes[i] = write{idx: idx, value: rec.values[i]}
	}
	m.writeLocked(b, dep, writes, writeRestore)
	for i, fk := range rec.fks {
		if orig, ok := dep.aspect.original[fk]; ok && metadata.ValuesEqual(orig, rec.values[i]) {
			delete(dep.aspect.original, fk)
		}
	}
	if rec.prevState == domain.StateUnchanged && dep.aspect.state == domain.StateModified && len(dep.aspect.original) == 0 {
		m.setStateLocked(b, dep, domain.StateUnchanged)
		dep.aspect.resetTracking()
	}
}
