package core

import (
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Collection is a live view of a collection navigation. Membership is
// computed from foreign keys, so it is always consistent with them.
type Collection struct {
	owner *Entity
	nav   string
}

// Entities lists the current members.
func (c *Collection) Entities() []*Entity {
	m := c.owner.aspect.manager.Load()
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, err := c.relLocked(m)
	if err != nil || !indexable(c.owner.aspect.state) {
		return nil
	}
	return m.dependentsLocked(c.owner, rel)
}

// Len returns the number of members.
func (c *Collection) Len() int { return len(c.Entities()) }

// Contains reports whether e is a member.
func (c *Collection) Contains(e *Entity) bool { return indexOf(c.Entities(), e) >= 0 }

// Add links e to the owner. A detached e is attached as Added.
func (c *Collection) Add(e *Entity) error {
	m := c.owner.aspect.manager.Load()
	if m == nil {
		if m = e.aspect.manager.Load(); m == nil {
			return domain.ErrEntityDetached
		}
	}
	return m.run(func(b *batch) error {
		if err := m.adoptLocked(b, c.owner, e); err != nil {
			return err
		}
		rel, err := c.relLocked(m)
		if err != nil {
			return err
		}
		if !e.typ.IsA(rel.Dependent) {
			return &domain.MetadataError{Type: c.owner.typ.Name, Property: c.nav, Reason: fmt.Sprintf("%s is not a %s", e.typ.Name, rel.Dependent)}
		}
		return m.linkLocked(b, e, rel, c.owner)
	})
}

// Remove unlinks e from the owner by resetting its foreign keys. Removing a
// non-member is a no-op.
func (c *Collection) Remove(e *Entity) error {
	m := c.owner.aspect.manager.Load()
	if m == nil {
		return domain.ErrEntityDetached
	}
	return m.run(func(b *batch) error {
		rel, err := c.relLocked(m)
		if err != nil {
			return err
		}
		if indexOf(m.index[rel][c.owner.keyString()], e) < 0 {
			return nil
		}
		return m.linkLocked(b, e, rel, nil)
	})
}

// OnChanged subscribes to membership changes of this collection.
func (c *Collection) OnChanged(fn func(CollectionChangedEvent)) func() {
	return c.owner.aspect.collectionObservers(c.nav, true).subscribe(fn)
}

func (c *Collection) relLocked(m *Manager) (*metadata.Relationship, error) {
	rel, dependentSide, err := m.navigationLocked(c.owner, c.nav)
	if err != nil {
		return nil, err
	}
	if dependentSide || !rel.PrincipalMany {
		return nil, &domain.MetadataError{Type: c.owner.typ.Name, Property: c.nav, Reason: "navigation is not a collection"}
	}
	return rel, nil
}
