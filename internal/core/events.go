package core

import (
	"sync"

	"entitycore/pkg/domain"
)

// EntityChangedEvent is published by a Manager for every attach, detach,
// property change, state change, accept, reject, merge overwrite and clear.
type EntityChangedEvent struct {
	Action   domain.EntityAction
	Entity   *Entity
	Property string
	State    domain.EntityState
}

// PropertyChangedEvent reports a data or navigation property change on one
// entity. Navigation events carry no values; read the navigation instead.
type PropertyChangedEvent struct {
	Entity   *Entity
	Property string
	OldValue any
	NewValue any
}

// CollectionChangedEvent reports membership changes of one navigation
// collection.
type CollectionChangedEvent struct {
	Owner      *Entity
	Navigation string
	Added      []*Entity
	Removed    []*Entity
}

// HasChangesChangedEvent fires when a scope moves between having no pending
// changes and having some.
type HasChangesChangedEvent struct {
	HasChanges bool
}

// observers is a subscriber list delivered synchronously in subscription
// order.
type observers[T any] struct {
	mu   sync.Mutex
	seq  int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (o *observers[T]) subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	id := o.seq
	o.subs = append(o.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[T]) notify(ev T) {
	o.mu.Lock()
	subs := append([]subscriber[T](nil), o.subs...)
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

type propKey struct {
	entity   *Entity
	property string
}

type collKey struct {
	owner      *Entity
	navigation string
}

// batch buffers the notifications of one logical operation. Events are
// coalesced so each property and collection reports at most once, and are
// delivered after the manager lock is released.
type batch struct {
	m          *Manager
	hadChanges bool
	hasChanges bool

	entity  []EntityChangedEvent
	props   []PropertyChangedEvent
	propIdx map[propKey]int
	colls   []*CollectionChangedEvent
	collIdx map[collKey]int
}

func newBatch(m *Manager, hadChanges bool) *batch {
	return &batch{
		m:          m,
		hadChanges: hadChanges,
		hasChanges: hadChanges,
		propIdx:    make(map[propKey]int),
		collIdx:    make(map[collKey]int),
	}
}

func (b *batch) entityChanged(ev EntityChangedEvent) {
	b.entity = append(b.entity, ev)
}

func (b *batch) propertyChanged(e *Entity, property string, oldValue, newValue any) {
	k := propKey{entity: e, property: property}
	if i, ok := b.propIdx[k]; ok {
		b.props[i].NewValue = newValue
		return
	}
	b.propIdx[k] = len(b.props)
	b.props = append(b.props, PropertyChangedEvent{Entity: e, Property: property, OldValue: oldValue, NewValue: newValue})
}

func (b *batch) collectionChanged(owner *Entity, navigation string, member *Entity, added bool) {
	k := collKey{owner: owner, navigation: navigation}
	i, ok := b.collIdx[k]
	if !ok {
		i = len(b.colls)
		b.collIdx[k] = i
		b.colls = append(b.colls, &CollectionChangedEvent{Owner: owner, Navigation: navigation})
	}
	ev := b.colls[i]
	if added {
		if idx := indexOf(ev.Removed, member); idx >= 0 {
			ev.Removed = append(ev.Removed[:idx], ev.Removed[idx+1:]...)
			return
		}
		if indexOf(ev.Added, member) < 0 {
			ev.Added = append(ev.Added, member)
		}
		return
	}
	if idx := indexOf(ev.Added, member); idx >= 0 {
		ev.Added = append(ev.Added[:idx], ev.Added[idx+1:]...)
		return
	}
	if indexOf(ev.Removed, member) < 0 {
		ev.Removed = append(ev.Removed, member)
	}
}

func (b *batch) deliver() {
	if b.m != nil {
		for _, ev := range b.entity {
			b.m.entityObs.notify(ev)
		}
	}
	for _, ev := range b.props {
		ev.Entity.aspect.propObs.notify(ev)
	}
	for _, ev := range b.colls {
		if len(ev.Added) == 0 && len(ev.Removed) == 0 {
			continue
		}
		if obs := ev.Owner.aspect.collectionObservers(ev.Navigation, false); obs != nil {
			obs.notify(*ev)
		}
	}
	if b.m != nil && b.hadChanges != b.hasChanges {
		b.m.hasChangesObs.notify(HasChangesChangedEvent{HasChanges: b.hasChanges})
	}
}

func indexOf(list []*Entity, e *Entity) int {
	for i, x := range list {
		if x == e {
			return i
		}
	}
	return -1
}
