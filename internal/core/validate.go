package core

import (
	"context"

	"entitycore/pkg/domain"
)

// Validate runs the entity and property validators of e and replaces its
// client-side errors with the result. Server errors are kept.
func (m *Manager) Validate(ctx context.Context, e *Entity) domain.Result {
	var res domain.Result
	_ = m.run(func(*batch) error {
		if e.aspect.manager.Load() != m {
			return nil
		}
		res = m.validateEntityLocked(ctx, e)
		return nil
	})
	return res
}

// ValidateProperty runs the validators of one property of e and replaces the
// client-side errors recorded for it.
func (m *Manager) ValidateProperty(ctx context.Context, e *Entity, name string) (domain.Result, error) {
	if _, ok := e.typ.PropertyIndex(name); !ok {
		return domain.Result{}, &domain.MetadataError{Type: e.typ.Name, Property: name, Reason: "unknown property"}
	}
	var res domain.Result
	err := m.run(func(*batch) error {
		if owner := e.aspect.manager.Load(); owner != m {
			return scopeError(owner)
		}
		res = m.validatePropertyLocked(ctx, e, name)
		return nil
	})
	return res, err
}

func (m *Manager) validateEntityLocked(ctx context.Context, e *Entity) domain.Result {
	res := m.validator.ValidateEntity(ctx, e.typ, lockedView{e})
	e.aspect.errors.removeOrigin(domain.OriginClient)
	for _, v := range res.Violations {
		e.aspect.errors.add(v)
	}
	return res
}

func (m *Manager) validatePropertyLocked(ctx context.Context, e *Entity, name string) domain.Result {
	res := m.validator.ValidateProperty(ctx, e.typ, lockedView{e}, name, e.getLocked(name))
	e.aspect.errors.removeWhere(func(v domain.Violation) bool {
		return originOf(v) == domain.OriginClient && v.Property == name
	})
	for _, v := range res.Violations {
		e.aspect.errors.add(v)
	}
	return res
}
