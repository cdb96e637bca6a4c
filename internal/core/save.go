package core

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"

	"entitycore/pkg/domain"
)

// SaveResult describes a completed save.
type SaveResult struct {
	BatchID     string
	Entities    []*Entity
	KeyMappings []domain.KeyMapping
}

// SaveChanges sends the pending entities of the scope, or the pending subset
// of entities, to the transport. Only one save may be in flight per scope. On
// failure nothing changes locally and the error is a *ValidationError or a
// *SaveRejectedError. On success temporary keys and the foreign keys that
// reference them are rewritten, server values are applied, and every saved
// entity is accepted.
func (m *Manager) SaveChanges(ctx context.Context, entities ...*Entity) (SaveResult, error) {
	if !m.saving.CompareAndSwap(false, true) {
		return SaveResult{}, &domain.ConcurrentSaveError{}
	}
	defer m.saving.Store(false)

	ctx, op := m.instrument(ctx, opSave, true)
	res, err := m.save(ctx, entities)
	op.entities = len(res.Entities)
	op.batchID = res.BatchID
	op.end(err)
	return res, err
}

func (m *Manager) save(ctx context.Context, subset []*Entity) (SaveResult, error) {
	var (
		pending []*Entity
		dropped []*Entity
		sb      domain.SaveBatch
	)
	err := m.run(func(*batch) error {
		for _, e := range m.saveCandidatesLocked(subset) {
			if e.aspect.state == domain.StateDeleted && e.aspect.wasAdded {
				dropped = append(dropped, e)
				continue
			}
			pending = append(pending, e)
		}
		if len(pending) == 0 {
			return nil
		}
		if m.transport == nil {
			return domain.ErrNoTransport
		}
		if m.valOpts.Applicability.Has(ValidateOnSave) {
			var all domain.Result
			for _, e := range pending {
				if e.aspect.state != domain.StateDeleted {
					all.Merge(m.validateEntityLocked(ctx, e))
				}
			}
			if all.HasBlocking() {
				return &domain.ValidationError{Result: all}
			}
		}
		sb = domain.SaveBatch{ID: ulid.MustNew(ulid.Timestamp(m.clock.Now()), ulid.DefaultEntropy()).String()}
		for _, e := range pending {
			sb.Entries = append(sb.Entries, saveEntryLocked(e))
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	if len(pending) == 0 {
		if len(dropped) > 0 {
			_ = m.run(func(b *batch) error {
				m.dropLocked(b, dropped)
				return nil
			})
		}
		return SaveResult{}, nil
	}

	m.logger.Info().Str("batch", sb.ID).Int("entries", len(sb.Entries)).Msg("saving changes")
	outcome, err := m.transport.ExecuteSave(ctx, sb)
	if err != nil {
		rejected := m.rejection(err, pending)
		m.logger.Warn().Str("batch", sb.ID).Str("kind", string(rejected.Kind)).Err(err).Msg("save rejected")
		return SaveResult{BatchID: sb.ID}, rejected
	}

	res := SaveResult{BatchID: sb.ID, Entities: pending}
	err = m.run(func(b *batch) error {
		moves, err := m.planKeyMappingsLocked(outcome.KeyMappings)
		if err != nil {
			return err
		}
		res.KeyMappings = m.applyKeyMovesLocked(b, moves)
		m.applyServerValuesLocked(b, outcome.Entities)
		for _, e := range pending {
			if e.aspect.manager.Load() != m {
				continue
			}
			_ = m.acceptLocked(b, e)
			e.aspect.errors.removeOrigin(domain.OriginServer)
		}
		m.dropLocked(b, dropped)
		return nil
	})
	if err != nil {
		m.logger.Error().Str("batch", sb.ID).Err(err).Msg("save outcome not applied")
		return SaveResult{BatchID: sb.ID}, err
	}
	m.logger.Info().Str("batch", sb.ID).Int("entities", len(pending)).Int("keyMappings", len(res.KeyMappings)).Msg("changes saved")
	return res, nil
}

// saveCandidatesLocked returns the pending entities of subset, or of the
// whole scope when subset is empty.
func (m *Manager) saveCandidatesLocked(subset []*Entity) []*Entity {
	if len(subset) == 0 {
		return m.filterLocked(func(e *Entity) bool { return e.aspect.state.IsPending() })
	}
	seen := make(map[*Entity]bool, len(subset))
	var out []*Entity
	for _, e := range subset {
		if e == nil || seen[e] || e.aspect.manager.Load() != m || !e.aspect.state.IsPending() {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func (m *Manager) dropLocked(b *batch, dropped []*Entity) {
	for _, e := range dropped {
		if e.aspect.manager.Load() == m {
			m.detachLocked(b, e)
		}
	}
}

func saveEntryLocked(e *Entity) domain.SaveEntry {
	t := e.typ
	a := e.aspect
	props := t.Properties()
	keys := e.keyValues()
	for i, idx := range t.KeyIndexes() {
		keys[i] = props[idx].Encode(keys[i])
	}
	entry := domain.SaveEntry{
		Type:    t.Name,
		State:   a.state,
		Key:     domain.EntityKey{Type: t.Root(), Values: keys},
		TempKey: a.tempKey,
		Values:  make(map[string]any),
	}
	if a.state == domain.StateDeleted {
		for _, idx := range t.KeyIndexes() {
			entry.Values[props[idx].Name] = props[idx].Encode(e.values[idx])
		}
	} else {
		for i, p := range props {
			entry.Values[p.Name] = p.Encode(e.values[i])
		}
	}
	if a.state == domain.StateAdded {
		return entry
	}
	if len(a.original) > 0 {
		entry.OriginalValues = make(map[string]any, len(a.original))
		for name, v := range a.original {
			p, _ := t.Property(name)
			entry.OriginalValues[name] = p.Encode(v)
		}
	}
	entry.Concurrency = concurrencyBaseline(e)
	return entry
}

// concurrencyBaseline is the stored state the client believes in: current
// values overlaid by originals, restricted to the concurrency properties or
// every property when the type declares none.
func concurrencyBaseline(e *Entity) map[string]any {
	props := e.typ.ConcurrencyProperties()
	if len(props) == 0 {
		props = e.typ.Properties()
	}
	out := make(map[string]any, len(props))
	for _, p := range props {
		v, ok := e.aspect.original[p.Name]
		if !ok {
			v = e.getLocked(p.Name)
		}
		out[p.Name] = p.Encode(v)
	}
	return out
}

// rejection turns a transport failure into a *SaveRejectedError whose entity
// errors point at local entities. Server violations are recorded on the
// entities they name.
func (m *Manager) rejection(err error, pending []*Entity) *domain.SaveRejectedError {
	var src *domain.SaveRejectedError
	if !errors.As(err, &src) {
		return &domain.SaveRejectedError{Kind: domain.SaveErrorTransport, Message: err.Error(), Cause: err}
	}
	out := *src
	if out.Kind == "" {
		out.Kind = domain.SaveErrorTransport
	}
	if out.Cause == nil {
		out.Cause = err
	}
	out.EntityErrors = append([]domain.EntityError(nil), src.EntityErrors...)
	out.Violations = append([]domain.Violation(nil), src.Violations...)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range out.EntityErrors {
		ee := &out.EntityErrors[i]
		if e := m.lookupLocked(ee.Type, ee.Key); e != nil {
			ee.Entity = e
		}
	}
	byKey := make(map[string]*Entity, len(pending))
	for _, e := range pending {
		byKey[e.keyString()] = e
	}
	for i := range out.Violations {
		v := &out.Violations[i]
		v.Origin = domain.OriginServer
		if e := byKey[v.EntityID]; e != nil && e.aspect.manager.Load() == m {
			e.aspect.errors.add(*v)
		}
	}
	return &out
}

// lookupLocked resolves a wire identity, tolerating key values in wire form.
func (m *Manager) lookupLocked(typeName string, key domain.EntityKey) *Entity {
	name := typeName
	if name == "" {
		name = key.Type
	}
	t, ok := m.registry.Lookup(name)
	if !ok {
		return nil
	}
	ks, err := normalizedKey(t, key.Values)
	if err != nil {
		return nil
	}
	return m.entities[ks]
}

// keyMove is one temporary key replacement planned from a save outcome.
type keyMove struct {
	e         *Entity
	idx       int
	tempValue any
	realValue any
}

// identityMove is a change of identity map entry caused by a key mapping,
// either of the mapped entity or of a dependent whose key holds the foreign
// key.
type identityMove struct {
	e        *Entity
	from, to string
	key      domain.EntityKey
}

// planKeyMappingsLocked resolves the key mappings of a save outcome against
// the scope. It fails with a conflict, and plans nothing, when a permanent key
// is already held by another resident entity or is assigned twice.
func (m *Manager) planKeyMappingsLocked(mappings []domain.KeyMapping) ([]keyMove, error) {
	var (
		moves      []keyMove
		identities []identityMove
	)
	for _, km := range mappings {
		t, ok := m.registry.Lookup(km.Type)
		if !ok || len(t.KeyIndexes()) != 1 {
			m.logger.Warn().Str("type", km.Type).Msg("ignoring key mapping for unknown or composite key type")
			continue
		}
		p := t.Keys()[0]
		tempValue, err1 := p.Normalize(km.TempValue)
		realValue, err2 := p.Normalize(km.RealValue)
		if err := errors.Join(err1, err2); err != nil {
			m.logger.Warn().Str("type", km.Type).Err(err).Msg("ignoring malformed key mapping")
			continue
		}
		from := domain.EntityKey{Type: t.Root(), Values: []any{tempValue}}.String()
		e := m.entities[from]
		if e == nil {
			continue
		}
		moves = append(moves, keyMove{e: e, idx: t.KeyIndexes()[0], tempValue: tempValue, realValue: realValue})
		key := domain.EntityKey{Type: t.Root(), Values: []any{realValue}}
		identities = append(identities, identityMove{e: e, from: from, to: key.String(), key: key})
		identities = append(identities, m.cascadedMovesLocked(e, from, realValue)...)
	}

	vacated := make(map[string]bool, len(identities))
	for _, mv := range identities {
		vacated[mv.from] = true
	}
	claimed := make(map[string]*Entity, len(identities))
	var conflicts []domain.EntityError
	for _, mv := range identities {
		if owner := claimed[mv.to]; owner != nil && owner != mv.e {
			conflicts = append(conflicts, keyConflict(mv, owner))
			continue
		}
		claimed[mv.to] = mv.e
		if resident := m.entities[mv.to]; resident != nil && resident != mv.e && !vacated[mv.to] {
			conflicts = append(conflicts, keyConflict(mv, resident))
		}
	}
	if len(conflicts) > 0 {
		return nil, &domain.SaveRejectedError{
			Kind:         domain.SaveErrorConflict,
			Message:      "the data service assigned keys that are already in use in this scope",
			EntityErrors: conflicts,
			Cause:        domain.ErrKeyConflict,
		}
	}
	return moves, nil
}

// cascadedMovesLocked lists the identity changes of dependents whose key
// includes a foreign key to principal, once principal takes realValue.
func (m *Manager) cascadedMovesLocked(principal *Entity, from string, realValue any) []identityMove {
	var out []identityMove
	for _, rel := range m.registry.PrincipalRelationships(principal.typ) {
		for _, dep := range m.referencingLocked(rel, from) {
			values := dep.keyValues()
			changed := false
			for i, kp := range dep.typ.Keys() {
				for _, fk := range rel.ForeignKeys {
					if kp.Name == fk {
						values[i] = realValue
						changed = true
					}
				}
			}
			if !changed {
				continue
			}
			key := domain.EntityKey{Type: dep.typ.Root(), Values: values}
			out = append(out, identityMove{e: dep, from: dep.keyString(), to: key.String(), key: key})
		}
	}
	return out
}

func keyConflict(mv identityMove, holder *Entity) domain.EntityError {
	return domain.EntityError{
		Type:    mv.e.typ.Name,
		Key:     mv.key,
		Message: "key is already held by a resident " + holder.typ.Name,
		Entity:  holder,
	}
}

// applyKeyMovesLocked replaces temporary keys with permanent ones and
// rewrites every foreign key that referenced them.
func (m *Manager) applyKeyMovesLocked(b *batch, moves []keyMove) []domain.KeyMapping {
	out := make([]domain.KeyMapping, 0, len(moves))
	for _, mv := range moves {
		m.writeLocked(b, mv.e, []write{{idx: mv.idx, value: mv.realValue}}, writeRekey)
		mv.e.aspect.tempKey = false
		out = append(out, domain.KeyMapping{Type: mv.e.typ.Name, TempValue: mv.tempValue, RealValue: mv.realValue})
	}
	return out
}

// applyServerValuesLocked writes values the data service changed, such as
// concurrency tokens, onto the saved entities.
func (m *Manager) applyServerValuesLocked(b *batch, records []domain.EntityData) {
	for _, data := range records {
		rec, err := m.normalizeRecord(data)
		if err != nil {
			m.logger.Warn().Str("type", data.Type).Err(err).Msg("ignoring malformed server record")
			continue
		}
		e := m.entities[rec.key]
		if e == nil {
			continue
		}
		writes := make([]write, 0, len(rec.values))
		for idx, v := range rec.values {
			name := rec.t.Properties()[idx].Name
			if target, ok := e.typ.PropertyIndex(name); ok && !e.typ.IsKey(name) {
				writes = append(writes, write{idx: target, value: v})
			}
		}
		m.writeLocked(b, e, writes, writeRestore)
	}
}
