package core

import (
	"context"
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// MergeResult lists the entities a merge resolved, one per distinct identity in
// input order, and the subset whose values or state were written.
type MergeResult struct {
	Entities []*Entity
	Merged   []*Entity
}

// record is an incoming EntityData normalized against its type.
type record struct {
	t        *metadata.EntityType
	key      string
	state    domain.EntityState
	tempKey  bool
	values   map[int]any
	original map[string]any
}

// Merge reconciles raw records with the scope. New identities are attached in
// the record's state (Unchanged when unset); resident entities are updated
// according to strategy. Records are validated before anything changes, and
// duplicate identities collapse to the last record.
func (m *Manager) Merge(records []domain.EntityData, strategy domain.MergeStrategy) (MergeResult, error) {
	return m.merge(context.Background(), records, strategy)
}

func (m *Manager) merge(ctx context.Context, records []domain.EntityData, strategy domain.MergeStrategy) (MergeResult, error) {
	ctx, op := m.instrument(ctx, opMerge, false)
	res, err := m.mergeRecords(ctx, records, strategy)
	op.entities = len(res.Entities)
	op.end(err)
	return res, err
}

func (m *Manager) mergeRecords(ctx context.Context, records []domain.EntityData, strategy domain.MergeStrategy) (MergeResult, error) {
	if strategy == "" {
		strategy = m.mergeStrategy
	}
	if !strategy.Valid() {
		return MergeResult{}, fmt.Errorf("merge: unknown strategy %q", strategy)
	}
	recs, err := m.normalizeRecords(records)
	if err != nil {
		return MergeResult{}, err
	}
	var res MergeResult
	err = m.run(func(b *batch) error {
		for _, rec := range recs {
			e, merged, err := m.mergeLocked(ctx, b, rec, strategy)
			if err != nil {
				return err
			}
			res.Entities = append(res.Entities, e)
			if merged {
				res.Merged = append(res.Merged, e)
			}
		}
		return nil
	})
	if err == nil {
		m.logger.Debug().Int("records", len(records)).Int("merged", len(res.Merged)).Str("strategy", string(strategy)).Msg("records merged")
	}
	return res, err
}

func (m *Manager) normalizeRecords(records []domain.EntityData) ([]*record, error) {
	out := make([]*record, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, data := range records {
		rec, err := m.normalizeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if at, dup := seen[rec.key]; dup {
			out[at] = rec
			continue
		}
		seen[rec.key] = len(out)
		out = append(out, rec)
	}
	return out, nil
}

func (m *Manager) normalizeRecord(data domain.EntityData) (*record, error) {
	t, err := m.registry.Require(data.Type)
	if err != nil {
		return nil, err
	}
	state := data.State.OrUnchanged()
	if !state.Valid() || state == domain.StateDetached {
		return nil, &domain.MetadataError{Type: t.Name, Reason: fmt.Sprintf("cannot merge a record in state %q", data.State)}
	}
	rec := &record{t: t, state: state, tempKey: data.TempKey, values: make(map[int]any, len(data.Values))}
	props := t.Properties()
	for name, raw := range data.Values {
		idx, ok := t.PropertyIndex(name)
		if !ok {
			continue
		}
		v, err := props[idx].Normalize(raw)
		if err != nil {
			return nil, &domain.MetadataError{Type: t.Name, Property: name, Reason: err.Error()}
		}
		rec.values[idx] = v
	}
	keyValues := make([]any, 0, len(t.KeyIndexes()))
	for _, idx := range t.KeyIndexes() {
		v, ok := rec.values[idx]
		if !ok || props[idx].IsEmpty(v) {
			return nil, &domain.MetadataError{Type: t.Name, Property: props[idx].Name, Reason: "record has no key value"}
		}
		keyValues = append(keyValues, v)
	}
	rec.key = domain.EntityKey{Type: t.Root(), Values: keyValues}.String()
	if t.KeyGenerationStrategy() == metadata.KeyGenerationIdentity {
		if v, ok := keyValues[0].(int64); ok && v < 0 {
			rec.tempKey = true
		}
	}
	if len(data.OriginalValues) > 0 {
		rec.original = make(map[string]any, len(data.OriginalValues))
		for name, raw := range data.OriginalValues {
			p, ok := t.Property(name)
			if !ok {
				continue
			}
			v, err := p.Normalize(raw)
			if err != nil {
				return nil, &domain.MetadataError{Type: t.Name, Property: name, Reason: err.Error()}
			}
			rec.original[name] = v
		}
	}
	return rec, nil
}

func (m *Manager) mergeLocked(ctx context.Context, b *batch, rec *record, strategy domain.MergeStrategy) (*Entity, bool, error) {
	resident := m.entities[rec.key]
	if resident == nil {
		e := NewEntity(rec.t)
		for idx, v := range rec.values {
			e.values[idx] = v
		}
		e.aspect.tempKey = rec.tempKey
		if err := m.attachLocked(ctx, b, e, rec.state, false); err != nil {
			return nil, false, err
		}
		if rec.state == domain.StateModified || rec.state == domain.StateDeleted {
			e.aspect.original = copyValues(rec.original)
		}
		return e, true, nil
	}
	switch strategy {
	case domain.SkipMerge:
		return resident, false, nil
	case domain.PreserveChanges:
		if resident.aspect.state.IsPending() {
			return resident, false, nil
		}
	}
	m.overwriteLocked(b, resident, rec)
	return resident, true, nil
}

// overwriteLocked replaces the values, originals and state of a resident
// entity with rec.
func (m *Manager) overwriteLocked(b *batch, e *Entity, rec *record) {
	writes := make([]write, 0, len(rec.values))
	for idx, v := range rec.values {
		name := rec.t.Properties()[idx].Name
		target, ok := e.typ.PropertyIndex(name)
		if !ok || e.typ.IsKey(name) {
			continue
		}
		writes = append(writes, write{idx: target, value: v})
	}
	m.writeLocked(b, e, writes, writeRestore)
	a := e.aspect
	a.resetTracking()
	a.tempKey = rec.tempKey
	m.setStateLocked(b, e, rec.state)
	if rec.state == domain.StateModified || rec.state == domain.StateDeleted {
		a.original = copyValues(rec.original)
	}
	if rec.state == domain.StateDeleted && rec.tempKey {
		a.wasAdded = true
	}
	b.entityChanged(EntityChangedEvent{Action: domain.ActionMergeOverwrite, Entity: e, State: rec.state})
}

func copyValues(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
