package memory

import (
	"context"
	"errors"
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// saveTx applies one batch to a cloned state.
type saveTx struct {
	svc      *Service
	state    serviceState
	temp     map[string]map[int64]int64 // root type -> temp key -> assigned key
	mappings []domain.KeyMapping
	entries  []*entry
}

type entry struct {
	domain.SaveEntry
	t         *metadata.EntityType
	values    map[string]any
	clientKey string
	key       string
}

// subject exposes an entry to the validation engine.
type subject struct{ e *entry }

func (s subject) TypeName() string    { return s.e.t.Name }
func (s subject) KeyString() string   { return s.e.clientKey }
func (s subject) Get(name string) any { return s.e.values[name] }

// ExecuteSave applies batch atomically. Temporary identity keys are replaced
// from the per-type sequence and foreign keys inside the batch that
// referenced them are rewritten. A Modified or Deleted entry whose
// concurrency baseline differs from the stored row is a conflict. Failures
// return *domain.SaveRejectedError and leave the stored state untouched.
func (s *Service) ExecuteSave(ctx context.Context, batch domain.SaveBatch) (domain.SaveOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.SaveOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &saveTx{svc: s, state: s.state.clone(), temp: make(map[string]map[int64]int64)}
	outcome, err := tx.apply(ctx, batch)
	if err != nil {
		var rejected *domain.SaveRejectedError
		if errors.As(err, &rejected) {
			s.logger.Warn().Str("batch", batch.ID).Str("kind", string(rejected.Kind)).Int("entities", len(rejected.EntityErrors)).Msg("save rejected")
		}
		return domain.SaveOutcome{}, err
	}
	if s.commit != nil {
		if err := s.commit(ctx, snapshotOf(tx.state)); err != nil {
			return domain.SaveOutcome{}, &domain.SaveRejectedError{Kind: domain.SaveErrorTransport, Message: "persist state", Cause: err}
		}
	}
	s.state = tx.state
	s.logger.Info().Str("batch", batch.ID).Int("entries", len(batch.Entries)).Int("keyMappings", len(outcome.KeyMappings)).Msg("batch saved")
	return outcome, nil
}

func (tx *saveTx) apply(ctx context.Context, batch domain.SaveBatch) (domain.SaveOutcome, error) {
	if err := tx.resolve(batch); err != nil {
		return domain.SaveOutcome{}, err
	}
	tx.assignKeys()
	for _, e := range tx.entries {
		tx.rewriteForeignKeys(e)
		key, err := keyOf(e.t, e.values)
		if err != nil {
			return domain.SaveOutcome{}, invalid(e, err)
		}
		e.key = key
	}
	if err := tx.validate(ctx); err != nil {
		return domain.SaveOutcome{}, err
	}

	var (
		conflicts []domain.EntityError
		outcome   = domain.SaveOutcome{KeyMappings: tx.mappings}
	)
	for _, e := range tx.entries {
		stored, exists := tx.state.get(e.t, e.key)
		switch e.State {
		case domain.StateAdded:
			if exists {
				conflicts = append(conflicts, entityError(e, "", "an entity with this key already exists"))
				continue
			}
			bumpConcurrency(e.t, e.values, nil)
			tx.state.put(e.t, e.key, e.values)
			tx.state.observeKey(e.t, e.values)
		case domain.StateModified, domain.StateDeleted:
			if !exists {
				conflicts = append(conflicts, entityError(e, "", "the entity no longer exists"))
				continue
			}
			if prop, ok := baselineMatches(e, stored); !ok {
				conflicts = append(conflicts, entityError(e, prop, "the entity was changed by another save"))
				continue
			}
			if e.State == domain.StateDeleted {
				delete(tx.state.rows[e.t.Root()], e.key)
				continue
			}
			bumpConcurrency(e.t, e.values, stored.Values)
			tx.state.put(e.t, e.key, e.values)
		default:
			return domain.SaveOutcome{}, invalid(e, fmt.Errorf("cannot save an entity in state %q", e.State))
		}
		outcome.Entities = append(outcome.Entities, domain.EntityData{Type: e.t.Name, Values: encodeValues(e.t, e.values)})
	}
	if len(conflicts) > 0 {
		return domain.SaveOutcome{}, &domain.SaveRejectedError{
			Kind:         domain.SaveErrorConflict,
			Message:      fmt.Sprintf("%d of %d entities conflict with stored data", len(conflicts), len(tx.entries)),
			EntityErrors: conflicts,
		}
	}
	return outcome, nil
}

func (tx *saveTx) resolve(batch domain.SaveBatch) error {
	for i, se := range batch.Entries {
		t, err := tx.svc.registry.Require(se.Type)
		if err != nil {
			return &domain.SaveRejectedError{Kind: domain.SaveErrorValidation, Message: fmt.Sprintf("entry %d: %v", i, err), Cause: err}
		}
		e := &entry{SaveEntry: se, t: t}
		values, err := normalizeValues(t, se.Values)
		if err != nil {
			return invalid(e, err)
		}
		e.values = values
		if e.clientKey, err = keyOf(t, values); err != nil {
			return invalid(e, err)
		}
		tx.entries = append(tx.entries, e)
	}
	return nil
}

// assignKeys draws permanent keys for Added identity entries carrying a
// temporary key.
func (tx *saveTx) assignKeys() {
	for _, e := range tx.entries {
		if e.State != domain.StateAdded || e.t.KeyGenerationStrategy() != metadata.KeyGenerationIdentity {
			continue
		}
		p := e.t.Keys()[0]
		old, _ := e.values[p.Name].(int64)
		if !e.TempKey && old > 0 {
			continue
		}
		root := e.t.Root()
		tx.state.seq[root]++
		next := tx.state.seq[root]
		if tx.temp[root] == nil {
			tx.temp[root] = make(map[int64]int64)
		}
		tx.temp[root][old] = next
		e.values[p.Name] = next
		tx.mappings = append(tx.mappings, domain.KeyMapping{Type: e.t.Name, TempValue: old, RealValue: next})
	}
}

func (tx *saveTx) rewriteForeignKeys(e *entry) {
	if len(tx.temp) == 0 {
		return
	}
	for _, rel := range tx.svc.registry.DependentRelationships(e.t) {
		if len(rel.ForeignKeys) != 1 {
			continue
		}
		principal, ok := tx.svc.registry.Lookup(rel.Principal)
		if !ok {
			continue
		}
		remap := tx.temp[principal.Root()]
		fk := rel.ForeignKeys[0]
		if old, ok := e.values[fk].(int64); ok && remap != nil {
			if next, ok := remap[old]; ok {
				e.values[fk] = next
			}
		}
	}
}

func (tx *saveTx) validate(ctx context.Context) error {
	var (
		res  domain.Result
		errs []domain.EntityError
	)
	for _, e := range tx.entries {
		if e.State != domain.StateAdded && e.State != domain.StateModified {
			continue
		}
		r := tx.svc.validator.ValidateEntity(ctx, e.t, subject{e})
		if !r.HasBlocking() {
			continue
		}
		for _, v := range r.Violations {
			v.Origin = domain.OriginServer
			res.Violations = append(res.Violations, v)
			errs = append(errs, entityError(e, v.Property, v.Message))
		}
	}
	if len(res.Violations) == 0 {
		return nil
	}
	return &domain.SaveRejectedError{
		Kind:         domain.SaveErrorValidation,
		Message:      fmt.Sprintf("%d validation errors", len(res.Violations)),
		EntityErrors: errs,
		Violations:   res.Violations,
	}
}

// baselineMatches compares the entry's concurrency baseline with the stored
// row and returns the first differing property.
func baselineMatches(e *entry, stored Row) (string, bool) {
	for name, raw := range e.Concurrency {
		p, ok := e.t.Property(name)
		if !ok {
			continue
		}
		want, err1 := p.Normalize(raw)
		got, err2 := p.Normalize(stored.Values[name])
		if err1 != nil || err2 != nil || !metadata.ValuesEqual(want, got) {
			return name, false
		}
	}
	return "", true
}

// bumpConcurrency advances integer concurrency tokens past the stored value.
func bumpConcurrency(t *metadata.EntityType, values map[string]any, stored map[string]any) {
	for _, p := range t.ConcurrencyProperties() {
		if p.Type != metadata.TypeInt {
			continue
		}
		base, _ := values[p.Name].(int64)
		if stored != nil {
			if v, err := p.Normalize(stored[p.Name]); err == nil {
				base, _ = v.(int64)
			}
		}
		values[p.Name] = base + 1
	}
}

func entityError(e *entry, property, msg string) domain.EntityError {
	return domain.EntityError{Type: e.t.Name, Key: wireKey(e), Property: property, Message: msg}
}

// wireKey is the key the client sent, before any temporary key was replaced.
func wireKey(e *entry) domain.EntityKey {
	if len(e.Key.Values) > 0 {
		return e.Key
	}
	return domain.EntityKey{Type: e.t.Root()}
}

func invalid(e *entry, err error) *domain.SaveRejectedError {
	return &domain.SaveRejectedError{
		Kind:         domain.SaveErrorValidation,
		Message:      err.Error(),
		EntityErrors: []domain.EntityError{entityError(e, "", err.Error())},
		Cause:        err,
	}
}
