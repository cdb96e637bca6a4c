package memory

import (
	"context"
	"sort"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// ExecuteQuery returns rows of q.Type and its subtypes whose values equal
// every entry of q.Filter, ordered by key.
func (s *Service) ExecuteQuery(ctx context.Context, q domain.Query) ([]domain.EntityData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := s.registry.Require(q.Type)
	if err != nil {
		return nil, err
	}
	filter, err := normalizeValues(t, q.Filter)
	if err != nil {
		return nil, err
	}
	for name := range q.Filter {
		if _, ok := t.Property(name); !ok {
			return nil, &domain.MetadataError{Type: t.Name, Property: name, Reason: "unknown filter property"}
		}
	}

	s.mu.Lock()
	rows := s.state.rows[t.Root()]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []domain.EntityData
	for _, k := range keys {
		r := rows[k]
		rt, ok := s.registry.Lookup(r.Type)
		if !ok || !rt.IsA(t.Name) || !matches(rt, r, filter) {
			continue
		}
		out = append(out, domain.EntityData{Type: r.Type, Values: cloneRow(r).Values})
	}
	s.mu.Unlock()

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Take > 0 && q.Take < len(out) {
		out = out[:q.Take]
	}
	s.logger.Debug().Str("type", t.Name).Int("rows", len(out)).Msg("query executed")
	return out, nil
}

func matches(t *metadata.EntityType, r Row, filter map[string]any) bool {
	for name, want := range filter {
		p, _ := t.Property(name)
		got, err := p.Normalize(r.Values[name])
		if err != nil || !metadata.ValuesEqual(got, want) {
			return false
		}
	}
	return true
}
