package core

import (
	"context"
	"errors"
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// ErrNoMetadataSource is returned by FetchMetadata when the transport cannot
// describe its types.
var ErrNoMetadataSource = errors.New("transport does not provide metadata")

// ExecuteQuery runs q on the transport and merges the results using
// q.MergeStrategy, or the scope default when unset. Types the registry does
// not know are fetched from the transport when it is a MetadataSource.
func (m *Manager) ExecuteQuery(ctx context.Context, q domain.Query) ([]*Entity, error) {
	if m.transport == nil {
		return nil, domain.ErrNoTransport
	}
	ctx, op := m.instrument(ctx, opQuery, false)
	entities, err := m.executeQuery(ctx, q)
	op.entities = len(entities)
	op.end(err)
	return entities, err
}

func (m *Manager) executeQuery(ctx context.Context, q domain.Query) ([]*Entity, error) {
	records, err := m.transport.ExecuteQuery(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Type, err)
	}
	if err := m.ensureTypes(ctx, records); err != nil {
		return nil, err
	}
	res, err := m.merge(ctx, records, q.MergeStrategy)
	if err != nil {
		return nil, fmt.Errorf("merge %s results: %w", q.Type, err)
	}
	return res.Entities, nil
}

func (m *Manager) ensureTypes(ctx context.Context, records []domain.EntityData) error {
	for _, rec := range records {
		if _, ok := m.registry.Lookup(rec.Type); ok {
			continue
		}
		if _, ok := m.transport.(domain.MetadataSource); !ok {
			return &domain.MetadataError{Type: rec.Type, Reason: "unknown entity type"}
		}
		_, err := m.FetchMetadata(ctx)
		return err
	}
	return nil
}

// FetchMetadata asks the transport for its metadata document and registers
// the types the registry does not know yet.
func (m *Manager) FetchMetadata(ctx context.Context) (metadata.Document, error) {
	if m.transport == nil {
		return metadata.Document{}, domain.ErrNoTransport
	}
	src, ok := m.transport.(domain.MetadataSource)
	if !ok {
		return metadata.Document{}, ErrNoMetadataSource
	}
	raw, err := src.FetchMetadata(ctx)
	if err != nil {
		return metadata.Document{}, fmt.Errorf("fetch metadata: %w", err)
	}
	doc, err := metadata.LoadDocument(raw)
	if err != nil {
		return metadata.Document{}, err
	}
	if err := m.registry.RegisterDocument(doc); err != nil {
		return metadata.Document{}, err
	}
	m.logger.Debug().Int("types", len(doc.EntityTypes)).Msg("metadata fetched")
	return doc, nil
}

// ExecuteQueryLocally filters live resident entities of typeName, including
// subtypes, without contacting the transport. A nil predicate selects all.
// The predicate runs without the scope lock held.
func (m *Manager) ExecuteQueryLocally(typeName string, predicate func(*Entity) bool) ([]*Entity, error) {
	t, err := m.registry.Require(typeName)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	candidates := m.filterLocked(func(e *Entity) bool {
		return indexable(e.aspect.state) && e.typ.IsA(t.Name)
	})
	m.mu.Unlock()
	if predicate == nil {
		return candidates, nil
	}
	out := candidates[:0]
	for _, e := range candidates {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
