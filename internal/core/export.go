package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Export document format marker and version.
const (
	ExportFormat  = "entitycore.export"
	ExportVersion = 1
)

// Encoding selects the export wire format.
type Encoding string

// Supported encodings.
const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ExportOptions selects what ExportEntities writes.
type ExportOptions struct {
	// Entities limits the export; nil exports every attached entity.
	Entities []*Entity
	// ExcludeMetadata omits the metadata document.
	ExcludeMetadata bool
	Encoding        Encoding
}

// ImportOptions controls ImportEntities.
type ImportOptions struct {
	// MergeStrategy defaults to the scope default.
	MergeStrategy domain.MergeStrategy
	// Encoding is detected from the payload when empty.
	Encoding Encoding
}

// ImportResult lists the imported entities and the temporary keys that were
// reassigned from the scope's generator.
type ImportResult struct {
	Entities []*Entity
	Merged   []*Entity
	Remapped []domain.KeyMapping
}

type exportDocument struct {
	Format       string                    `json:"format" cbor:"format"`
	Version      int                       `json:"version" cbor:"version"`
	Metadata     *metadata.Document        `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	EntityGroups map[string][]exportRecord `json:"entityGroups" cbor:"entityGroups"`
}

type exportRecord struct {
	State          domain.EntityState `json:"state" cbor:"state"`
	TempKey        bool               `json:"tempKey,omitempty" cbor:"tempKey,omitempty"`
	Values         map[string]any     `json:"values" cbor:"values"`
	OriginalValues map[string]any     `json:"originalValues,omitempty" cbor:"originalValues,omitempty"`
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// ExportEntities serializes entities with their state, temporary key flag,
// current values and original values.
func (m *Manager) ExportEntities(opts ExportOptions) ([]byte, error) {
	_, op := m.instrument(context.Background(), opExport, true)
	data, n, err := m.exportEntities(opts)
	op.entities = n
	op.end(err)
	return data, err
}

func (m *Manager) exportEntities(opts ExportOptions) ([]byte, int, error) {
	doc := exportDocument{Format: ExportFormat, Version: ExportVersion, EntityGroups: make(map[string][]exportRecord)}
	if !opts.ExcludeMetadata {
		md := m.registry.Document()
		doc.Metadata = &md
	}
	m.mu.Lock()
	selected := opts.Entities
	if selected == nil {
		selected = m.filterLocked(nil)
	}
	for _, e := range selected {
		if owner := e.aspect.manager.Load(); owner != m {
			m.mu.Unlock()
			return nil, 0, fmt.Errorf("export %s: %w", e.typ.Name, scopeError(owner))
		}
		doc.EntityGroups[e.typ.Name] = append(doc.EntityGroups[e.typ.Name], exportRecordLocked(e))
	}
	m.mu.Unlock()

	var (
		data []byte
		err  error
	)
	switch opts.Encoding {
	case "", EncodingJSON:
		data, err = json.Marshal(doc)
	case EncodingCBOR:
		data, err = cborEnc.Marshal(doc)
	default:
		return nil, 0, fmt.Errorf("export: unknown encoding %q", opts.Encoding)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("encode export: %w", err)
	}
	return data, len(selected), nil
}

func exportRecordLocked(e *Entity) exportRecord {
	props := e.typ.Properties()
	rec := exportRecord{State: e.aspect.state, TempKey: e.aspect.tempKey, Values: make(map[string]any, len(props))}
	for i, p := range props {
		rec.Values[p.Name] = p.Encode(e.values[i])
	}
	if len(e.aspect.original) > 0 {
		rec.OriginalValues = make(map[string]any, len(e.aspect.original))
		for name, v := range e.aspect.original {
			p, _ := e.typ.Property(name)
			rec.OriginalValues[name] = p.Encode(v)
		}
	}
	return rec
}

// ImportEntities merges an export blob into the scope. Types missing from the
// registry are registered from the embedded metadata, and temporary keys are
// replaced with fresh ones from the scope's generator, rewriting the foreign
// keys inside the blob that referenced them.
func (m *Manager) ImportEntities(data []byte, opts ImportOptions) (ImportResult, error) {
	ctx, op := m.instrument(context.Background(), opImport, true)
	res, err := m.importEntities(ctx, data, opts)
	op.entities = len(res.Entities)
	op.end(err)
	return res, err
}

func (m *Manager) importEntities(ctx context.Context, data []byte, opts ImportOptions) (ImportResult, error) {
	doc, err := decodeExport(data, opts.Encoding)
	if err != nil {
		return ImportResult{}, err
	}
	if doc.Metadata != nil {
		if err := m.registry.RegisterDocument(*doc.Metadata); err != nil {
			return ImportResult{}, fmt.Errorf("import metadata: %w", err)
		}
	}

	typeNames := make([]string, 0, len(doc.EntityGroups))
	for name := range doc.EntityGroups {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	var records []domain.EntityData
	for _, name := range typeNames {
		for _, r := range doc.EntityGroups[name] {
			records = append(records, domain.EntityData{
				Type:           name,
				State:          r.State,
				TempKey:        r.TempKey,
				Values:         r.Values,
				OriginalValues: r.OriginalValues,
			})
		}
	}

	remapped, err := m.remapTempKeys(records)
	if err != nil {
		return ImportResult{}, err
	}
	merged, err := m.merge(ctx, records, opts.MergeStrategy)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}
	return ImportResult{Entities: merged.Entities, Merged: merged.Merged, Remapped: remapped}, nil
}

func decodeExport(data []byte, enc Encoding) (exportDocument, error) {
	if enc == "" {
		enc = EncodingCBOR
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			enc = EncodingJSON
		}
	}
	var doc exportDocument
	switch enc {
	case EncodingJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return doc, &domain.ImportFormatError{Reason: "malformed json", Err: err}
		}
	case EncodingCBOR:
		if err := cbor.Unmarshal(data, &doc); err != nil {
			return doc, &domain.ImportFormatError{Reason: "malformed cbor", Err: err}
		}
	default:
		return doc, &domain.ImportFormatError{Reason: fmt.Sprintf("unknown encoding %q", enc)}
	}
	if doc.Format != ExportFormat {
		return doc, &domain.ImportFormatError{Reason: fmt.Sprintf("unknown format %q", doc.Format)}
	}
	if doc.Version != ExportVersion {
		return doc, &domain.ImportFormatError{Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}
	return doc, nil
}

// remapTempKeys assigns fresh temporary keys to records carrying one and
// rewrites the single-column foreign keys in records that referenced them.
func (m *Manager) remapTempKeys(records []domain.EntityData) ([]domain.KeyMapping, error) {
	mapping := make(map[string]map[int64]int64)
	var out []domain.KeyMapping

	m.mu.Lock()
	for i := range records {
		rec := &records[i]
		t, err := m.registry.Require(rec.Type)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if t.KeyGenerationStrategy() != metadata.KeyGenerationIdentity {
			continue
		}
		p := t.Keys()[0]
		raw, err := p.Normalize(rec.Values[p.Name])
		if err != nil {
			m.mu.Unlock()
			return nil, &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: err.Error()}
		}
		old, _ := raw.(int64)
		if !rec.TempKey && old >= 0 {
			continue
		}
		root := t.Root()
		next := m.keygen.Next(func(v int64) bool {
			_, used := m.entities[domain.EntityKey{Type: root, Values: []any{v}}.String()]
			return used
		})
		if mapping[root] == nil {
			mapping[root] = make(map[int64]int64)
		}
		mapping[root][old] = next
		rec.Values = copyValues(rec.Values)
		rec.Values[p.Name] = next
		rec.TempKey = true
		out = append(out, domain.KeyMapping{Type: t.Name, TempValue: old, RealValue: next})
	}
	m.mu.Unlock()
	if len(mapping) == 0 {
		return nil, nil
	}

	for i := range records {
		rec := &records[i]
		t, _ := m.registry.Lookup(rec.Type)
		done := make(map[string]bool)
		for _, rel := range m.registry.DependentRelationships(t) {
			if len(rel.ForeignKeys) != 1 || done[rel.ForeignKeys[0]] {
				continue
			}
			remap := mapping[m.rootOf(rel.Principal)]
			if remap == nil {
				continue
			}
			fk := rel.ForeignKeys[0]
			done[fk] = true
			p, _ := t.Property(fk)
			rec.Values = rewriteForeignKey(rec.Values, p, remap)
			rec.OriginalValues = rewriteForeignKey(rec.OriginalValues, p, remap)
		}
	}
	return out, nil
}

func rewriteForeignKey(values map[string]any, p metadata.DataProperty, remap map[int64]int64) map[string]any {
	raw, ok := values[p.Name]
	if !ok || raw == nil {
		return values
	}
	v, err := p.Normalize(raw)
	if err != nil {
		return values
	}
	old, ok := v.(int64)
	if !ok {
		return values
	}
	next, ok := remap[old]
	if !ok {
		return values
	}
	values = copyValues(values)
	values[p.Name] = next
	return values
}
