// Package memory provides an in-memory reference data service. It stores rows
// per root type, assigns identity keys, detects conflicts against the client
// baseline, and runs metadata validators with server origin.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"entitycore/internal/validation"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

var _ domain.DataService = (*Service)(nil)

// Row is a stored entity in wire form.
type Row struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

// Snapshot captures a point-in-time copy of the service state. Rows are
// grouped per root type and sorted by key.
type Snapshot struct {
	Rows      map[string][]Row `json:"rows"`
	Sequences map[string]int64 `json:"sequences"`
}

// CommitFunc persists the state a save or seed is about to commit. Returning
// an error aborts it.
type CommitFunc func(ctx context.Context, snap Snapshot) error

type serviceState struct {
	rows map[string]map[string]Row // root type -> key -> row
	seq  map[string]int64
}

func newServiceState() serviceState {
	return serviceState{rows: make(map[string]map[string]Row), seq: make(map[string]int64)}
}

func (s serviceState) clone() serviceState {
	out := serviceState{rows: make(map[string]map[string]Row, len(s.rows)), seq: make(map[string]int64, len(s.seq))}
	for root, rows := range s.rows {
		cp := make(map[string]Row, len(rows))
		for k, r := range rows {
			cp[k] = cloneRow(r)
		}
		out.rows[root] = cp
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

func cloneRow(r Row) Row {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Row{Type: r.Type, Values: values}
}

// Service is the in-memory data service.
type Service struct {
	mu        sync.Mutex
	registry  *metadata.Registry
	validator *validation.Engine
	logger    zerolog.Logger
	commit    CommitFunc
	state     serviceState
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithValidationEngine replaces the engine used for server-side validation.
func WithValidationEngine(e *validation.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.validator = e
		}
	}
}

// WithCommitHook registers a function called, under the service lock, with
// the new state before a save or seed commits.
func WithCommitHook(fn CommitFunc) Option { return func(s *Service) { s.commit = fn } }

// New constructs an empty service over reg.
func New(reg *metadata.Registry, opts ...Option) *Service {
	s := &Service{
		registry:  reg,
		validator: validation.NewEngine(),
		logger:    zerolog.Nop(),
		state:     newServiceState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the metadata the service validates against.
func (s *Service) Registry() *metadata.Registry { return s.registry }

// FetchMetadata returns the registry as a JSON metadata document.
func (s *Service) FetchMetadata(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(s.registry.Document())
}

// Seed stores records as already persisted rows, replacing rows with the same
// key. Identity sequences advance past seeded keys. The new state goes through
// the commit hook like a save; a failing hook leaves the rows unchanged.
func (s *Service) Seed(records ...domain.EntityData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	for i, rec := range records {
		t, err := s.registry.Require(rec.Type)
		if err != nil {
			return err
		}
		values, err := normalizeValues(t, rec.Values)
		if err != nil {
			return fmt.Errorf("seed record %d: %w", i, err)
		}
		key, err := keyOf(t, values)
		if err != nil {
			return fmt.Errorf("seed record %d: %w", i, err)
		}
		next.put(t, key, values)
		next.observeKey(t, values)
	}
	if s.commit != nil {
		if err := s.commit(context.Background(), snapshotOf(next)); err != nil {
			return fmt.Errorf("persist seed: %w", err)
		}
	}
	s.state = next
	return nil
}

// ExportState returns a copy of every stored row.
func (s *Service) ExportState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.state)
}

// ImportState replaces the stored rows with snap.
func (s *Service) ImportState(snap Snapshot) error {
	next := newServiceState()
	for root, rows := range snap.Rows {
		for i, r := range rows {
			t, err := s.registry.Require(r.Type)
			if err != nil {
				return err
			}
			if t.Root() != root {
				return fmt.Errorf("row %s[%d]: type %s is not rooted at %s", root, i, r.Type, root)
			}
			values, err := normalizeValues(t, r.Values)
			if err != nil {
				return fmt.Errorf("row %s[%d]: %w", root, i, err)
			}
			key, err := keyOf(t, values)
			if err != nil {
				return fmt.Errorf("row %s[%d]: %w", root, i, err)
			}
			next.put(t, key, values)
		}
	}
	for k, v := range snap.Sequences {
		next.seq[k] = v
	}
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	return nil
}

// Count returns the number of stored rows of typeName, including subtypes.
func (s *Service) Count(typeName string) int {
	t, ok := s.registry.Lookup(typeName)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.state.rows[t.Root()] {
		if rt, ok := s.registry.Lookup(r.Type); ok && rt.IsA(t.Name) {
			n++
		}
	}
	return n
}

func snapshotOf(state serviceState) Snapshot {
	snap := Snapshot{Rows: make(map[string][]Row, len(state.rows)), Sequences: make(map[string]int64, len(state.seq))}
	for root, rows := range state.rows {
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Row, 0, len(keys))
		for _, k := range keys {
			out = append(out, cloneRow(rows[k]))
		}
		snap.Rows[root] = out
	}
	for k, v := range state.seq {
		snap.Sequences[k] = v
	}
	return snap
}

func (s serviceState) put(t *metadata.EntityType, key string, values map[string]any) {
	root := t.Root()
	if s.rows[root] == nil {
		s.rows[root] = make(map[string]Row)
	}
	s.rows[root][key] = Row{Type: t.Name, Values: encodeValues(t, values)}
}

func (s serviceState) get(t *metadata.EntityType, key string) (Row, bool) {
	r, ok := s.rows[t.Root()][key]
	return r, ok
}

// observeKey advances the identity sequence past a stored key.
func (s serviceState) observeKey(t *metadata.EntityType, values map[string]any) {
	if t.KeyGenerationStrategy() != metadata.KeyGenerationIdentity {
		return
	}
	if v, ok := values[t.Keys()[0].Name].(int64); ok && v > s.seq[t.Root()] {
		s.seq[t.Root()] = v
	}
}

// normalizeValues converts wire values to their canonical form. Unknown
// properties are dropped.
func normalizeValues(t *metadata.EntityType, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for name, raw := range in {
		p, ok := t.Property(name)
		if !ok {
			continue
		}
		v, err := p.Normalize(raw)
		if err != nil {
			return nil, &domain.MetadataError{Type: t.Name, Property: name, Reason: err.Error()}
		}
		out[name] = v
	}
	return out, nil
}

func encodeValues(t *metadata.EntityType, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for name, v := range values {
		p, _ := t.Property(name)
		out[name] = p.Encode(v)
	}
	return out
}

func keyOf(t *metadata.EntityType, values map[string]any) (string, error) {
	keys := t.Keys()
	kv := make([]any, len(keys))
	for i, p := range keys {
		v, ok := values[p.Name]
		if !ok || p.IsEmpty(v) {
			return "", &domain.MetadataError{Type: t.Name, Property: p.Name, Reason: "missing key value"}
		}
		kv[i] = v
	}
	return domain.EntityKey{Type: t.Root(), Values: kv}.String(), nil
}
