package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/testutil"
)

const (
	acmeID   = "6f1c2d3e-4b5a-4c7d-8e9f-0a1b2c3d4e5f"
	globexID = "0b9a8c7d-6e5f-4a3b-9c2d-1e0f9a8b7c6d"
	rushTag  = "11111111-2222-4333-8444-555555555555"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(testutil.SalesRegistry(t), opts...)
}

// newBackedManager wires a scope to an in-memory data service sharing the
// same registry.
func newBackedManager(t *testing.T, opts ...Option) (*Manager, *memory.Service) {
	t.Helper()
	reg := testutil.SalesRegistry(t)
	svc := memory.New(reg)
	return NewManager(reg, append([]Option{WithTransport(svc)}, opts...)...), svc
}

// seedGraph merges an Unchanged order with one line and one tag.
func seedGraph(t *testing.T, m *Manager) (order, line, tag *Entity) {
	t.Helper()
	res, err := m.Merge([]domain.EntityData{
		{Type: testutil.TypeOrder, Values: map[string]any{"OrderID": 10, "Freight": 4.5}},
		{Type: testutil.TypeOrderLine, Values: map[string]any{"OrderID": 10, "ProductID": 7, "Quantity": 2, "UnitPrice": 3.0}},
		{Type: testutil.TypeTag, Values: map[string]any{"TagID": rushTag, "Label": "rush", "OrderID": 10}},
	}, "")
	require.NoError(t, err)
	require.Len(t, res.Entities, 3)
	return res.Entities[0], res.Entities[1], res.Entities[2]
}

func entityType(t *testing.T, m *Manager, name string) *metadata.EntityType {
	t.Helper()
	et, err := m.Registry().Require(name)
	require.NoError(t, err)
	return et
}

// recordingMetrics captures metric observations.
type recordingMetrics struct {
	mu  sync.Mutex
	ops []string
	ok  []bool
}

func (r *recordingMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.ok = append(r.ok, success)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// blockingTransport holds every save until release is closed.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingTransport) ExecuteQuery(context.Context, domain.Query) ([]domain.EntityData, error) {
	return nil, nil
}

func (b *blockingTransport) ExecuteSave(ctx context.Context, _ domain.SaveBatch) (domain.SaveOutcome, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return domain.SaveOutcome{}, nil
	case <-ctx.Done():
		return domain.SaveOutcome{}, ctx.Err()
	}
}

// stubTransport answers saves with a fixed outcome or error.
type stubTransport struct {
	outcome domain.SaveOutcome
	err     error
	batches []domain.SaveBatch
	records []domain.EntityData
}

func (s *stubTransport) ExecuteQuery(context.Context, domain.Query) ([]domain.EntityData, error) {
	return s.records, nil
}

func (s *stubTransport) ExecuteSave(_ context.Context, b domain.SaveBatch) (domain.SaveOutcome, error) {
	s.batches = append(s.batches, b)
	return s.outcome, s.err
}
