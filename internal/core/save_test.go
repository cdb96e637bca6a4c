package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestSaveRewritesTemporaryKeys(t *testing.T) {
	m, svc := newBackedManager(t)
	ctx := context.Background()

	order, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": 5.0})
	require.NoError(t, err)
	line, err := m.CreateEntity(testutil.TypeOrderLine, map[string]any{"OrderID": order.Get("OrderID"), "ProductID": 7, "UnitPrice": 2.5})
	require.NoError(t, err)
	tag, err := m.CreateEntity(testutil.TypeTag, map[string]any{"Label": "rush"})
	require.NoError(t, err)
	require.NoError(t, tag.SetReference("Order", order))
	assert.Equal(t, int64(-1), tag.Get("OrderID"))

	res, err := m.SaveChanges(ctx)
	require.NoError(t, err)
	require.Len(t, res.KeyMappings, 1)
	assert.Equal(t, domain.KeyMapping{Type: testutil.TypeOrder, TempValue: int64(-1), RealValue: int64(1)}, res.KeyMappings[0])
	assert.NotEmpty(t, res.BatchID)
	assert.Len(t, res.Entities, 3)

	assert.Equal(t, int64(1), order.Get("OrderID"))
	assert.False(t, order.Aspect().HasTemporaryKey())
	assert.Equal(t, int64(1), line.Get("OrderID"))
	assert.Equal(t, int64(1), tag.Get("OrderID"))
	assert.Same(t, order, line.Reference("Order"))
	assert.True(t, order.Collection("Lines").Contains(line))

	found, err := m.FindEntityByKey(testutil.TypeOrderLine, 1, 7)
	require.NoError(t, err)
	assert.Same(t, line, found)
	found, _ = m.FindEntityByKey(testutil.TypeOrder, -1)
	assert.Nil(t, found, "the temporary identity is gone")

	for _, e := range []*Entity{order, line, tag} {
		assert.Equal(t, domain.StateUnchanged, e.Aspect().State())
	}
	assert.False(t, m.HasChanges())
	assert.Equal(t, 1, svc.Count(testutil.TypeOrderLine))

	// A later save only sends what changed.
	require.NoError(t, order.Set("ShipCity", "Lyon"))
	res, err = m.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*Entity{order}, res.Entities)
	assert.Empty(t, res.KeyMappings)

	res, err = m.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Entities, "nothing pending")
}

func TestSaveAppliesServerValuesAndDetectsConflicts(t *testing.T) {
	m, svc := newBackedManager(t)
	ctx := context.Background()

	cust, err := m.CreateEntity(testutil.TypeCustomer, map[string]any{"CompanyName": "Acme"})
	require.NoError(t, err)
	_, err = m.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cust.Get("RowVersion"), "the data service bumps concurrency tokens")
	assert.Equal(t, domain.StateUnchanged, cust.Aspect().State())

	// Another scope against the same service saves first.
	other := NewManager(m.Registry(), WithTransport(svc))
	found, err := other.ExecuteQuery(ctx, domain.Query{Type: testutil.TypeCustomer})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NoError(t, found[0].Set("City", "Berlin"))
	_, err = other.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), found[0].Get("RowVersion"))

	require.NoError(t, cust.Set("CompanyName", "Acme Ltd"))
	_, err = m.SaveChanges(ctx)
	var rejected *domain.SaveRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.SaveErrorConflict, rejected.Kind)
	require.Len(t, rejected.EntityErrors, 1)
	assert.Same(t, cust, rejected.EntityErrors[0].Entity)
	assert.Equal(t, domain.StateModified, cust.Aspect().State(), "a rejected save changes nothing locally")
	assert.Equal(t, "Acme Ltd", cust.Get("CompanyName"))

	// Refreshing with OverwriteChanges resolves the conflict.
	_, err = m.ExecuteQuery(ctx, domain.Query{Type: testutil.TypeCustomer, MergeStrategy: domain.OverwriteChanges})
	require.NoError(t, err)
	assert.Equal(t, "Berlin", cust.Get("City"))
	require.NoError(t, cust.Set("CompanyName", "Acme Ltd"))
	_, err = m.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cust.Get("RowVersion"))
}

func TestSaveReportsServerValidation(t *testing.T) {
	// Client validation is off so the data service sees the bad value.
	m, _ := newBackedManager(t, WithValidationOptions(ValidationOptions{}))
	order, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": -3.0})
	require.NoError(t, err)

	_, err = m.SaveChanges(context.Background())
	var rejected *domain.SaveRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.SaveErrorValidation, rejected.Kind)
	require.NotEmpty(t, rejected.Violations)
	assert.Equal(t, domain.OriginServer, rejected.Violations[0].Origin)

	errs := order.Aspect().ValidationErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, domain.OriginServer, errs[0].Origin)
	assert.Equal(t, "Freight", errs[0].Property)
	assert.Equal(t, domain.StateAdded, order.Aspect().State())
	assert.True(t, order.Aspect().HasTemporaryKey())

	order.Aspect().RemoveServerErrors()
	assert.Empty(t, order.Aspect().ValidationErrors())

	require.NoError(t, order.Set("Freight", 3.0))
	_, err = m.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, order.Aspect().ValidationErrors())
}

func TestSaveStopsOnClientValidation(t *testing.T) {
	transport := &stubTransport{}
	m := newTestManager(t, WithTransport(transport))
	_, err := m.CreateEntity(testutil.TypeProduct, map[string]any{"ProductID": 1})
	require.NoError(t, err)

	_, err = m.SaveChanges(context.Background())
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, transport.batches, "nothing reaches the transport")
	assert.True(t, m.HasChanges())
}

func TestSaveSubsetAndDroppedEntities(t *testing.T) {
	transport := &stubTransport{}
	m := newTestManager(t, WithTransport(transport))
	order, _, _ := seedGraph(t, m)
	require.NoError(t, order.Set("Freight", 9.0))
	cust, err := m.CreateEntity(testutil.TypeCustomer, map[string]any{"CompanyName": "Acme"})
	require.NoError(t, err)
	scratch, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	require.NoError(t, scratch.Delete())

	res, err := m.SaveChanges(context.Background(), order, scratch)
	require.NoError(t, err)
	require.Len(t, transport.batches, 1)
	entries := transport.batches[0].Entries
	require.Len(t, entries, 1, "new entities deleted before saving are never sent")
	assert.Equal(t, domain.StateModified, entries[0].State)
	assert.Equal(t, map[string]any{"Freight": 4.5}, entries[0].OriginalValues)
	assert.Equal(t, []*Entity{order}, res.Entities)
	assert.Equal(t, domain.StateDetached, scratch.Aspect().State())
	assert.Equal(t, domain.StateAdded, cust.Aspect().State(), "entities outside the subset stay pending")
}

func TestSaveWrapsTransportFailures(t *testing.T) {
	boom := errors.New("connection reset")
	m := newTestManager(t, WithTransport(&stubTransport{err: boom}))
	order, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)

	_, err = m.SaveChanges(context.Background())
	var rejected *domain.SaveRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.SaveErrorTransport, rejected.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StateAdded, order.Aspect().State())

	_, err = newTestManager(t).SaveChanges(context.Background())
	require.NoError(t, err, "an empty scope needs no transport")
}

func TestOnlyOneSaveRunsAtATime(t *testing.T) {
	transport := newBlockingTransport()
	m := newTestManager(t, WithTransport(transport))
	_, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.SaveChanges(context.Background())
		done <- err
	}()
	select {
	case <-transport.entered:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "save never reached the transport")
	}

	_, err = m.SaveChanges(context.Background())
	var busy *domain.ConcurrentSaveError
	require.ErrorAs(t, err, &busy)

	close(transport.release)
	require.NoError(t, <-done)
	assert.False(t, m.HasChanges())

	// The guard is released once the first save finishes.
	_, err = m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	_, err = m.SaveChanges(context.Background())
	require.NoError(t, err)
}

func TestSaveThroughCommitHookFailure(t *testing.T) {
	reg := testutil.SalesRegistry(t)
	svc := memory.New(reg, memory.WithCommitHook(func(context.Context, memory.Snapshot) error {
		return errors.New("disk full")
	}))
	m := NewManager(reg, WithTransport(svc))
	order, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)

	_, err = m.SaveChanges(context.Background())
	var rejected *domain.SaveRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.SaveErrorTransport, rejected.Kind)
	assert.Equal(t, int64(-1), order.Get("OrderID"))
	assert.Zero(t, svc.Count(testutil.TypeOrder))
}

func TestSaveRejectsKeyMappingsOntoResidentIdentities(t *testing.T) {
	cases := []struct {
		name     string
		resident []domain.EntityData
		mappings []domain.KeyMapping
		holder   string
	}{
		{
			name:     "mapped key held by a resident order",
			resident: []domain.EntityData{{Type: testutil.TypeOrder, Values: map[string]any{"OrderID": 5}}},
			mappings: []domain.KeyMapping{{Type: testutil.TypeOrder, TempValue: -1, RealValue: 5}},
			holder:   testutil.TypeOrder,
		},
		{
			name:     "dependent key held by a resident line",
			resident: []domain.EntityData{{Type: testutil.TypeOrderLine, Values: map[string]any{"OrderID": 5, "ProductID": 7, "UnitPrice": 1.0}}},
			mappings: []domain.KeyMapping{{Type: testutil.TypeOrder, TempValue: -1, RealValue: 5}},
			holder:   testutil.TypeOrderLine,
		},
		{
			name: "same key assigned twice",
			mappings: []domain.KeyMapping{
				{Type: testutil.TypeOrder, TempValue: -1, RealValue: 9},
				{Type: testutil.TypeOrder, TempValue: -2, RealValue: 9},
			},
			holder: testutil.TypeOrder,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := &stubTransport{outcome: domain.SaveOutcome{KeyMappings: tc.mappings}}
			m := newTestManager(t, WithTransport(transport))
			_, err := m.Merge(tc.resident, "")
			require.NoError(t, err)
			residents := m.Entities(nil)

			draft, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": 1.0})
			require.NoError(t, err)
			line, err := m.CreateEntity(testutil.TypeOrderLine, map[string]any{"OrderID": draft.Get("OrderID"), "ProductID": 7, "UnitPrice": 2.0})
			require.NoError(t, err)
			second, err := m.CreateEntity(testutil.TypeOrder, nil)
			require.NoError(t, err)
			before := len(m.Entities(nil))

			_, err = m.SaveChanges(context.Background())
			var rejected *domain.SaveRejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, domain.SaveErrorConflict, rejected.Kind)
			assert.ErrorIs(t, err, domain.ErrKeyConflict)
			require.NotEmpty(t, rejected.EntityErrors)
			holder, ok := rejected.EntityErrors[0].Entity.(*Entity)
			require.True(t, ok)
			assert.Equal(t, tc.holder, holder.TypeName())

			// Nothing from the outcome was applied.
			assert.Len(t, m.Entities(nil), before)
			assert.Equal(t, int64(-1), draft.Get("OrderID"))
			assert.True(t, draft.Aspect().HasTemporaryKey())
			assert.Equal(t, int64(-1), line.Get("OrderID"))
			assert.Equal(t, int64(-2), second.Get("OrderID"))
			for _, e := range []*Entity{draft, line, second} {
				assert.Equal(t, domain.StateAdded, e.Aspect().State())
			}
			for _, r := range residents {
				found, err := m.GetEntityByKey(r.Key())
				require.NoError(t, err)
				assert.Same(t, r, found)
				assert.Equal(t, domain.StateUnchanged, r.Aspect().State())
			}
			found, _ := m.FindEntityByKey(testutil.TypeOrder, -1)
			assert.Same(t, draft, found)
			assert.True(t, m.HasChanges())
		})
	}
}

func TestCancelledSaveLeavesScopeUntouched(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "cancelled", err: context.Canceled},
		{name: "deadline", err: context.DeadlineExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, WithTransport(&stubTransport{err: tc.err}))
			order, line, tag := seedGraph(t, m)
			require.NoError(t, order.Set("Freight", 8.0))
			require.NoError(t, tag.Delete())
			draft, err := m.CreateEntity(testutil.TypeOrder, nil)
			require.NoError(t, err)

			type snapshot struct {
				state    domain.EntityState
				values   map[string]any
				original map[string]any
				temp     bool
			}
			take := func() map[*Entity]snapshot {
				out := map[*Entity]snapshot{}
				for _, e := range m.Entities(nil) {
					a := e.Aspect()
					out[e] = snapshot{a.State(), e.Values(), a.OriginalValues(), a.HasTemporaryKey()}
				}
				return out
			}
			before := take()

			_, err = m.SaveChanges(context.Background())
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, before, take())
			assert.Equal(t, domain.StateDeleted, tag.Aspect().State())
			assert.True(t, order.Collection("Lines").Contains(line))
			assert.True(t, draft.Aspect().HasTemporaryKey())
			assert.True(t, m.HasChanges())
		})
	}
}

func TestSaveRewritesForeignKeysOfUnsavedDependents(t *testing.T) {
	transport := &stubTransport{outcome: domain.SaveOutcome{
		KeyMappings: []domain.KeyMapping{{Type: testutil.TypeOrder, TempValue: -1, RealValue: 42}},
	}}
	m := newTestManager(t, WithTransport(transport))
	res, err := m.Merge([]domain.EntityData{{Type: testutil.TypeTag, Values: map[string]any{"TagID": rushTag, "Label": "rush"}}}, "")
	require.NoError(t, err)
	tag := res.Entities[0]

	draft, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": 1.0})
	require.NoError(t, err)
	line, err := m.CreateEntity(testutil.TypeOrderLine, map[string]any{"OrderID": draft.Get("OrderID"), "ProductID": 7, "UnitPrice": 2.0})
	require.NoError(t, err)
	require.NoError(t, tag.SetReference("Order", draft))
	require.NoError(t, tag.Delete())
	require.Equal(t, domain.StateDeleted, tag.Aspect().State())

	// Only the order and its line go out; the deleted tag stays pending.
	_, err = m.SaveChanges(context.Background(), draft, line)
	require.NoError(t, err)

	assert.Equal(t, int64(42), draft.Get("OrderID"))
	assert.Equal(t, int64(42), line.Get("OrderID"))
	assert.Same(t, draft, line.Reference("Order"))
	assert.Equal(t, int64(42), tag.Get("OrderID"), "deleted dependents follow the new key")
	assert.Equal(t, domain.StateDeleted, tag.Aspect().State())
	assert.True(t, m.HasChanges())

	found, err := m.FindEntityByKey(testutil.TypeOrderLine, 42, 7)
	require.NoError(t, err)
	assert.Same(t, line, found)
}
