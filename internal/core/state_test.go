package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestPropertyChangesTrackOriginals(t *testing.T) {
	m := newTestManager(t)
	order, _, _ := seedGraph(t, m)

	require.NoError(t, order.Set("Freight", 6.0))
	require.NoError(t, order.Set("Freight", 7.5))
	require.NoError(t, order.Set("ShipCity", "Graz"))
	assert.Equal(t, domain.StateModified, order.Aspect().State())
	orig, ok := order.Aspect().OriginalValue("Freight")
	require.True(t, ok)
	assert.Equal(t, 4.5, orig, "the first original wins")
	assert.Len(t, order.Aspect().OriginalValues(), 2)

	require.NoError(t, order.Aspect().RejectChanges())
	assert.Equal(t, domain.StateUnchanged, order.Aspect().State())
	assert.Equal(t, 4.5, order.Get("Freight"))
	assert.Nil(t, order.Get("ShipCity"))
	assert.Empty(t, order.Aspect().OriginalValues())

	require.NoError(t, order.Set("Freight", 8.0))
	require.NoError(t, order.Aspect().AcceptChanges())
	assert.Equal(t, domain.StateUnchanged, order.Aspect().State())
	assert.Equal(t, 8.0, order.Get("Freight"))
	assert.Empty(t, order.Aspect().OriginalValues())
}

func TestStateTransitionEdges(t *testing.T) {
	m := newTestManager(t)
	order, _, _ := seedGraph(t, m)

	require.NoError(t, order.Aspect().SetModified())
	assert.Equal(t, domain.StateModified, order.Aspect().State())
	require.NoError(t, m.RejectEntity(order))
	require.NoError(t, m.RejectEntity(order), "rejecting an unchanged entity is a no-op")
	assert.Equal(t, domain.StateUnchanged, order.Aspect().State())

	require.NoError(t, order.Delete())
	var se *domain.StateTransitionError
	require.ErrorAs(t, order.Set("Freight", 1.0), &se)
	require.ErrorAs(t, order.Aspect().SetModified(), &se)
	require.NoError(t, order.Delete(), "deleting twice is a no-op")

	detached := NewEntity(entityType(t, m, testutil.TypeOrder))
	assert.ErrorIs(t, detached.Aspect().AcceptChanges(), domain.ErrEntityDetached)
	assert.ErrorIs(t, detached.Delete(), domain.ErrEntityDetached)
	require.ErrorAs(t, m.AttachEntity(detached, domain.StateDetached), &se)
}

func TestScopeAcceptRejectAndClear(t *testing.T) {
	m := newTestManager(t)
	order, line, _ := seedGraph(t, m)
	added, err := m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	require.NoError(t, line.Set("Quantity", 5))

	assert.True(t, m.HasChanges())
	assert.True(t, m.HasChanges(testutil.TypeOrderLine))
	assert.False(t, m.HasChanges(testutil.TypeTag))
	assert.Equal(t, []*Entity{line, added}, m.GetChanges())

	m.RejectChanges()
	assert.False(t, m.HasChanges())
	assert.Equal(t, int64(2), line.Get("Quantity"))
	assert.Equal(t, domain.StateDetached, added.Aspect().State())

	require.NoError(t, order.Set("Freight", 1.0))
	m.AcceptChanges()
	assert.False(t, m.HasChanges())
	assert.Equal(t, 1.0, order.Get("Freight"))

	var actions []domain.EntityAction
	m.OnEntityChanged(func(ev EntityChangedEvent) { actions = append(actions, ev.Action) })
	m.Clear()
	assert.Equal(t, []domain.EntityAction{domain.ActionClear}, actions)
	assert.Empty(t, m.Entities(nil))
	assert.Equal(t, domain.StateDetached, order.Aspect().State())
	assert.Nil(t, line.Reference("Order"))
}

func TestNotificationsAreDeliveredAfterTheMutation(t *testing.T) {
	m := newTestManager(t)
	order, _, _ := seedGraph(t, m)

	var (
		transitions []bool
		seenState   domain.EntityState
		props       []PropertyChangedEvent
		actions     []domain.EntityAction
	)
	m.OnHasChangesChanged(func(ev HasChangesChangedEvent) { transitions = append(transitions, ev.HasChanges) })
	stop := m.OnEntityChanged(func(ev EntityChangedEvent) {
		actions = append(actions, ev.Action)
		// Handlers may call back into the scope.
		seenState = ev.Entity.Aspect().State()
		_ = m.HasChanges()
	})
	order.Aspect().OnPropertyChanged(func(ev PropertyChangedEvent) { props = append(props, ev) })

	require.NoError(t, order.Set("Freight", 12.0))
	assert.Equal(t, []bool{true}, transitions)
	assert.Equal(t, domain.StateModified, seenState)
	assert.Equal(t, []domain.EntityAction{domain.ActionPropertyChange, domain.ActionEntityStateChange}, actions)
	require.Len(t, props, 1)
	assert.Equal(t, 4.5, props[0].OldValue)
	assert.Equal(t, 12.0, props[0].NewValue)

	stop()
	require.NoError(t, order.Aspect().AcceptChanges())
	assert.Equal(t, []bool{true, false}, transitions)
	assert.Len(t, actions, 2, "unsubscribed handlers see nothing")
}

func TestValidationRecordsClientErrors(t *testing.T) {
	m := newTestManager(t)
	cust, err := m.CreateEntity(testutil.TypeCustomer, nil)
	require.NoError(t, err)
	errs := cust.Aspect().ValidationErrors()
	require.Len(t, errs, 1, "attach validation flags the missing company name")
	assert.Equal(t, "CompanyName", errs[0].Property)

	require.NoError(t, cust.Set("CompanyName", "Acme"))
	assert.Empty(t, cust.Aspect().ValidationErrors(), "property validation clears the error")

	order, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": -1.0})
	require.NoError(t, err)
	res, err := m.ValidateProperty(context.Background(), order, "Freight")
	require.NoError(t, err)
	assert.True(t, res.HasBlocking())

	require.NoError(t, order.Set("Freight", 20000.0))
	res = order.Aspect().Validate(context.Background())
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "freightCap", res.Violations[0].Rule)

	_, err = m.ValidateProperty(context.Background(), order, "Nope")
	var me *domain.MetadataError
	require.ErrorAs(t, err, &me)

	tag, err := m.CreateEntity(testutil.TypeTag, map[string]any{"Label": "reserved"})
	require.NoError(t, err)
	rules := map[string]bool{}
	for _, v := range tag.Aspect().ValidationErrors() {
		rules[v.Rule] = true
	}
	assert.True(t, rules["notReserved"])

	strict := newTestManager(t, WithValidationOptions(ValidationOptions{Applicability: ValidateAll, StrictAttach: true}))
	_, err = strict.CreateEntity(testutil.TypeCustomer, nil)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}
