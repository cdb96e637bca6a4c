package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	assert.False(t, result.HasBlocking())
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "name is required"}}})
	assert.True(t, result.HasBlocking())
	err := &ValidationError{Result: result}
	assert.Contains(t, err.Error(), "name is required")
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	require.Len(t, original.Violations, 1)
	assert.Equal(t, "existing", original.Violations[0].Rule)
}

func TestViolationKeySeparatesOrigins(t *testing.T) {
	client := Violation{Rule: "required", Property: "Name"}
	server := Violation{Rule: "required", Property: "Name", Origin: OriginServer}
	assert.NotEqual(t, client.Key(), server.Key())
	assert.Equal(t, "client:required:Name", client.Key())
}

func TestEntityKeyString(t *testing.T) {
	cases := []struct {
		name string
		key  EntityKey
		want string
	}{
		{"int", NewEntityKey("Order", int64(7)), "Order|7"},
		{"negative", NewEntityKey("Order", int64(-1)), "Order|-1"},
		{"integral float", NewEntityKey("Order", float64(7)), "Order|7"},
		{"string", NewEntityKey("Customer", "7"), `Customer|"7"`},
		{"composite", NewEntityKey("Line", int64(1), "a"), `Line|1|"a"`},
		{"time", NewEntityKey("Slot", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), "Slot|2024-01-02T03:04:05Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.key.String())
		})
	}
	assert.False(t, NewEntityKey("Order", int64(1)).Equal(NewEntityKey("Order", "1")), "string and integer keys must not collide")
	assert.False(t, NewEntityKey("Order", nil).Complete(), "nil key value must be incomplete")
}

func TestStatesAndStrategies(t *testing.T) {
	for _, s := range []EntityState{StateAdded, StateModified, StateDeleted} {
		assert.True(t, s.IsPending(), s)
	}
	assert.False(t, StateUnchanged.IsPending())
	assert.False(t, StateDetached.IsPending())
	assert.Equal(t, StateUnchanged, EntityState("").OrUnchanged())

	s, ok := ParseMergeStrategy("")
	assert.True(t, ok)
	assert.Equal(t, PreserveChanges, s)
	_, ok = ParseMergeStrategy("Sometimes")
	assert.False(t, ok)
}

func TestSaveRejectedErrorUnwrapsCause(t *testing.T) {
	err := &SaveRejectedError{Kind: SaveErrorTransport, Cause: context.Canceled}
	assert.ErrorIs(t, err, context.Canceled)
	wrapped := fmt.Errorf("save: %w", err)
	var rej *SaveRejectedError
	require.True(t, errors.As(wrapped, &rej))
	assert.Equal(t, SaveErrorTransport, rej.Kind)
	assert.Contains(t, err.Error(), "transport")
}

func TestMetadataErrorMessages(t *testing.T) {
	assert.Equal(t, "metadata: Order.Total: unknown property",
		(&MetadataError{Type: "Order", Property: "Total", Reason: "unknown property"}).Error())
	assert.Equal(t, `metadata: type "Order": not registered`,
		(&MetadataError{Type: "Order", Reason: "not registered"}).Error())
}
