package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/testutil"
)

// pendingScope builds a scope with every kind of pending change plus a new
// order graph keyed by a temporary key.
func pendingScope(t *testing.T) *Manager {
	t.Helper()
	m := newTestManager(t)
	order, _, tag := seedGraph(t, m)
	require.NoError(t, tag.Set("Label", "urgent"))
	require.NoError(t, order.Set("ShipCity", "Oslo"))

	draft, err := m.CreateEntity(testutil.TypeOrder, map[string]any{"Freight": 1.25})
	require.NoError(t, err)
	_, err = m.CreateEntity(testutil.TypeOrderLine, map[string]any{"OrderID": draft.Get("OrderID"), "ProductID": 3, "UnitPrice": 9.5})
	require.NoError(t, err)
	return m
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingCBOR} {
		t.Run(string(enc), func(t *testing.T) {
			src := pendingScope(t)
			data, err := src.ExportEntities(ExportOptions{Encoding: enc})
			require.NoError(t, err)

			dst := newTestManager(t)
			res, err := dst.ImportEntities(data, ImportOptions{})
			require.NoError(t, err)
			assert.Len(t, res.Entities, len(src.Entities(nil)))

			for _, e := range src.Entities(nil) {
				got, err := dst.GetEntityByKey(domain.EntityKey{Type: e.TypeName(), Values: keyOf(e)})
				require.NoError(t, err)
				require.NotNil(t, got, e.KeyString())
				assert.Equal(t, e.Aspect().State(), got.Aspect().State(), e.KeyString())
				assert.Equal(t, e.Values(), got.Values(), e.KeyString())
				assert.Equal(t, e.Aspect().OriginalValues(), got.Aspect().OriginalValues(), e.KeyString())
				assert.Equal(t, e.Aspect().HasTemporaryKey(), got.Aspect().HasTemporaryKey(), e.KeyString())
			}

			tag, _ := dst.FindEntityByKey(testutil.TypeTag, rushTag)
			require.NoError(t, tag.Aspect().RejectChanges())
			assert.Equal(t, "rush", tag.Get("Label"))
		})
	}
}

func keyOf(e *Entity) []any {
	var out []any
	for _, p := range e.Type().Keys() {
		out = append(out, e.Get(p.Name))
	}
	return out
}

func TestImportRemapsTemporaryKeys(t *testing.T) {
	src := pendingScope(t)
	data, err := src.ExportEntities(ExportOptions{})
	require.NoError(t, err)

	dst := newTestManager(t)
	local, err := dst.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	require.Equal(t, int64(-1), local.Get("OrderID"))

	res, err := dst.ImportEntities(data, ImportOptions{})
	require.NoError(t, err)
	require.Len(t, res.Remapped, 1)
	assert.Equal(t, domain.KeyMapping{Type: testutil.TypeOrder, TempValue: int64(-1), RealValue: int64(-2)}, res.Remapped[0])

	draft, err := dst.FindEntityByKey(testutil.TypeOrder, -2)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.True(t, draft.Aspect().HasTemporaryKey())
	assert.Equal(t, 1.25, draft.Get("Freight"))
	require.Equal(t, 1, draft.Collection("Lines").Len(), "the line follows its remapped order")
	assert.Equal(t, int64(-2), draft.Collection("Lines").Entities()[0].Get("OrderID"))
	assert.Zero(t, local.Collection("Lines").Len())
}

func TestExportSubsetWithoutMetadata(t *testing.T) {
	src := pendingScope(t)
	order, _ := src.FindEntityByKey(testutil.TypeOrder, 10)
	data, err := src.ExportEntities(ExportOptions{Entities: []*Entity{order}, ExcludeMetadata: true})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, ExportFormat, doc["format"])
	assert.NotContains(t, doc, "metadata")
	groups := doc["entityGroups"].(map[string]any)
	assert.Len(t, groups, 1)

	// Without embedded metadata the target needs the types registered.
	_, err = NewManager(metadata.NewRegistry()).ImportEntities(data, ImportOptions{})
	var me *domain.MetadataError
	require.ErrorAs(t, err, &me)

	res, err := newTestManager(t).ImportEntities(data, ImportOptions{})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Oslo", res.Entities[0].Get("ShipCity"))
}

func TestImportMergesWithResidents(t *testing.T) {
	src := pendingScope(t)
	data, err := src.ExportEntities(ExportOptions{})
	require.NoError(t, err)

	dst := newTestManager(t)
	order, _, _ := seedGraph(t, dst)
	require.NoError(t, order.Set("Freight", 100.0))

	_, err = dst.ImportEntities(data, ImportOptions{MergeStrategy: domain.PreserveChanges})
	require.NoError(t, err)
	assert.Equal(t, 100.0, order.Get("Freight"), "pending residents survive PreserveChanges")
	assert.Nil(t, order.Get("ShipCity"))

	_, err = dst.ImportEntities(data, ImportOptions{MergeStrategy: domain.OverwriteChanges})
	require.NoError(t, err)
	assert.Equal(t, 4.5, order.Get("Freight"))
	assert.Equal(t, "Oslo", order.Get("ShipCity"))
	assert.Equal(t, domain.StateModified, order.Aspect().State())
}

func TestImportRejectsMalformedPayloads(t *testing.T) {
	m := newTestManager(t)
	cases := map[string]struct {
		data []byte
		enc  Encoding
	}{
		"garbage json":   {data: []byte(`{"format":`)},
		"garbage cbor":   {data: []byte{0xff, 0x00}},
		"wrong format":   {data: []byte(`{"format":"other","version":1,"entityGroups":{}}`)},
		"future version": {data: []byte(`{"format":"entitycore.export","version":9,"entityGroups":{}}`)},
		"unknown codec":  {data: []byte(`{}`), enc: "xml"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.ImportEntities(tc.data, ImportOptions{Encoding: tc.enc})
			var fe *domain.ImportFormatError
			require.ErrorAs(t, err, &fe)
		})
	}
	_, err := m.ExportEntities(ExportOptions{Encoding: "xml"})
	assert.Error(t, err)
}
