package metadata_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/metadata"
	"entitycore/testutil"
)

func TestDocumentRoundTripJSON(t *testing.T) {
	reg := testutil.SalesRegistry(t)
	raw, err := json.Marshal(reg.Document())
	require.NoError(t, err)

	doc, err := metadata.LoadDocument(raw)
	require.NoError(t, err)
	clone, err := metadata.NewRegistryFromDocument(doc)
	require.NoError(t, err)

	order, err := clone.Require(testutil.TypeOrder)
	require.NoError(t, err)
	freight, ok := order.Property("Freight")
	require.True(t, ok)
	assert.Equal(t, float64(0), freight.InitialValue())
	rel, ok := clone.NavigationRelationship(order, "Lines")
	require.True(t, ok)
	assert.True(t, rel.CascadeDelete)
}

func TestDocumentYAML(t *testing.T) {
	src := `
format: entitycore.metadata
version: 1
entityTypes:
  - name: Region
    keyProperties: [Code]
    dataProperties:
      - name: Code
        type: string
        maxLength: 8
      - name: Population
        type: int
        default: 0
        validators:
          - kind: range
            min: 0
`
	doc, err := metadata.LoadDocument([]byte(src))
	require.NoError(t, err)
	reg, err := metadata.NewRegistryFromDocument(doc)
	require.NoError(t, err)
	region, err := reg.Require("Region")
	require.NoError(t, err)
	code, _ := region.Property("Code")
	assert.Equal(t, 8, code.MaxLength)

	out, err := reg.Document().YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "name: Region"))
}

func TestDocumentRejectsForeignFormat(t *testing.T) {
	_, err := metadata.LoadDocument([]byte(`{"format":"other","version":1,"entityTypes":[]}`))
	require.Error(t, err)
	_, err = metadata.LoadDocument([]byte(`{"format":"entitycore.metadata","version":7,"entityTypes":[]}`))
	require.Error(t, err)
}

func TestRegisterDocumentSkipsKnownTypes(t *testing.T) {
	reg := testutil.SalesRegistry(t)
	require.NoError(t, reg.RegisterDocument(reg.Document()))
	assert.Len(t, reg.Types(), len(testutil.SalesTypes()))
}
