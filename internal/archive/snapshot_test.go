package archive

import (
	"context"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKeyRoundTrip(t *testing.T) {
	id := ulid.Make()
	key := SnapshotKey("sales", id, "cbor")
	assert.Equal(t, "snapshots/sales/"+id.String()+".cbor", key)

	scope, got, enc, err := ParseSnapshotKey(key)
	require.NoError(t, err)
	assert.Equal(t, "sales", scope)
	assert.Equal(t, id, got)
	assert.Equal(t, "cbor", enc)

	for _, bad := range []string{"other/sales/x.json", "snapshots/x.json", "snapshots/sales/nope.json", "snapshots/sales/" + id.String()} {
		_, _, _, err := ParseSnapshotKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteListLatestRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := LatestSnapshot(ctx, store, "sales")
	require.True(t, errors.Is(err, ErrNotFound))

	first, err := WriteSnapshot(ctx, store, "sales", "json", []byte(`{"n":1}`), map[string]string{"entities": "1"})
	require.NoError(t, err)
	second, err := WriteSnapshot(ctx, store, "sales", "cbor", []byte{0xa0}, nil)
	require.NoError(t, err)
	_, err = WriteSnapshot(ctx, store, "hr", "json", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", first.ContentType)
	assert.Equal(t, "sales", first.Metadata[MetaScope])
	assert.Equal(t, "1", first.Metadata["entities"])

	all, err := ListSnapshots(ctx, store, "sales")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	latest, err := LatestSnapshot(ctx, store, "sales")
	require.NoError(t, err)
	assert.Equal(t, second.Key, latest.Key)
	assert.Equal(t, "cbor", latest.Encoding)

	data, info, err := ReadSnapshot(ctx, store, first.Key)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))
	assert.Equal(t, "json", info.Metadata[MetaEncoding])
}

func TestSnapshotValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for _, scope := range []string{"", "a/b", "..", `a\b`} {
		_, err := WriteSnapshot(ctx, store, scope, "json", nil, nil)
		assert.Error(t, err, scope)
	}
	_, err := WriteSnapshot(ctx, store, "sales", "", nil, nil)
	assert.Error(t, err)
	_, err = WriteSnapshot(ctx, store, "sales", "tar.gz", nil, nil)
	assert.Error(t, err)

	_, _, err = ReadSnapshot(ctx, store, "snapshots/sales/missing.json")
	assert.True(t, errors.Is(err, ErrNotFound))
}
