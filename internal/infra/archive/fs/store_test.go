package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/internal/archive/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "sales/01H.json", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"entities": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "sales/01H.json", info.Key)
	assert.EqualValues(t, 5, info.Size)
	assert.NotEmpty(t, info.ETag)

	_, err = store.Put(ctx, "sales/01H.json", bytes.NewReader([]byte("x")), core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrExists)

	h, err := store.Head(ctx, "sales/01H.json")
	require.NoError(t, err)
	g, rc, err := store.Get(ctx, "sales/01H.json")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, h.ETag, g.ETag)
	assert.Equal(t, "2", g.Metadata["entities"])

	list, err := store.List(ctx, "sales/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sales/01H.json", list[0].Key)

	ok, err := store.Delete(ctx, "sales/01H.json")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, "sales/01H.json")
	require.NoError(t, err)
	assert.False(t, ok, "second delete")
	_, _, err = store.Get(ctx, "sales/01H.json")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = os.Stat(filepath.Join(store.root, "sales", "01H.json"+metaSuffix))
	assert.True(t, os.IsNotExist(err), "sidecar removed")
}

func TestStore_ListOrderAndPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for i := 2; i >= 0; i-- {
		k := "scope/" + strconv.Itoa(i) + ".cbor"
		_, err := store.Put(ctx, k, strings.NewReader("data"), core.PutOptions{})
		require.NoError(t, err, k)
	}
	_, err := store.Put(ctx, "other/x.cbor", strings.NewReader("x"), core.PutOptions{})
	require.NoError(t, err)

	list, err := store.List(ctx, "scope/")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, sort.SliceIsSorted(list, func(i, j int) bool { return list[i].Key < list[j].Key }), "%+v", list)
}

func TestStore_MissingSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	_, err := store.Put(ctx, "a.json", strings.NewReader("{}"), core.PutOptions{})
	require.NoError(t, err)
	_, metaPath, _ := store.pathFor("a.json")
	require.NoError(t, os.Remove(metaPath))

	_, _, err = store.Get(ctx, "a.json")
	assert.Error(t, err)
	_, err = store.Head(ctx, "a.json")
	assert.Error(t, err)
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStore_PutCopyError(t *testing.T) {
	store := newTempStore(t)
	_, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{})
	require.Error(t, err)
	_, err = store.Head(context.Background(), "bad.bin")
	assert.ErrorIs(t, err, core.ErrNotFound, "failed put must not leave an object")
}

func TestSanitizeKeyErrors(t *testing.T) {
	for _, c := range []string{"", "../escape", "/abs", "a/../b", "x.meta"} {
		_, err := sanitizeKey(c)
		assert.Error(t, err, "key %q", c)
	}
}

func TestListMetaCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	data := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(data, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(data+metaSuffix, []byte("{"), 0o644))
	_, err = store.List(context.Background(), "")
	assert.Error(t, err)
}

func TestWriteJSONMarshalError(t *testing.T) {
	old := jsonMarshal
	jsonMarshal = func(any) ([]byte, error) { return nil, errors.New("marsh") }
	defer func() { jsonMarshal = old }()
	assert.Error(t, writeJSON(filepath.Join(t.TempDir(), "x.meta"), struct{}{}))
}

func TestNewRejectsFileRoot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "afile")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o600))
	_, err := New(filePath)
	assert.Error(t, err)
}
