package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/internal/archive"
	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestArchiveExportAndRestore(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemory()
	src := pendingScope(t)

	first, err := src.ArchiveExport(ctx, store, ArchiveOptions{Scope: "sales"})
	require.NoError(t, err)
	assert.Equal(t, "json", first.Encoding)
	assert.Equal(t, ExportFormat, first.Metadata["format"])

	order, _ := src.FindEntityByKey(testutil.TypeOrder, 10)
	require.NoError(t, order.Set("Freight", 77.0))
	latest, err := src.ArchiveExport(ctx, store, ArchiveOptions{Scope: "sales", Export: ExportOptions{Encoding: EncodingCBOR}})
	require.NoError(t, err)
	assert.Equal(t, "cbor", latest.Encoding)

	dst := newTestManager(t)
	res, err := dst.RestoreLatest(ctx, store, "sales", ImportOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Entities, len(src.Entities(nil)))
	restored, _ := dst.FindEntityByKey(testutil.TypeOrder, 10)
	require.NotNil(t, restored)
	assert.Equal(t, 77.0, restored.Get("Freight"))
	assert.Equal(t, domain.StateModified, restored.Aspect().State())

	older := newTestManager(t)
	_, err = older.RestoreArchive(ctx, store, first.Key, ImportOptions{})
	require.NoError(t, err)
	restored, _ = older.FindEntityByKey(testutil.TypeOrder, 10)
	assert.Equal(t, 4.5, restored.Get("Freight"))

	_, err = dst.RestoreLatest(ctx, store, "empty", ImportOptions{})
	assert.ErrorIs(t, err, archive.ErrNotFound)
	_, err = src.ArchiveExport(ctx, store, ArchiveOptions{Scope: "../escape"})
	assert.Error(t, err)
}

func TestArchiveOverMockS3(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMockS3ForTests()
	src := pendingScope(t)

	snap, err := src.ArchiveExport(ctx, store, ArchiveOptions{Scope: "nightly"})
	require.NoError(t, err)

	list, err := archive.ListSnapshots(ctx, store, "nightly")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.Key, list[0].Key)

	dst := newTestManager(t)
	_, err = dst.RestoreArchive(ctx, store, snap.Key, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(src.Entities(nil)), len(dst.Entities(nil)))
}
