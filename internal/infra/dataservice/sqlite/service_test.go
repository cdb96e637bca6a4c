package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestServicePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "entitycore.db")
	reg := testutil.SalesRegistry(t)

	s, err := New(path, reg)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.Seed(domain.EntityData{Type: testutil.TypeProduct, Values: map[string]any{"ProductID": 1, "Name": "Tea", "UnitPrice": 2.5}}))

	out, err := s.ExecuteSave(context.Background(), domain.SaveBatch{ID: "b1", Entries: []domain.SaveEntry{{
		Type: testutil.TypeOrder, State: domain.StateAdded, TempKey: true, Values: map[string]any{"OrderID": -1, "Freight": 1.0},
	}}})
	require.NoError(t, err)
	require.Len(t, out.KeyMappings, 1)
	require.NoError(t, s.Close())

	reopened, err := New(path, reg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, 1, reopened.Count(testutil.TypeProduct))
	assert.Equal(t, 1, reopened.Count(testutil.TypeOrder))

	// the identity sequence survives, so the next order gets key 2
	out, err = reopened.ExecuteSave(context.Background(), domain.SaveBatch{Entries: []domain.SaveEntry{{
		Type: testutil.TypeOrder, State: domain.StateAdded, TempKey: true, Values: map[string]any{"OrderID": -1, "Freight": 1.0},
	}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.KeyMappings[0].RealValue)
}

func TestDeletedRowsDisappearAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitycore.db")
	reg := testutil.SalesRegistry(t)
	s, err := New(path, reg)
	require.NoError(t, err)
	require.NoError(t, s.Seed(domain.EntityData{Type: testutil.TypeProduct, Values: map[string]any{"ProductID": 1, "Name": "Tea"}}))
	_, err = s.ExecuteSave(context.Background(), domain.SaveBatch{Entries: []domain.SaveEntry{{
		Type: testutil.TypeProduct, State: domain.StateDeleted, Values: map[string]any{"ProductID": 1},
	}}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(path, reg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, 0, reopened.Count(testutil.TypeProduct))
}

func TestDefaultPath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	s, err := New("", testutil.SalesRegistry(t))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "entitycore.db", s.Path())
	assert.NotNil(t, s.DB())
}

func TestSeedsAndSavesInterleaveWithoutLosingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitycore.db")
	reg := testutil.SalesRegistry(t)
	s, err := New(path, reg)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 1; i <= n; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			errs <- s.Seed(domain.EntityData{Type: testutil.TypeProduct, Values: map[string]any{"ProductID": id, "Name": "Tea"}})
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.ExecuteSave(context.Background(), domain.SaveBatch{Entries: []domain.SaveEntry{{
				Type: testutil.TypeOrder, State: domain.StateAdded, TempKey: true, Values: map[string]any{"OrderID": -1, "Freight": 1.0},
			}}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := New(path, reg)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Equal(t, n, reopened.Count(testutil.TypeProduct))
	assert.Equal(t, n, reopened.Count(testutil.TypeOrder))
}
