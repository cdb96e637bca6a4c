package core

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/internal/infra/dataservice/postgres"
	pgtestutil "entitycore/internal/infra/dataservice/postgres/testutil"
	"entitycore/internal/infra/dataservice/sqlite"
	"entitycore/pkg/domain"
	"entitycore/testutil"
)

func TestOpenDataService_DefaultMemory(t *testing.T) {
	t.Setenv(EnvDataServiceDriver, "")
	svc, err := OpenDataService(context.Background(), testutil.SalesRegistry(t))
	require.NoError(t, err)
	assert.IsType(t, &memory.Service{}, svc)
}

func TestOpenDataService_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "entitycore.db")
	t.Setenv(EnvDataServiceDriver, string(DataServiceSQLite))
	t.Setenv(EnvSQLitePath, path)
	reg := testutil.SalesRegistry(t)

	svc, err := OpenDataService(context.Background(), reg)
	require.NoError(t, err)
	store, ok := svc.(*sqlite.Service)
	require.True(t, ok, "got %T", svc)
	t.Cleanup(func() { _ = store.Close() })
	assert.Equal(t, path, store.Path())

	m := NewManager(reg, WithTransport(svc))
	_, err = m.CreateEntity(testutil.TypeOrder, nil)
	require.NoError(t, err)
	_, err = m.SaveChanges(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err, "database file")
}

func TestOpenDataService_Postgres(t *testing.T) {
	db, conn := pgtestutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	t.Setenv(EnvDataServiceDriver, string(DataServicePostgres))
	t.Setenv(EnvPostgresDSN, "postgres://stub/entitycore")
	reg := testutil.SalesRegistry(t)

	svc, err := OpenDataService(context.Background(), reg)
	require.NoError(t, err)
	assert.IsType(t, &postgres.Service{}, svc)

	m := NewManager(reg, WithTransport(svc))
	_, err = m.CreateEntity(testutil.TypeCustomer, map[string]any{"CompanyName": "Globex"})
	require.NoError(t, err)
	_, err = m.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.Tables["entity_state"], "execs: %v", conn.Execs)
}

func TestOpenDataService_Unknown(t *testing.T) {
	t.Setenv(EnvDataServiceDriver, "cassandra")
	_, err := OpenDataService(context.Background(), testutil.SalesRegistry(t))
	assert.Error(t, err)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Run("strategy and strict attach", func(t *testing.T) {
		t.Setenv(EnvMergeStrategy, string(domain.SkipMerge))
		t.Setenv("ENTITYCORE_STRICT_ATTACH", "true")
		opts, err := OptionsFromEnv()
		require.NoError(t, err)
		m := newTestManager(t, opts...)
		assert.Equal(t, domain.SkipMerge, m.mergeStrategy)
		assert.True(t, m.valOpts.StrictAttach)
	})
	t.Run("unknown strategy", func(t *testing.T) {
		t.Setenv(EnvMergeStrategy, "Sometimes")
		_, err := OptionsFromEnv()
		assert.Error(t, err)
	})
}
