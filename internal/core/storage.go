package core

import (
	"context"
	"fmt"
	"os"

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/internal/infra/dataservice/postgres"
	"entitycore/internal/infra/dataservice/sqlite"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// DataServiceDriver identifies a reference data service backend.
type DataServiceDriver string

const (
	DataServiceMemory   DataServiceDriver = "memory"   // in-memory only (tests / ephemeral)
	DataServiceSQLite   DataServiceDriver = "sqlite"   // embedded sqlite file
	DataServicePostgres DataServiceDriver = "postgres" // PostgreSQL server
)

// Environment variables read by OpenDataService.
const (
	EnvDataServiceDriver = "ENTITYCORE_DATASERVICE_DRIVER"
	EnvSQLitePath        = "ENTITYCORE_SQLITE_PATH"
	EnvPostgresDSN       = "ENTITYCORE_POSTGRES_DSN"
)

// OpenDataService selects a reference data service using environment
// variables. Defaults to memory when unset.
//
//	ENTITYCORE_DATASERVICE_DRIVER: memory|sqlite|postgres (default memory)
//	ENTITYCORE_SQLITE_PATH: path to sqlite file (default ./entitycore.db)
//	ENTITYCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenDataService(ctx context.Context, reg *metadata.Registry, opts ...memory.Option) (domain.DataService, error) {
	driver := os.Getenv(EnvDataServiceDriver)
	if driver == "" {
		driver = string(DataServiceMemory)
	}
	switch DataServiceDriver(driver) {
	case DataServiceMemory:
		return memory.New(reg, opts...), nil
	case DataServiceSQLite:
		return sqlite.New(os.Getenv(EnvSQLitePath), reg, opts...)
	case DataServicePostgres:
		return postgres.New(ctx, os.Getenv(EnvPostgresDSN), reg, opts...)
	default:
		return nil, fmt.Errorf("unknown data service driver %s", driver)
	}
}
