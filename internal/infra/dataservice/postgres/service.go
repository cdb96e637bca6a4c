// Package postgres persists the reference data service to PostgreSQL through
// the pgx database/sql driver, mirroring the in-memory semantics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

var _ domain.DataService = (*Service)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entitycore?sslmode=disable"

	sequencesBucket = "_sequences"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Service is a memory.Service whose commits are written to Postgres.
type Service struct {
	*memory.Service
	db *sql.DB
	mu sync.Mutex
}

// New opens a Postgres-backed service using dsn (falls back to defaultDSN),
// ensures the state table exists, and hydrates the service from it.
func New(ctx context.Context, dsn string, reg *metadata.Registry, opts ...memory.Option) (*Service, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snap, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	s := &Service{db: db}
	s.Service = memory.New(reg, append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.ImportState(snap); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Service) DB() *sql.DB { return s.db }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS entity_state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM entity_state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := memory.Snapshot{Rows: make(map[string][]memory.Row)}
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if bucket == sequencesBucket {
			if err := json.Unmarshal(payload, &snap.Sequences); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode sequences: %w", err)
			}
			continue
		}
		var bucketRows []memory.Row
		if err := json.Unmarshal(payload, &bucketRows); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
		snap.Rows[bucket] = bucketRows
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snap, nil
}

func (s *Service) persist(ctx context.Context, snap memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `TRUNCATE TABLE entity_state`); err != nil {
		return fmt.Errorf("truncate state: %w", err)
	}
	buckets := make([]string, 0, len(snap.Rows)+1)
	payloads := make(map[string]any, len(snap.Rows)+1)
	for b, rows := range snap.Rows {
		buckets = append(buckets, b)
		payloads[b] = rows
	}
	sort.Strings(buckets)
	buckets = append(buckets, sequencesBucket)
	payloads[sequencesBucket] = snap.Sequences
	for _, bucket := range buckets {
		data, err := json.Marshal(payloads[bucket])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
