// Package sqlite persists the reference data service to an embedded SQLite
// database. Each root type is stored as one JSON bucket and the whole state is
// rewritten inside the save that changed it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"entitycore/internal/infra/dataservice/memory"
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

var _ domain.DataService = (*Service)(nil)

// sequencesBucket holds the identity sequences next to the per-type buckets.
const sequencesBucket = "_sequences"

// Service is a memory.Service whose commits are written to SQLite.
type Service struct {
	*memory.Service
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// New opens (or creates) the database at path and loads any stored state.
func New(path string, reg *metadata.Registry, opts ...memory.Option) (*Service, error) {
	if path == "" {
		path = "entitycore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entity_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Service{db: db, path: path}
	s.Service = memory.New(reg, append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM entity_state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snap := memory.Snapshot{Rows: make(map[string][]memory.Row)}
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if bucket == sequencesBucket {
			if err := json.Unmarshal(payload, &snap.Sequences); err != nil {
				return fmt.Errorf("decode sequences: %w", err)
			}
			continue
		}
		var bucketRows []memory.Row
		if err := json.Unmarshal(payload, &bucketRows); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		snap.Rows[bucket] = bucketRows
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	return s.ImportState(snap)
}

func (s *Service) persist(ctx context.Context, snap memory.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_state`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	buckets := make([]string, 0, len(snap.Rows))
	for b := range snap.Rows {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	for _, bucket := range buckets {
		data, err := json.Marshal(snap.Rows[bucket])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES(?,?)`, bucket, data); err != nil {
			return fmt.Errorf("insert %s: %w", bucket, err)
		}
	}
	data, err := json.Marshal(snap.Sequences)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO entity_state(bucket,payload) VALUES(?,?)`, sequencesBucket, data); err != nil {
		return fmt.Errorf("insert sequences: %w", err)
	}
	return tx.Commit()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Service) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Service) Path() string { return s.path }

// Close releases the database handle.
func (s *Service) Close() error { return s.db.Close() }
