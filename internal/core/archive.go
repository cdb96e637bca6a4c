package core

import (
	"context"
	"fmt"
	"strconv"

	"entitycore/internal/archive"
)

// ArchiveOptions controls ArchiveExport.
type ArchiveOptions struct {
	// Scope groups snapshots; RestoreLatest reads the newest one per scope.
	Scope  string
	Export ExportOptions
}

// ArchiveExport exports entities and stores the blob as a new snapshot.
func (m *Manager) ArchiveExport(ctx context.Context, store archive.Store, opts ArchiveOptions) (archive.Snapshot, error) {
	enc := opts.Export.Encoding
	if enc == "" {
		enc = EncodingJSON
	}
	opts.Export.Encoding = enc
	data, err := m.ExportEntities(opts.Export)
	if err != nil {
		return archive.Snapshot{}, err
	}
	snap, err := archive.WriteSnapshot(ctx, store, opts.Scope, string(enc), data, map[string]string{
		"format":  ExportFormat,
		"version": strconv.Itoa(ExportVersion),
	})
	if err != nil {
		return archive.Snapshot{}, err
	}
	m.logger.Info().Str("scope", opts.Scope).Str("key", snap.Key).Int64("bytes", snap.Size).Msg("snapshot archived")
	return snap, nil
}

// RestoreArchive imports the snapshot stored at key.
func (m *Manager) RestoreArchive(ctx context.Context, store archive.Store, key string, opts ImportOptions) (ImportResult, error) {
	data, info, err := archive.ReadSnapshot(ctx, store, key)
	if err != nil {
		return ImportResult{}, err
	}
	if opts.Encoding == "" {
		opts.Encoding = Encoding(info.Metadata[archive.MetaEncoding])
	}
	res, err := m.ImportEntities(data, opts)
	if err != nil {
		return ImportResult{}, fmt.Errorf("restore %s: %w", key, err)
	}
	m.logger.Info().Str("key", key).Int("entities", len(res.Entities)).Msg("snapshot restored")
	return res, nil
}

// RestoreLatest imports the newest snapshot of scope.
func (m *Manager) RestoreLatest(ctx context.Context, store archive.Store, scope string, opts ImportOptions) (ImportResult, error) {
	snap, err := archive.LatestSnapshot(ctx, store, scope)
	if err != nil {
		return ImportResult{}, err
	}
	return m.RestoreArchive(ctx, store, snap.Key, opts)
}
