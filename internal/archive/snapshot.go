package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
)

// SnapshotPrefix is the key prefix shared by every snapshot.
const SnapshotPrefix = "snapshots/"

// Metadata keys written with every snapshot.
const (
	MetaScope    = "scope"
	MetaEncoding = "encoding"
)

var newID = func() ulid.ULID { return ulid.Make() }

// Snapshot identifies one archived export.
type Snapshot struct {
	Info
	Scope    string
	ID       ulid.ULID
	Encoding string
}

// SnapshotKey builds the object key of a snapshot:
// snapshots/<scope>/<ulid>.<encoding>.
func SnapshotKey(scope string, id ulid.ULID, encoding string) string {
	return SnapshotPrefix + scope + "/" + id.String() + "." + encoding
}

// ParseSnapshotKey is the inverse of SnapshotKey.
func ParseSnapshotKey(key string) (scope string, id ulid.ULID, encoding string, err error) {
	rest, ok := strings.CutPrefix(key, SnapshotPrefix)
	if !ok {
		return "", id, "", fmt.Errorf("archive: %q is not a snapshot key", key)
	}
	scope, file := path.Split(rest)
	scope = strings.TrimSuffix(scope, "/")
	name, encoding, ok := strings.Cut(file, ".")
	if !ok || scope == "" || encoding == "" {
		return "", id, "", fmt.Errorf("archive: %q is not a snapshot key", key)
	}
	id, err = ulid.ParseStrict(name)
	if err != nil {
		return "", id, "", fmt.Errorf("archive: snapshot key %q: %w", key, err)
	}
	return scope, id, encoding, nil
}

func validScope(scope string) error {
	if scope == "" || strings.ContainsAny(scope, "/\\") || scope == "." || scope == ".." {
		return fmt.Errorf("archive: invalid snapshot scope %q", scope)
	}
	return nil
}

// WriteSnapshot stores data as a new snapshot of scope. Extra metadata is
// stored alongside the scope and encoding.
func WriteSnapshot(ctx context.Context, store Store, scope, encoding string, data []byte, meta map[string]string) (Snapshot, error) {
	if err := validScope(scope); err != nil {
		return Snapshot{}, err
	}
	if encoding == "" || strings.ContainsAny(encoding, "./") {
		return Snapshot{}, fmt.Errorf("archive: invalid snapshot encoding %q", encoding)
	}
	md := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		md[k] = v
	}
	md[MetaScope] = scope
	md[MetaEncoding] = encoding
	id := newID()
	contentType := "application/octet-stream"
	if encoding == "json" {
		contentType = "application/json"
	}
	info, err := store.Put(ctx, SnapshotKey(scope, id, encoding), bytes.NewReader(data), PutOptions{ContentType: contentType, Metadata: md})
	if err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	return Snapshot{Info: info, Scope: scope, ID: id, Encoding: encoding}, nil
}

// ListSnapshots returns the snapshots of scope, oldest first. Objects under
// the scope prefix that are not snapshot keys are skipped.
func ListSnapshots(ctx context.Context, store Store, scope string) ([]Snapshot, error) {
	if err := validScope(scope); err != nil {
		return nil, err
	}
	infos, err := store.List(ctx, SnapshotPrefix+scope+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(infos))
	for _, info := range infos {
		s, id, enc, err := ParseSnapshotKey(info.Key)
		if err != nil || s != scope {
			continue
		}
		out = append(out, Snapshot{Info: info, Scope: s, ID: id, Encoding: enc})
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot of scope, or ErrNotFound.
func LatestSnapshot(ctx context.Context, store Store, scope string) (Snapshot, error) {
	all, err := ListSnapshots(ctx, store, scope)
	if err != nil {
		return Snapshot{}, err
	}
	if len(all) == 0 {
		return Snapshot{}, fmt.Errorf("no snapshots for scope %q: %w", scope, ErrNotFound)
	}
	return all[len(all)-1], nil
}

// ReadSnapshot loads the object at key.
func ReadSnapshot(ctx context.Context, store Store, key string) ([]byte, Info, error) {
	info, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	data, readErr := io.ReadAll(rc)
	if err := errors.Join(readErr, rc.Close()); err != nil {
		return nil, Info{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return data, info, nil
}
