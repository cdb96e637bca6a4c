// Package archive stores export snapshots in an object store and re-exports
// the store abstraction for callers outside the infra tree.
package archive

import (
	"entitycore/internal/archive/core"
)

type (
	// Driver identifies an archive backend driver.
	Driver = core.Driver
	// PutOptions configures an object write.
	PutOptions = core.PutOptions
	// Info describes stored object metadata.
	Info = core.Info
	// Store is the interface for archive backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound reports a missing object or an empty snapshot scope.
	ErrNotFound = core.ErrNotFound
	// ErrExists reports a Put on a key that is already taken.
	ErrExists = core.ErrExists
)
