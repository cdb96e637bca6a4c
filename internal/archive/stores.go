package archive

import (
	"context"

	"entitycore/internal/infra/archive/fs"
	memorystore "entitycore/internal/infra/archive/memory"
	infraS3 "entitycore/internal/infra/archive/s3"
)

// S3Config re-exports the S3 store configuration.
type S3Config = infraS3.Config

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewS3 constructs an S3-backed Store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// OpenS3FromEnv constructs an S3 store from the ENTITYCORE_ARCHIVE_S3_*
// variables.
func OpenS3FromEnv(ctx context.Context) (Store, error) {
	return infraS3.OpenFromEnv(ctx)
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
