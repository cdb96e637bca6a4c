package archive

import (
	"context"
	"fmt"
	"os"
)

// Environment variables read by Open.
const (
	EnvDriver = "ENTITYCORE_ARCHIVE_DRIVER"
	EnvFSRoot = "ENTITYCORE_ARCHIVE_FS_ROOT"
)

// Open selects a Store implementation using environment variables.
//
//	ENTITYCORE_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	ENTITYCORE_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./snapshots)
//	(S3 specific variables are documented in internal/infra/archive/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}
