package wsrpc

import (
	"testing"

	"entitycore/testutil"
)

func TestTransportDoesNotImportCache(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CacheImportForbidden, "transports carry domain contracts only")
}
