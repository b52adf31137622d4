package domain_test

import (
	"strings"
	"testing"

	"rostercore/testutil"
)

// The domain model is imported by every layer, so it must stay free of
// internal packages and third-party dependencies.
func TestDomainImportsStdlibOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", func(path string) bool {
		return testutil.InternalImportForbidden(path) || strings.Contains(strings.SplitN(path, "/", 2)[0], ".")
	}, "pkg/domain is stdlib-only")
}
