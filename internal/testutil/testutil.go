// Package testutil provides shared fakes for unit tests.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"
)

// Context returns a context that is cancelled when the test ends or after
// 30 seconds, whichever comes first.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// SkipIfNotRoot skips tests that need to touch real interfaces.
func SkipIfNotRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := t.TempDir() + "/" + name
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
