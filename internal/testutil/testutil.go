// Package testutil gates slow tests behind the -long flag.
package testutil

import (
	"flag"
	"testing"
)

var long = flag.Bool("long", false, "run stress tests with many concurrent writers")

// RequireLong skips t unless the test binary runs with -long.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*long {
		t.Skip("stress test; rerun with -long")
	}
}
