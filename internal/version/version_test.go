package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	Version, Commit = "v1.2.3", ""
	if got := String(); got != "ccapproval v1.2.3 ("+runtime.Version()+")" {
		t.Fatalf("unexpected version string %q", got)
	}

	Commit = "abc1234"
	if got := String(); !strings.Contains(got, "v1.2.3 (abc1234, ") {
		t.Fatalf("expected commit in version string, got %q", got)
	}
}
