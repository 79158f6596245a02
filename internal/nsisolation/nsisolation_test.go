package nsisolation

import (
	"os"
	"testing"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// Namespace and capability primitives require CAP_SYS_ADMIN (pivot_root,
// unshare) or run only once per process (capset clears bits that cannot be
// regained), so the full primitives are exercised by the redteam-style
// subprocess harness in cmd/sandboxcore, which forks a throwaway child for
// each scenario. Here we test argument validation and the pieces that do
// not require elevated privileges.

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("requires root / CAP_SYS_ADMIN; run under the redteam harness")
	}
}

func TestPivotFilesystemRejectsEmptyRoot(t *testing.T) {
	err := PivotFilesystem("", false)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid-argument", err)
	}
}

func TestEnterNetworkScopeRequiresSpawnerInRedirectorMode(t *testing.T) {
	err := EnterNetworkScope(ModeWithRedirector, nil)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid-argument", err)
	}
}

func TestPivotFilesystemFullSequence(t *testing.T) {
	requireRoot(t)

	dir := t.TempDir()
	if err := PivotFilesystem(dir, true); err != nil {
		t.Fatalf("PivotFilesystem: %v", err)
	}
	if _, err := os.Stat("/oldroot"); !os.IsNotExist(err) {
		t.Fatal("/oldroot should not exist after a successful pivot")
	}
}

func TestDropCapabilitiesIsFatalOnFailureNotPanic(t *testing.T) {
	requireRoot(t)
	if err := DropCapabilities(); err != nil {
		t.Fatalf("DropCapabilities: %v", err)
	}
}
