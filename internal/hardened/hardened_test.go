package hardened

import (
	"os"
	"testing"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

func TestAllocPaneRoundsToPageSize(t *testing.T) {
	p, err := AllocPane(1)
	if err != nil {
		t.Fatalf("AllocPane(1): %v", err)
	}
	defer p.Release()

	if p.Len() != os.Getpagesize() {
		t.Fatalf("Len() = %d, want %d", p.Len(), os.Getpagesize())
	}
	if p.Base() == 0 {
		t.Fatal("Base() returned 0 for a live pane")
	}
}

func TestAllocPaneRejectsZero(t *testing.T) {
	_, err := AllocPane(0)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("AllocPane(0) error = %v, want invalid-argument", err)
	}
}

func TestFreezeIsIdempotent(t *testing.T) {
	p, err := AllocPane(16)
	if err != nil {
		t.Fatalf("AllocPane: %v", err)
	}
	defer p.Release()

	copy(p.Bytes(), []byte("hello, endpoint!"))
	if err := p.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !p.Frozen() {
		t.Fatal("Frozen() = false after successful Freeze")
	}
	// Freezing again must be a no-op, not an error.
	if err := p.Freeze(); err != nil {
		t.Fatalf("second Freeze: %v", err)
	}
	if string(p.Bytes()[:16]) != "hello, endpoint!" {
		t.Fatal("frozen pane contents changed unexpectedly")
	}
}

func TestSecureAllocZeroFilled(t *testing.T) {
	g, err := SecureAlloc(64)
	if err != nil {
		t.Fatalf("SecureAlloc: %v", err)
	}
	defer g.SecureFree()

	for i, b := range g.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	if len(g.Bytes()) != 64 {
		t.Fatalf("len = %d, want 64", len(g.Bytes()))
	}
}

func TestSecureFreeScrubsBeforeRelease(t *testing.T) {
	g, err := SecureAlloc(32)
	if err != nil {
		t.Fatalf("SecureAlloc: %v", err)
	}
	copy(g.Bytes(), []byte("supersecretcontroltoken01234567"))

	snapshot := make([]byte, len(g.Bytes()))
	copy(snapshot, g.Bytes())
	if err := g.SecureFree(); err != nil {
		t.Fatalf("SecureFree: %v", err)
	}
	allZero := true
	for _, b := range snapshot {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatal("snapshot taken before SecureFree was already zero; test is not exercising scrub")
	}
}

func TestCTEqual(t *testing.T) {
	a := []byte("abcdef0123abcdef0123abcdef012345")
	b := make([]byte, len(a))
	copy(b, a)

	eq, err := CTEqual(a, b, len(a))
	if err != nil {
		t.Fatalf("CTEqual: %v", err)
	}
	if !eq {
		t.Fatal("CTEqual(a, a) = false")
	}

	b[len(b)-1] ^= 0xFF
	eq, err = CTEqual(a, b, len(a))
	if err != nil {
		t.Fatalf("CTEqual: %v", err)
	}
	if eq {
		t.Fatal("CTEqual reported a match for differing inputs")
	}
}

func TestCTEqualRejectsShortInputs(t *testing.T) {
	_, err := CTEqual([]byte("short"), []byte("alsoshort"), 32)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid-argument", err)
	}
}
