package control

import (
	"crypto/rand"
	"fmt"

	"github.com/sandboxcore/sandboxcore/internal/hardened"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// TokenLength is the fixed size of the control token in bytes (and in
// symbols, since the alphabet below is single-byte-per-symbol).
const TokenLength = 32

// tokenAlphabet is the 32-symbol alphabet a minted token is drawn from:
// lower-case letters plus digits 0-5, giving exactly 5 bits of entropy per
// symbol (32 symbols × 5 bits = 160 bits total for a 32-symbol token).
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz012345"

// Token is the module-wide control-channel secret: generated once at
// bootstrap, stored in a frozen region, and never mutated thereafter.
type Token struct {
	pane *hardened.Pane
}

// Mint draws TokenLength bytes from the CSPRNG, maps each byte to a symbol
// of tokenAlphabet by taking it modulo the alphabet size, writes the
// result into a page-aligned region, and freezes it.
func Mint() (*Token, error) {
	if len(tokenAlphabet) != 32 {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "control.Mint",
			fmt.Errorf("tokenAlphabet has %d symbols, want 32", len(tokenAlphabet)))
	}

	raw := make([]byte, TokenLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "control.Mint: draw entropy", err)
	}

	pane, err := hardened.AllocPane(TokenLength)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "control.Mint: allocate region", err)
	}
	buf := pane.Bytes()
	for i, b := range raw {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}

	if err := pane.Freeze(); err != nil {
		_ = pane.Release()
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "control.Mint: freeze region", err)
	}
	return &Token{pane: pane}, nil
}

// FromBytes reconstructs a Token from raw symbol bytes received over a
// trusted channel (the bootstrap handoff pipe) rather than minted locally.
// The bytes are copied into a freshly allocated, frozen region so the
// reconstructed Token has the same tamper-resistance guarantees as one
// produced by Mint.
func FromBytes(raw []byte) (*Token, error) {
	pane, err := hardened.AllocPane(len(raw))
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "control.FromBytes: allocate region", err)
	}
	copy(pane.Bytes(), raw)
	if err := pane.Freeze(); err != nil {
		_ = pane.Release()
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "control.FromBytes: freeze region", err)
	}
	return &Token{pane: pane}, nil
}

// Bytes returns the token's raw symbol bytes. The backing region is
// frozen, so any attempt by a caller to write through this slice faults
// rather than silently corrupting the stored secret.
func (t *Token) Bytes() []byte { return t.pane.Bytes() }

// Equal compares candidate against the stored token in constant time,
// regardless of where or whether the two values differ. candidate need
// not be TokenLength bytes — a length mismatch is itself treated as a
// constant-time-incomparable rejection, never a short-circuiting return.
func (t *Token) Equal(candidate []byte) (bool, error) {
	stored := t.pane.Bytes()
	if len(candidate) != len(stored) {
		// Compare against a same-length throwaway so that a wrong-length
		// probe takes observably the same path as a wrong-content one,
		// rather than returning from a cheap length check.
		decoy := make([]byte, len(stored))
		_, _ = hardened.CTEqual(stored, decoy, len(stored))
		return false, nil
	}
	return hardened.CTEqual(stored, candidate, len(stored))
}

// Release scrubs and unmaps the token's region. Callers must not use the
// Token afterward.
func (t *Token) Release() error { return t.pane.Release() }
