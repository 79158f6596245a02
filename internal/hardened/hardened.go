// Package hardened provides the memory primitives the rest of the core
// relies on for its security properties: page-guarded allocation, freezable
// read-only regions, scrubbed free, and constant-time comparison.
//
// Every allocation here is anonymous, private, and backed by mmap rather
// than the Go heap, so that its protection bits can be changed with
// mprotect independently of the garbage collector.
package hardened

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

var pageSize = os.Getpagesize()

// Pane is a page-aligned anonymous memory region.
type Pane struct {
	mem    []byte
	frozen bool
}

// AllocPane returns a Pane of at least n bytes, rounded up to a whole
// number of pages, readable and writable, private to the process, and not
// backed by any file.
func AllocPane(n int) (*Pane, error) {
	if n < 1 {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "hardened.AllocPane", fmt.Errorf("n must be >= 1, got %d", n))
	}
	size := roundUpPages(n)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "hardened.AllocPane", err)
	}
	return &Pane{mem: mem}, nil
}

// Bytes returns the pane's backing slice. Writing to it after Freeze has
// been called will fault the process.
func (p *Pane) Bytes() []byte { return p.mem }

// Len returns the full page-rounded size of the pane.
func (p *Pane) Len() int { return len(p.mem) }

// Base returns the address of the first byte of the pane, for use by
// kernel-call filter predicates that must bind an argument to this exact
// value.
func (p *Pane) Base() uintptr {
	if len(p.mem) == 0 {
		return 0
	}
	return uintptr(unsafePointer(p.mem))
}

// Freeze changes the pane's protection to read-only. Any subsequent write,
// from this process or a descendant that inherited the mapping, traps.
func (p *Pane) Freeze() error {
	if p.frozen {
		return nil
	}
	if err := unix.Mprotect(p.mem, unix.PROT_READ); err != nil {
		return sandboxerr.New(sandboxerr.KindPermissionDenied, "hardened.Pane.Freeze", err)
	}
	p.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called successfully.
func (p *Pane) Frozen() bool { return p.frozen }

// Release unmaps the pane. Must not be called on a pane still referenced
// by an installed filter's frozen-endpoint predicate.
func (p *Pane) Release() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	if err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "hardened.Pane.Release", err)
	}
	return nil
}

// GuardedBuffer is a scrubbed allocation bracketed by two PROT_NONE guard
// pages, in the shape [guard][data][guard]. Any access to a guard page
// faults, bounding linear heap-overflow attempts against the data region.
type GuardedBuffer struct {
	full []byte // full mapping, including both guards
	data []byte // the usable, requested-and-rounded slice between the guards
}

// SecureAlloc returns n scrubbed bytes located between a leading and a
// trailing guard page, each mapped PROT_NONE.
func SecureAlloc(n int) (*GuardedBuffer, error) {
	if n < 1 {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "hardened.SecureAlloc", fmt.Errorf("n must be >= 1, got %d", n))
	}
	dataSize := roundUpPages(n)
	total := dataSize + 2*pageSize

	full, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "hardened.SecureAlloc", err)
	}

	if err := unix.Mprotect(full[:pageSize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(full)
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "hardened.SecureAlloc: leading guard", err)
	}
	if err := unix.Mprotect(full[pageSize+dataSize:], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(full)
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "hardened.SecureAlloc: trailing guard", err)
	}

	data := full[pageSize : pageSize+dataSize]
	for i := range data {
		data[i] = 0
	}

	return &GuardedBuffer{full: full, data: data[:n]}, nil
}

// Bytes returns the usable, requested-length slice between the guards.
func (g *GuardedBuffer) Bytes() []byte { return g.data }

// SecureFree fills the guarded buffer with zero — the fill is performed
// byte-by-byte against the slice returned by Bytes so the compiler cannot
// prove the write is dead and elide it — then releases the full
// three-region allocation, guards included.
func (g *GuardedBuffer) SecureFree() error {
	if g.full == nil {
		return nil
	}
	scrub(g.data)
	full := g.full
	g.full, g.data = nil, nil
	if err := unix.Munmap(full); err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "hardened.GuardedBuffer.SecureFree", err)
	}
	return nil
}

// scrub overwrites buf with zero in a way immune to dead-store elimination:
// each store goes through a pointer the compiler cannot prove is unobserved,
// matching the volatile-pointer idiom the reference implementation uses.
func scrub(buf []byte) {
	for i := range buf {
		volatileStoreByte(&buf[i], 0)
	}
}

// CTEqual returns true iff a and b, both of length n, are byte-for-byte
// equal. Its running time depends only on n, never on the byte values or on
// where the first mismatch occurs: every byte pair is compared and the
// per-pair result is folded with bitwise OR rather than a short-circuiting
// branch.
func CTEqual(a, b []byte, n int) (bool, error) {
	if a == nil || b == nil {
		return false, sandboxerr.New(sandboxerr.KindInvalidArgument, "hardened.CTEqual", fmt.Errorf("a and b must be non-nil"))
	}
	if n <= 0 {
		return false, sandboxerr.New(sandboxerr.KindInvalidArgument, "hardened.CTEqual", fmt.Errorf("n must be > 0, got %d", n))
	}
	if len(a) < n || len(b) < n {
		return false, sandboxerr.New(sandboxerr.KindInvalidArgument, "hardened.CTEqual", fmt.Errorf("a and b must each have length >= %d", n))
	}
	var diff byte
	for i := 0; i < n; i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0, nil
}

func roundUpPages(n int) int {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}
