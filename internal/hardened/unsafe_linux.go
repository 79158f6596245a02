package hardened

import "unsafe"

// unsafePointer returns the address of the first byte of b, or nil if b is
// empty. Used only to report a Pane's base address for filter predicates
// and never to perform arithmetic on the returned pointer in Go code.
func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// volatileStoreByte writes v to *p through a function the compiler cannot
// inline away, so that a scrubbing loop built from repeated calls to it
// cannot be recognized as a dead store and elided the way a plain
// `buf[i] = 0` loop immediately preceding a deallocation can be.
//
//go:noinline
func volatileStoreByte(p *byte, v byte) {
	*p = v
}
