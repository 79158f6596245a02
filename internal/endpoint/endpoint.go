// Package endpoint constructs and freezes the proxy's socket name so that
// the redirector's connect call can be bound to it at three independent
// layers: memory protection, filter argument predicate, and scope
// isolation of the contained process.
package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/sandboxcore/sandboxcore/internal/hardened"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// addressFamilyINET4 mirrors AF_INET, stored in the frozen region's
// sin_family field so a filter predicate or a raw connect(2) can validate
// the family without any Go-level type information being available to it.
const addressFamilyINET4 = 2

// The frozen region is laid out as a real kernel struct sockaddr_in, not a
// custom encoding, because redirector.go hands ep.Base() to connect(2)
// directly: sin_family (2 bytes, host byte order), sin_port (2 bytes,
// network byte order), sin_addr (4 bytes), sin_zero (8 bytes, must be
// zero). Total 16 bytes.
const (
	familyOffset = 0
	portOffset   = 2
	addrOffset   = 4
	zeroOffset   = 8
	regionLen    = 16
)

// Frozen is the read-only (address-family, address-bytes, length) triple
// describing the proxy's socket name.
type Frozen struct {
	pane *hardened.Pane
	addr net.TCPAddr
}

// Resolve looks up host:port, validates the result is exactly one inet-v4
// record (using the first and warning on more than one), copies the family
// and address bytes into a page-aligned region, and freezes it. The
// returned Frozen's Base/Len are the literal values a kernel-call filter
// predicate must bind the connect() arguments to.
func Resolve(host string, port int, log *zap.Logger) (*Frozen, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "endpoint.Resolve", err)
	}
	var v4s []net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			v4s = append(v4s, v4)
		}
	}
	if len(v4s) == 0 {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "endpoint.Resolve",
			fmt.Errorf("no inet-v4 records for %q", host))
	}
	if len(v4s) > 1 && log != nil {
		log.Warn("endpoint resolution returned multiple records; using the first",
			zap.String("host", host), zap.Int("count", len(v4s)))
	}
	chosen := v4s[0]

	pane, err := hardened.AllocPane(regionLen)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "endpoint.Resolve: allocate region", err)
	}
	buf := pane.Bytes()
	// sin_family is in the host's native byte order, little-endian on
	// every architecture this harness targets (amd64, arm64).
	binary.LittleEndian.PutUint16(buf[familyOffset:familyOffset+2], addressFamilyINET4)
	binary.BigEndian.PutUint16(buf[portOffset:portOffset+2], uint16(port))
	copy(buf[addrOffset:addrOffset+4], chosen.To4())
	// buf[zeroOffset:regionLen] (sin_zero) is already zero: AllocPane's
	// backing mmap is a fresh anonymous mapping.

	if err := pane.Freeze(); err != nil {
		_ = pane.Release()
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "endpoint.Resolve: freeze region", err)
	}

	return &Frozen{
		pane: pane,
		addr: net.TCPAddr{IP: chosen, Port: port},
	}, nil
}

// Base returns the address of the frozen region's first byte. A
// kernelfilter connect rule binds its address-pointer predicate to this
// exact value.
func (f *Frozen) Base() uintptr { return f.pane.Base() }

// RecordedLength returns the frozen region's length in bytes. A
// kernelfilter connect rule binds its length predicate to this exact
// value.
func (f *Frozen) RecordedLength() int { return regionLen }

// TCPAddr returns the resolved address for logging and tests. The real
// outbound connect never uses it — it goes through Base()/RecordedLength()
// as a raw connect(2) argument, the only way a kernel-call filter's
// address/length predicate can be satisfied by the actual syscall.
func (f *Frozen) TCPAddr() *net.TCPAddr { return &f.addr }

// Verify re-derives (family, address, port) from the frozen region and
// compares it against TCPAddr(), so a caller holding only the Frozen value
// can assert the two views have not diverged. Used by tests and by the
// accept loop's paranoid-mode assertion.
func (f *Frozen) Verify() error {
	buf := f.pane.Bytes()
	if len(buf) < regionLen {
		return sandboxerr.New(sandboxerr.KindIntegrityViolation, "endpoint.Verify",
			fmt.Errorf("region shorter than %d bytes", regionLen))
	}
	family := binary.LittleEndian.Uint16(buf[familyOffset : familyOffset+2])
	if family != addressFamilyINET4 {
		return sandboxerr.New(sandboxerr.KindIntegrityViolation, "endpoint.Verify",
			fmt.Errorf("unexpected address family %d", family))
	}
	ip := net.IP(buf[addrOffset : addrOffset+4])
	port := int(binary.BigEndian.Uint16(buf[portOffset : portOffset+2]))
	if !ip.Equal(f.addr.IP) || port != f.addr.Port {
		return sandboxerr.New(sandboxerr.KindIntegrityViolation, "endpoint.Verify",
			fmt.Errorf("region contents %s:%d diverge from cached %s:%d", ip, port, f.addr.IP, f.addr.Port))
	}
	return nil
}
