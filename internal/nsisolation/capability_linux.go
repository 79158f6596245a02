package nsisolation

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// capabilityVersion3 is _LINUX_CAPABILITY_VERSION_3, the only header
// version the kernel accepts for a 64-bit capability set (two 32-bit
// capUserData entries).
const capabilityVersion3 = 0x20080522

// capUserHeader mirrors struct __user_cap_header_struct.
type capUserHeader struct {
	version uint32
	pid     int32
}

// capUserData mirrors struct __user_cap_data_struct.
type capUserData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

func capget(hdr *capUserHeader, data *[2]capUserData) error {
	_, _, errno := unix.Syscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func capset(hdr *capUserHeader, data *[2]capUserData) error {
	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
