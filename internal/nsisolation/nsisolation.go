// Package nsisolation implements the five scope-privatization primitives
// of the bootstrap sequencer — filesystem pivot, name scope, IPC scope,
// network scope, and PID scope — plus the capability drop that must follow
// all of them.
//
// Each primitive transitions exactly one scope from host-shared to
// private; none of them can be reversed once applied to a process. PID
// scope entry is the one primitive Go cannot perform in place (the runtime
// owns every OS thread in the process, so an in-place clone()-into-new-PID-
// namespace has no safe equivalent); SpawnContained substitutes a re-exec
// of the running binary with the appropriate clone flags, following the
// pattern real Go container runtimes use for the same constraint.
package nsisolation

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// PivotFilesystem performs the filesystem-pivot primitive (spec §4.3):
// enter a private mount scope, neutralize shared-mount propagation,
// bind-mount the sandbox path onto itself with no-exec, pivot root onto
// it, and detach-unmount the former root.
//
// newMountScope selects whether step (1) — unshare(CLONE_NEWNS) — runs
// here. SpawnContained's re-exec already requests CLONE_NEWNS via
// Cloneflags, so the caller normally passes false; the flag exists so the
// primitive is independently testable without a fresh process.
func PivotFilesystem(sandboxRoot string, newMountScope bool) error {
	if sandboxRoot == "" {
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "nsisolation.PivotFilesystem", fmt.Errorf("sandboxRoot must not be empty"))
	}
	if err := os.MkdirAll(sandboxRoot, 0o700); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: mkdir", err)
	}

	if newMountScope {
		if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
			return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: unshare(CLONE_NEWNS)", err)
		}
	}

	// Recursively mark the root as private so no mount event inside the
	// sandbox can propagate back out, and no host mount event can leak in.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: remount / private", err)
	}

	// Bind-mount the sandbox path onto itself so it is a mount object in
	// its own right; required for pivot_root's new-root argument.
	if err := unix.Mount(sandboxRoot, sandboxRoot, "", unix.MS_BIND|unix.MS_NOEXEC, ""); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: bind-mount sandbox root", err)
	}

	if err := os.Chdir(sandboxRoot); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: chdir sandbox root", err)
	}

	oldRoot := filepath.Join(sandboxRoot, "oldroot")
	_ = os.Remove(oldRoot)
	if err := os.Mkdir(oldRoot, 0o700); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: mkdir oldroot", err)
	}

	if err := unix.PivotRoot(sandboxRoot, oldRoot); err != nil {
		_ = os.Remove(oldRoot)
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: pivot_root", err)
	}

	if err := os.Chdir("/"); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: chdir new root", err)
	}

	if err := unix.Unmount("/oldroot", unix.MNT_DETACH); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PivotFilesystem: detach-unmount oldroot", err)
	}
	_ = os.Remove("/oldroot")

	return nil
}

// uncontainedHostname and uncontainedDomain are the fixed non-identifying
// literals C's private UTS scope is set to.
const (
	uncontainedHostname = "sandbox"
	uncontainedDomain   = "(none)"
)

// PrivatizeUTS enters a private UTS scope and sets the host and domain
// name to a fixed, non-identifying literal so C cannot observe or report
// the host's real name.
func PrivatizeUTS() error {
	if err := unix.Unshare(unix.CLONE_NEWUTS); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PrivatizeUTS: unshare(CLONE_NEWUTS)", err)
	}
	if err := unix.Sethostname([]byte(uncontainedHostname)); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PrivatizeUTS: sethostname", err)
	}
	if err := unix.Setdomainname([]byte(uncontainedDomain)); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PrivatizeUTS: setdomainname", err)
	}
	return nil
}

// PrivatizeIPC enters a private IPC-object scope.
func PrivatizeIPC() error {
	if err := unix.Unshare(unix.CLONE_NEWIPC); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.PrivatizeIPC: unshare(CLONE_NEWIPC)", err)
	}
	return nil
}

// NetworkMode selects one of the two network-scope entry modes (spec
// §4.3).
type NetworkMode int

const (
	// ModeSimple enters a private network scope immediately, leaving the
	// contained process with no network path at all beyond loopback. This
	// mode has no documented use case in the source this design is drawn
	// from but is internally consistent, so it is implemented as
	// specified (see the Open Question decisions in DESIGN.md).
	ModeSimple NetworkMode = iota
	// ModeWithRedirector forks the redirector first, waits on a
	// readiness pipe, then enters a private network scope.
	ModeWithRedirector
)

// redirectorReadyTimeout bounds how long EnterNetworkScope waits on R's
// readiness pipe before treating the fork as failed. The spec describes
// an unbounded wait; this is a conservative bound so a wedged redirector
// cannot hang bootstrap forever. See DESIGN.md.
const redirectorReadyTimeout = 30 * time.Second

// EnterNetworkScope implements the network-scope primitive. In
// ModeWithRedirector, spawnRedirector is invoked first (while the caller
// still has host network access), and EnterNetworkScope blocks on the
// returned readiness pipe's read end before unsharing into a private
// network scope — preserving the invariant that R retains the real
// network stack and C never observes a single network interface other
// than loopback.
func EnterNetworkScope(mode NetworkMode, spawnRedirector func() (readyPipe *os.File, err error)) error {
	if mode == ModeWithRedirector {
		if spawnRedirector == nil {
			return sandboxerr.New(sandboxerr.KindInvalidArgument, "nsisolation.EnterNetworkScope",
				fmt.Errorf("ModeWithRedirector requires spawnRedirector"))
		}
		readyPipe, err := spawnRedirector()
		if err != nil {
			return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.EnterNetworkScope: spawn redirector", err)
		}
		defer readyPipe.Close()

		if err := readyPipe.SetReadDeadline(time.Now().Add(redirectorReadyTimeout)); err != nil {
			return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.EnterNetworkScope: set readiness deadline", err)
		}
		buf := make([]byte, 1)
		_, err = readyPipe.Read(buf)
		if err != nil && err.Error() != "EOF" {
			return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.EnterNetworkScope: wait for redirector readiness", err)
		}
		// A read returning (0, io.EOF) is exactly the readiness signal:
		// the redirector closed its write end once it finished binding.
	}

	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.EnterNetworkScope: unshare(CLONE_NEWNET)", err)
	}
	// Loopback exists but is down by default in a fresh network
	// namespace; bring it up so local-domain-adjacent loopback traffic
	// (e.g. the control channel's underlying kernel path) is usable.
	if err := bringUpLoopback(); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.EnterNetworkScope: bring up loopback", err)
	}
	return nil
}

// ifreqFlags mirrors the kernel's struct ifreq as used by SIOCGIFFLAGS and
// SIOCSIFFLAGS: a 16-byte interface name followed by a 2-byte flags field,
// padded to the kernel's struct size.
type ifreqFlags struct {
	name  [16]byte
	flags int16
	_pad  [22]byte
}

func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr ifreqFlags
	copy(ifr.name[:], "lo")

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return errno
	}

	ifr.flags |= unix.IFF_UP | unix.IFF_RUNNING

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return errno
	}
	return nil
}

// SpawnContained substitutes the spec's "clone with owned stack" primitive
// (spec §4.8). It re-execs the running binary into a fresh process that
// enters new mount, UTS, IPC and PID namespaces via SysProcAttr.Cloneflags,
// then terminates the bootstrap's own call stack's interest in the
// parent/child relationship the moment the child has signalled readiness.
// Network scope is deliberately NOT included in cloneFlags: the contained
// process must retain host network access long enough to fork the
// redirector before it privatizes its own network scope via
// EnterNetworkScope.
//
// reexecArgs are passed as the child's argv (after argv[0]); the contained
// init stage this launches recognizes them as an internal handoff, not a
// user-facing flag — the top-level binary a user launches still takes no
// flags, matching spec §6.
//
// extraFiles are inherited starting at fd 4 (fd 3 is always the readiness
// pipe's write end) — the Go-level substitute for clone()'s shared address
// space letting the contained process reach descriptors (the bound
// control-channel listener, a handoff pipe carrying the token and sandbox
// configuration) that were opened before the re-exec.
func SpawnContained(reexecArgs []string, extraFiles ...*os.File) (*ContainedProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.SpawnContained: resolve self", err)
	}

	readR, readyW, err := os.Pipe()
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "nsisolation.SpawnContained: readiness pipe", err)
	}

	cmd := exec.Command(self, reexecArgs...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = append([]*os.File{readyW}, extraFiles...)
	cmd.SysProcAttr = &unix.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWPID,
	}

	if err := cmd.Start(); err != nil {
		readR.Close()
		readyW.Close()
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.SpawnContained: start", err)
	}
	// The parent's copy of the write end must be closed so only the
	// child's close signals readiness; otherwise the parent itself would
	// hold readR open forever.
	readyW.Close()

	return &ContainedProcess{cmd: cmd, readyR: readR}, nil
}

// ContainedProcess is the bootstrap-side handle to the re-exec'd contained
// process.
type ContainedProcess struct {
	cmd    *exec.Cmd
	readyR *os.File
}

// WaitReady blocks until the contained process closes its end of the
// readiness pipe (ExtraFiles index 3) or timeout elapses.
func (c *ContainedProcess) WaitReady(timeout time.Duration) error {
	if err := c.readyR.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "ContainedProcess.WaitReady: set deadline", err)
	}
	buf := make([]byte, 1)
	_, err := c.readyR.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "ContainedProcess.WaitReady", err)
	}
	return nil
}

// Pid returns the contained process's PID as seen from the bootstrap's own
// PID namespace.
func (c *ContainedProcess) Pid() int { return c.cmd.Process.Pid }

// Wait blocks until the contained process exits.
func (c *ContainedProcess) Wait() error { return c.cmd.Wait() }

// clearedCapabilities is the minimal set of elevated capabilities the
// bootstrap must hold and must explicitly clear before application code
// runs: administer namespaces, administer networking, set file
// capabilities.
var clearedCapabilities = []uintptr{
	21, // CAP_SYS_ADMIN
	12, // CAP_NET_ADMIN
	31, // CAP_SETFCAP
}

// DropCapabilities clears every capability in clearedCapabilities from the
// calling process's effective, permitted, and inheritable sets via
// capset(2). Failure to drop is fatal — the caller must treat any non-nil
// error as a reason to abort bootstrap, never to proceed with elevated
// capabilities intact.
func DropCapabilities() error {
	hdr := capUserHeader{version: capabilityVersion3, pid: 0}
	var data [2]capUserData

	// capget first to preserve bits we are not explicitly clearing.
	if err := capget(&hdr, &data); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.DropCapabilities: capget", err)
	}

	for _, cap := range clearedCapabilities {
		idx, bit := cap/32, uint32(1)<<(cap%32)
		data[idx].effective &^= bit
		data[idx].permitted &^= bit
		data[idx].inheritable &^= bit
	}

	hdr = capUserHeader{version: capabilityVersion3, pid: 0}
	if err := capset(&hdr, &data); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "nsisolation.DropCapabilities: capset", err)
	}
	return nil
}
