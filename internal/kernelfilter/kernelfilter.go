// Package kernelfilter installs the declarative, per-role kernel-call
// allow-list that is the last isolation step before application code runs.
// The filter is an immutable ordered list of (call, predicate, action)
// records; the default action for anything not matched is to kill the
// whole process, never just the offending thread, so a filter violation
// cannot be caught or retried by the process it constrains.
package kernelfilter

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"go.uber.org/zap"

	"github.com/sandboxcore/sandboxcore/internal/endpoint"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// Role selects which of the two non-negotiable rule tables to install.
type Role int

const (
	// RoleRedirector is installed by R before its accept loop begins.
	RoleRedirector Role = iota
	// RoleContained is installed by C after every other isolation step.
	RoleContained
)

func (r Role) String() string {
	if r == RoleRedirector {
		return "redirector"
	}
	return "contained"
}

// argNull and argZero are the literal predicate operands used by the
// sendto/recvfrom rules: the destination-address argument must be a null
// pointer and the address-length argument must be zero, forbidding direct
// UDP egress from either role.
const (
	argNull = 0
	argZero = 0
)

// Install loads and activates the kernel-call filter for role. ep is
// required only for RoleRedirector, whose connect rule must bind to the
// frozen endpoint's exact base address and length; pass nil for
// RoleContained.
//
// Install order is fixed by the bootstrap sequencer: this must be the last
// isolation step, after every capability has been dropped. Once Install
// returns successfully, the installing process can never request a less
// restrictive filter — that is a kernel guarantee (NO_NEW_PRIVS plus a
// monotonically increasing filter stack), not something this package
// enforces itself.
func Install(role Role, ep *endpoint.Frozen, log *zap.Logger) error {
	filter, err := seccomp.NewFilter(seccomp.ActKillProcess)
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "kernelfilter.Install: NewFilter", err)
	}
	defer filter.Release()

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "kernelfilter.Install: SetNoNewPrivsBit", err)
	}

	var table []rule
	switch role {
	case RoleRedirector:
		if ep == nil {
			return sandboxerr.New(sandboxerr.KindInvalidArgument, "kernelfilter.Install",
				fmt.Errorf("RoleRedirector requires a non-nil frozen endpoint"))
		}
		table = redirectorTable(ep)
	case RoleContained:
		table = containedTable()
	default:
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "kernelfilter.Install",
			fmt.Errorf("unknown role %d", role))
	}

	for _, r := range table {
		if err := r.apply(filter); err != nil {
			return sandboxerr.New(sandboxerr.KindFatalIsolation,
				fmt.Sprintf("kernelfilter.Install: rule %s", r.name), err)
		}
	}

	if err := filter.Load(); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "kernelfilter.Install: Load", err)
	}

	if log != nil {
		log.Info("kernel-call filter installed", zap.String("role", role.String()), zap.Int("rules", len(table)))
	}
	return nil
}

// rule is one declarative (call, predicate, action) record. allow is
// always the action here — everything else falls through to the filter's
// default action, ActKillProcess, which Install configures at construction.
type rule struct {
	name string
	call string
	cond func() ([]seccomp.ScmpCondition, error)
}

func (r rule) apply(filter *seccomp.ScmpFilter) error {
	call, err := seccomp.GetSyscallFromName(r.call)
	if err != nil {
		// A syscall name absent from this kernel's table (e.g. a 32-bit-only
		// name on a 64-bit-only build) is not installable; treat as a
		// resolution error rather than silently skipping the rule.
		return fmt.Errorf("resolve syscall %q: %w", r.call, err)
	}
	if r.cond == nil {
		return filter.AddRule(call, seccomp.ActAllow)
	}
	conds, err := r.cond()
	if err != nil {
		return fmt.Errorf("build condition for %q: %w", r.call, err)
	}
	return filter.AddRuleConditional(call, seccomp.ActAllow, conds)
}

func unconditional(name string) rule { return rule{name: name, call: name} }

// redirectorTable is R's non-negotiable rule set (spec §4.2, redirector
// role). R needs a real inet socket to reach the proxy, but its single
// connect call is pinned to the frozen endpoint.
func redirectorTable(ep *endpoint.Frozen) []rule {
	return []rule{
		{name: "socket(inet4)", call: "socket", cond: func() ([]seccomp.ScmpCondition, error) {
			c, err := seccomp.MakeCondition(0, seccomp.CompareEqual, uint64(addrFamilyINET))
			return []seccomp.ScmpCondition{c}, err
		}},
		{name: "socket(unix)", call: "socket", cond: func() ([]seccomp.ScmpCondition, error) {
			c, err := seccomp.MakeCondition(0, seccomp.CompareEqual, uint64(addrFamilyUnix))
			return []seccomp.ScmpCondition{c}, err
		}},
		{name: "connect(frozen-endpoint)", call: "connect", cond: func() ([]seccomp.ScmpCondition, error) {
			base, err := seccomp.MakeCondition(1, seccomp.CompareEqual, uint64(ep.Base()))
			if err != nil {
				return nil, err
			}
			length, err := seccomp.MakeCondition(2, seccomp.CompareEqual, uint64(ep.RecordedLength()))
			if err != nil {
				return nil, err
			}
			return []seccomp.ScmpCondition{base, length}, nil
		}},
		{name: "sendto(no-direct-udp)", call: "sendto", cond: nullAddrCondition(4, 5)},
		{name: "recvfrom(no-direct-udp)", call: "recvfrom", cond: nullAddrCondition(4, 5)},
		unconditional("bind"),
		unconditional("listen"),
		unconditional("accept"),
		unconditional("accept4"),
		unconditional("poll"),
		unconditional("ppoll"),
		{name: "mprotect(no-exec)", call: "mprotect", cond: noExecCondition(2)},
		unconditional("mmap"),
		unconditional("munmap"),
		unconditional("clone"),
		unconditional("read"),
		unconditional("write"),
		unconditional("close"),
		unconditional("open"),
		unconditional("openat"),
		unconditional("unlink"),
		unconditional("unlinkat"),
		unconditional("exit"),
		unconditional("exit_group"),
		unconditional("flock"),
		unconditional("fstat"),
		unconditional("rt_sigreturn"),
	}
}

// containedTable is C's non-negotiable rule set (spec §4.2, contained
// role). C cannot create any inet socket at all; it reaches R only through
// filesystem visibility of a local-domain path.
func containedTable() []rule {
	return []rule{
		{name: "socket(unix-only)", call: "socket", cond: func() ([]seccomp.ScmpCondition, error) {
			c, err := seccomp.MakeCondition(0, seccomp.CompareEqual, uint64(addrFamilyUnix))
			return []seccomp.ScmpCondition{c}, err
		}},
		unconditional("connect"),
		{name: "sendto(no-direct-udp)", call: "sendto", cond: nullAddrCondition(4, 5)},
		{name: "recvfrom(no-direct-udp)", call: "recvfrom", cond: nullAddrCondition(4, 5)},
		unconditional("poll"),
		unconditional("ppoll"),
		unconditional("mmap"),
		unconditional("munmap"),
		{name: "mprotect(no-exec)", call: "mprotect", cond: noExecCondition(2)},
		unconditional("flock"),
		unconditional("write"),
		unconditional("read"),
		unconditional("open"),
		unconditional("openat"),
		unconditional("close"),
		unconditional("fstat"),
		unconditional("exit"),
		unconditional("exit_group"),
		unconditional("rt_sigreturn"),
	}
}

const (
	addrFamilyUnix = 1 // AF_UNIX
	addrFamilyINET = 2 // AF_INET
	protExec       = 4 // PROT_EXEC
)

// nullAddrCondition builds the shared sendto/recvfrom predicate: the
// destination-address argument (addrArg) must be a null pointer and the
// address-length argument (lenArg) must be zero.
func nullAddrCondition(addrArg, lenArg uint) func() ([]seccomp.ScmpCondition, error) {
	return func() ([]seccomp.ScmpCondition, error) {
		addr, err := seccomp.MakeCondition(addrArg, seccomp.CompareEqual, argNull)
		if err != nil {
			return nil, err
		}
		length, err := seccomp.MakeCondition(lenArg, seccomp.CompareEqual, argZero)
		if err != nil {
			return nil, err
		}
		return []seccomp.ScmpCondition{addr, length}, nil
	}
}

// noExecCondition builds a predicate forbidding the PROT_EXEC bit from
// being present in the protection argument (protArg) of an mprotect call.
func noExecCondition(protArg uint) func() ([]seccomp.ScmpCondition, error) {
	return func() ([]seccomp.ScmpCondition, error) {
		c, err := seccomp.MakeCondition(protArg, seccomp.CompareMaskedEqual, uint64(protExec), 0)
		return []seccomp.ScmpCondition{c}, err
	}
}
