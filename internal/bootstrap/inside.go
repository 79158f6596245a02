package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxcore/sandboxcore/internal/budget"
	"github.com/sandboxcore/sandboxcore/internal/control"
	"github.com/sandboxcore/sandboxcore/internal/endpoint"
	"github.com/sandboxcore/sandboxcore/internal/kernelfilter"
	"github.com/sandboxcore/sandboxcore/internal/nsisolation"
	"github.com/sandboxcore/sandboxcore/internal/observability"
	"github.com/sandboxcore/sandboxcore/internal/redirector"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// Inherited descriptor numbers fixed by SpawnContained: fd 3 is always
// the readiness pipe's write end; extraFiles (handoff pipe read end,
// control listener) follow starting at fd 4, in the order
// spawnContainedAndWait passed them.
const (
	fdReady           = 3
	fdHandoff         = 4
	fdControlListener = 5
)

// RunInside is the contained process's init stage — the re-exec'd
// binary's entrypoint when invoked with SentinelInside. It performs, in
// order, the seven sub-steps of spec §4.7 step 7: filesystem pivot, name
// scope, IPC scope, network scope with redirector, capability drop,
// kernel-call filter install, hand off to the control-channel dispatcher.
// Capabilities must be dropped before the filter is installed, not after:
// DropCapabilities issues raw capget/capset syscalls that neither role's
// rule table allows, so once the filter is active those calls would be
// killed by the process's own default-deny action.
//
// It locks the calling goroutine to its OS thread before the first
// namespace-privatizing call and never unlocks it: unshare(2) changes the
// namespace membership of the calling thread only, not the whole process,
// so if the Go scheduler ever moved this goroutine to a different OS
// thread mid-sequence, later steps would silently run outside the
// namespaces the earlier steps entered.
func RunInside(ctx context.Context) error {
	runtime.LockOSThread()

	readyW := os.NewFile(fdReady, "readiness-pipe-write")
	handoffR := os.NewFile(fdHandoff, "handoff-pipe-read")
	controlListenerFile := os.NewFile(fdControlListener, "control-listener")

	h, err := decodeHandoff(handoffR)
	handoffR.Close()
	if err != nil {
		return err
	}

	log, err := buildLogger("info", "json", fmt.Sprintf("%s/%s", h.SandboxRoot, logFileName))
	if err != nil {
		// Pre-pivot steps may still log to stderr per spec §4.7.
		fmt.Fprintf(os.Stderr, "bootstrap.RunInside: logger init failed: %v\n", err)
		return err
	}
	defer log.Sync() //nolint:errcheck

	if err := nsisolation.PivotFilesystem(h.SandboxRoot, false); err != nil {
		return err
	}
	log.Info("filesystem pivot complete")

	if err := nsisolation.PrivatizeUTS(); err != nil {
		return err
	}
	log.Info("name scope privatized")

	if err := nsisolation.PrivatizeIPC(); err != nil {
		return err
	}
	log.Info("IPC scope privatized")

	mode := nsisolation.NetworkMode(h.NetworkMode)
	redirectorSocketPath := "/" + h.RedirectorSocketName
	if err := nsisolation.EnterNetworkScope(mode, func() (*os.File, error) {
		return spawnRedirectorProcess(h.ProxyHost, h.ProxyPort, redirectorSocketPath, h.RedirectorMetricsAddr, h.BudgetCapacity, h.BudgetRefillSeconds)
	}); err != nil {
		return err
	}
	log.Info("network scope entered", zap.String("mode", modeName(mode)))

	metrics := observability.NewMetrics()
	if h.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, h.MetricsAddr); err != nil {
				log.Warn("contained metrics server exited", zap.Error(err))
			}
		}()
	}

	if err := nsisolation.DropCapabilities(); err != nil {
		return err
	}
	log.Info("capabilities dropped")

	if err := kernelfilter.Install(kernelfilter.RoleContained, nil, log); err != nil {
		return err
	}
	log.Info("contained-role kernel filter installed")

	token, err := control.FromBytes(h.Token)
	if err != nil {
		return err
	}
	controlListener, err := net.FileListener(controlListenerFile)
	controlListenerFile.Close()
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.RunInside: reconstruct control listener", err)
	}

	dispatcher := &unrecognizedCommandDispatcher{}
	controlServer, err := control.NewServer("/"+h.ControlSocketName, token, dispatcher, metrics, log)
	if err != nil {
		return err
	}

	if err := readyW.Close(); err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "bootstrap.RunInside: signal readiness", err)
	}
	log.Info("contained process ready, entering control-channel dispatch loop")

	return controlServer.Serve(ctx, controlListener)
}

func modeName(m nsisolation.NetworkMode) string {
	if m == nsisolation.ModeWithRedirector {
		return "with-redirector"
	}
	return "simple"
}

// spawnRedirectorProcess forks the redirector entrypoint as a fresh OS
// process — required because a kernel-call filter is process-wide; R
// must carry its own filter, distinct from C's, which is only possible
// if R is a separate process rather than a goroutine inside C. It
// inherits C's already-private mount/UTS/IPC/PID namespaces (no
// Cloneflags of its own) and, critically, whatever network namespace is
// current at fork time — which at this point in RunInside is still the
// host's, since EnterNetworkScope has not yet unshared it.
func spawnRedirectorProcess(proxyHost string, proxyPort int, socketPath, metricsAddr string, budgetCapacity, budgetRefillSeconds int) (*os.File, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.spawnRedirectorProcess: resolve self", err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindResourceExhausted, "bootstrap.spawnRedirectorProcess: readiness pipe", err)
	}

	cmd := exec.Command(self, SentinelRedirector, proxyHost, strconv.Itoa(proxyPort), socketPath,
		metricsAddr, strconv.Itoa(budgetCapacity), strconv.Itoa(budgetRefillSeconds))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{readyW}
	if err := cmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		return nil, sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.spawnRedirectorProcess: start", err)
	}
	readyW.Close()
	return readyR, nil
}

// RunRedirector is the redirector's entrypoint when the re-exec'd binary
// is invoked with SentinelRedirector. args are [proxyHost, proxyPort,
// socketPath, metricsAddr, budgetCapacity, budgetRefillSeconds], passed as
// plain argv by spawnRedirectorProcess — none of it is secret, so (unlike
// the contained process's handoff) there is no need for a descriptor-
// passed payload.
func RunRedirector(ctx context.Context, args []string) error {
	if len(args) != 6 {
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "bootstrap.RunRedirector",
			fmt.Errorf("want 6 arguments (host, port, socket path, metrics addr, budget capacity, refill seconds), got %d", len(args)))
	}
	proxyHost := args[0]
	proxyPort, err := strconv.Atoi(args[1])
	if err != nil {
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "bootstrap.RunRedirector", fmt.Errorf("invalid port %q: %w", args[1], err))
	}
	socketPath := args[2]
	metricsAddr := args[3]
	budgetCapacity, err := strconv.Atoi(args[4])
	if err != nil {
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "bootstrap.RunRedirector", fmt.Errorf("invalid budget capacity %q: %w", args[4], err))
	}
	budgetRefillSeconds, err := strconv.Atoi(args[5])
	if err != nil {
		return sandboxerr.New(sandboxerr.KindInvalidArgument, "bootstrap.RunRedirector", fmt.Errorf("invalid budget refill seconds %q: %w", args[5], err))
	}

	log, err := buildLogger("info", "json", "")
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ep, err := endpoint.Resolve(proxyHost, proxyPort, log)
	if err != nil {
		return err
	}

	if err := nsisolation.DropCapabilities(); err != nil {
		return err
	}
	log.Info("capabilities dropped")

	if err := kernelfilter.Install(kernelfilter.RoleRedirector, ep, log); err != nil {
		return err
	}
	log.Info("redirector-role kernel filter installed")

	metrics := observability.NewMetrics()
	if metricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, metricsAddr); err != nil {
				log.Warn("redirector metrics server exited", zap.Error(err))
			}
		}()
	}

	var limiter redirector.Limiter
	if budgetCapacity > 0 && budgetRefillSeconds > 0 {
		bucket := budget.New(budgetCapacity, time.Duration(budgetRefillSeconds)*time.Second)
		defer bucket.Close()
		limiter = bucket
	}

	rd, err := redirector.New(ep, socketPath, limiter, metrics, log)
	if err != nil {
		return err
	}

	readyW := os.NewFile(fdReady, "readiness-pipe-write")
	return rd.Run(ctx, readyW)
}

// unrecognizedCommandDispatcher is the default control.Dispatcher used
// when no application-layer command vocabulary has been wired in: every
// code is logged and ignored, per spec §4.6.
type unrecognizedCommandDispatcher struct{}

func (unrecognizedCommandDispatcher) Dispatch(uint32) bool { return false }
