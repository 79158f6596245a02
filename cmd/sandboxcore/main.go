// Command sandboxcore launches the sandboxing harness described in
// internal/bootstrap: a bootstrap parent that mints the control token,
// spawns the external front end, and re-execs itself into a contained
// process pinned behind a frozen-endpoint redirector.
//
// Takes no flags and reads no environment variables (spec §6). The
// binary dispatches on os.Args[1]:
//
//   - sandboxcore-init-inside     — re-exec entrypoint for the contained
//     process; never invoked directly by a user.
//   - sandboxcore-redirector      — re-exec entrypoint for the
//     redirector process; never invoked directly by a user.
//   - anything else (normal launch) — runs the ordered bootstrap
//     sequence against the fixed config file.
//
// This mirrors the teacher's own cmd entrypoint's numbered startup
// sequence, adapted to a harness whose real work happens in a re-exec'd
// child rather than in long-lived goroutines of this same process.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sandboxcore/sandboxcore/internal/bootstrap"
	"github.com/sandboxcore/sandboxcore/internal/config"
	"github.com/sandboxcore/sandboxcore/internal/nsisolation"
	"github.com/sandboxcore/sandboxcore/internal/observability"
	"github.com/sandboxcore/sandboxcore/internal/storage"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case bootstrap.SentinelInside:
			runAndExit(bootstrap.RunInside)
		case bootstrap.SentinelRedirector:
			args := os.Args[2:]
			runAndExit(func(ctx context.Context) error {
				return bootstrap.RunRedirector(ctx, args)
			})
		}
	}

	if err := runParent(); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxcore: %v\n", err)
		os.Exit(1)
	}
}

// runAndExit runs a re-exec entrypoint to completion and exits the
// process with a status reflecting its outcome. These entrypoints never
// return control to main's normal flow: RunInside blocks serving the
// control channel for the contained process's lifetime, and
// RunRedirector blocks relaying for the redirector's lifetime.
func runAndExit(fn func(context.Context) error) {
	ctx, cancel := signalContext()
	defer cancel()
	if err := fn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxcore: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// runParent performs the normal top-level launch: (1) load the fixed
// config file, (2) open the audit ledger and prune stale entries, (3)
// start the metrics server, (4) run the seven-step bootstrap sequence,
// (5) wait for a shutdown signal once the contained process is up.
//
// Steps 2 and 3 instrument only this long-lived parent process. The
// contained and redirector processes it spawns run past a pivot_root
// into a filesystem that no longer contains the ledger file's original
// path, and BoltDB does not support a second process opening the same
// file as a concurrent writer — see DESIGN.md for why that instrumentation
// stops at the parent rather than following the re-exec boundary.
func runParent() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	ledger, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	defer ledger.Close()

	if pruned, err := ledger.PruneOldLedgerEntries(); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxcore: prune ledger: %v\n", err)
	} else if pruned > 0 {
		fmt.Fprintf(os.Stderr, "sandboxcore: pruned %d stale ledger entries\n", pruned)
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "sandboxcore: metrics server: %v\n", err)
		}
	}()

	networkMode, err := parseNetworkMode(cfg.Sandbox.NetworkMode)
	if err != nil {
		return err
	}

	seq := bootstrap.NewSequencer(bootstrap.Config{
		SandboxRoot:           cfg.Sandbox.Root,
		ProxyHost:             cfg.Proxy.Host,
		ProxyPort:             cfg.Proxy.Port,
		NetworkMode:           networkMode,
		FrontEndPath:          cfg.FrontEnd.Path,
		FrontEndArgs:          cfg.FrontEnd.Args,
		LogLevel:              cfg.Observability.LogLevel,
		LogFormat:             cfg.Observability.LogFormat,
		ContainedMetricsAddr:  deriveMetricsAddr(cfg.Observability.MetricsAddr, 1),
		RedirectorMetricsAddr: deriveMetricsAddr(cfg.Observability.MetricsAddr, 2),
		BudgetCapacity:        cfg.Budget.Capacity,
		BudgetRefillPeriod:    cfg.Budget.RefillPeriod,
	})

	startErr := seq.Run(ctx)
	if startErr != nil {
		if ledgerErr := ledger.Append(storage.LedgerEntry{
			Kind:    storage.KindBootstrapStep,
			Stage:   "sequencer_run",
			Outcome: "failure",
		}); ledgerErr != nil {
			fmt.Fprintf(os.Stderr, "sandboxcore: record bootstrap failure: %v\n", ledgerErr)
		}
		return fmt.Errorf("bootstrap sequence: %w", startErr)
	}

	if err := ledger.Append(storage.LedgerEntry{
		Kind:    storage.KindBootstrapStep,
		Stage:   "sequencer_run",
		Outcome: "success",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxcore: record bootstrap success: %v\n", err)
	}

	<-ctx.Done()
	return nil
}

// deriveMetricsAddr derives the contained and redirector processes' own
// /metrics bind addresses from the parent's configured address by
// offsetting the port, since config.go exposes exactly one
// observability.metrics_addr field and these two extra processes need
// distinct ports to avoid colliding with the parent's own listener. An
// empty or unparseable base address disables the derived server.
func deriveMetricsAddr(base string, offset int) string {
	if base == "" {
		return ""
	}
	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port+offset))
}

func parseNetworkMode(s string) (nsisolation.NetworkMode, error) {
	switch s {
	case "simple":
		return nsisolation.ModeSimple, nil
	case "with-redirector", "":
		return nsisolation.ModeWithRedirector, nil
	default:
		return 0, fmt.Errorf("parseNetworkMode: unrecognized mode %q", s)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, the
// same two signals the teacher's entrypoint waits on for graceful
// shutdown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
