// Package bootstrap implements the ordered sequencer that transforms an
// ordinary process launch into the two-process contained/redirector
// topology: disable core dumps and swap, stand up the sandbox directory
// and logger, mint the control token, launch the external front end, and
// finally spawn the contained process — whose own init stage (RunInside)
// performs the remaining ordered sub-steps of filesystem pivot, name/IPC/
// network scope entry, filter install, and capability drop.
//
// Ordering here is load-bearing, not stylistic: each step assumes every
// step before it has completed. A step returning an error aborts the
// whole sequence; nothing downstream runs.
package bootstrap

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/sandboxcore/sandboxcore/internal/control"
	"github.com/sandboxcore/sandboxcore/internal/nsisolation"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// Argv sentinels the re-exec'd binary inspects to decide which of the
// three entrypoints to run. They are internal dispatch markers, not
// user-facing flags — the binary a user launches directly takes none of
// these and parses no flags at all, matching spec §6.
const (
	SentinelInside     = "sandboxcore-init-inside"
	SentinelRedirector = "sandboxcore-redirector"
)

// Filesystem surface inside the sandbox directory (spec §6): exactly a
// log file and two local-domain socket nodes, nothing else.
const (
	logFileName          = "sandbox.log"
	controlSocketName    = "control.sock"
	redirectorSocketName = "redirector.sock"
)

// defaultReadyTimeout bounds how long the sequencer waits for the
// contained process (and, transitively, the redirector it forks) to
// signal readiness before treating bootstrap as failed.
const defaultReadyTimeout = 30 * time.Second

// Config is everything the sequencer needs to know before it starts. It
// corresponds to spec §6's "compile-time constants or a configuration
// struct passed to the bootstrap" — never flags, never environment
// variables.
type Config struct {
	SandboxRoot  string
	ProxyHost    string
	ProxyPort    int
	NetworkMode  nsisolation.NetworkMode
	FrontEndPath string
	FrontEndArgs []string
	LogLevel     string
	LogFormat    string

	// ContainedMetricsAddr and RedirectorMetricsAddr are the Prometheus
	// bind addresses the contained and redirector processes serve their
	// own /metrics on. Empty disables that process's metrics server.
	ContainedMetricsAddr  string
	RedirectorMetricsAddr string

	// BudgetCapacity and BudgetRefillPeriod configure the redirector's
	// per-relay-pair rate limiter. Zero capacity disables rate limiting.
	BudgetCapacity     int
	BudgetRefillPeriod time.Duration
}

// Sequencer runs the seven ordered bootstrap steps of spec §4.7.
type Sequencer struct {
	cfg Config
	log *zap.Logger
}

// NewSequencer constructs a Sequencer. Validation of cfg happens as part
// of Run, not here, so that step ordering (and which step a given
// misconfiguration surfaces at) matches spec §4.7 exactly.
func NewSequencer(cfg Config) *Sequencer {
	return &Sequencer{cfg: cfg}
}

// Run performs, in exactly this order: (1) disable core dumps and swap,
// (2) create the sandbox directory, (3) initialize the logger, (4) probe
// the CSPRNG, (5) mint the control token and bind the control-channel
// listener, (6) spawn the external front end, (7) spawn the contained
// process. It returns once the contained process has signalled readiness
// (transitively including the redirector it forks) — the bootstrap
// process's job is then done, mirroring spec §4.3's "terminates the
// parent" for the clone-based primitive this substitutes re-exec for.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := disableCoreDumpsAndSwap(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.cfg.SandboxRoot, 0o700); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.Run: create sandbox directory", err)
	}

	log, err := buildLogger(s.cfg.LogLevel, s.cfg.LogFormat, filepath.Join(s.cfg.SandboxRoot, logFileName))
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.Run: initialize logger", err)
	}
	s.log = log
	defer log.Sync() //nolint:errcheck

	if err := probeCSPRNG(); err != nil {
		return err
	}

	token, err := control.Mint()
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.Run: mint control token", err)
	}

	controlSocketPath := filepath.Join(s.cfg.SandboxRoot, controlSocketName)
	controlServer, err := control.NewServer(controlSocketPath, token, nil, nil, s.log)
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.Run: construct control server", err)
	}
	controlListener, err := controlServer.Bind()
	if err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.Run: bind control listener", err)
	}
	defer controlListener.Close()
	s.log.Info("control token minted and listener bound", zap.String("socket", controlSocketPath))

	if err := s.spawnFrontEnd(token); err != nil {
		return err
	}

	return s.spawnContainedAndWait(controlListener, token)
}

// disableCoreDumpsAndSwap is step 1. Core dumps are disabled by zeroing
// RLIMIT_CORE; "disable paging to disk" is implemented as mlockall over
// the process's current and future address space, so no page holding
// secrets can ever be written to a swap device. A global swapoff would
// affect the whole host and is out of a single process's business.
func disableCoreDumpsAndSwap() error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.disableCoreDumpsAndSwap: setrlimit", err)
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.disableCoreDumpsAndSwap: mlockall", err)
	}
	return nil
}

// buildLogger constructs the zap logger used for the lifetime of the
// bootstrap process and (via the inherited handoff) the contained
// process: JSON to the sandbox log file in production, console to stderr
// in development — the same split the teacher's cmd entrypoint uses.
func buildLogger(level, format, logPath string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

// probeCSPRNG is step 4: a readiness check that crypto/rand's entropy
// source is actually available before anything downstream (the token,
// the frozen endpoint) depends on it, and — per spec ordering — before
// any filesystem pivot that could change which /dev nodes are visible.
func probeCSPRNG() error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.probeCSPRNG", err)
	}
	return nil
}

// spawnFrontEnd is step 6: launch the external, out-of-scope front end,
// passing the token as its final argument. The front end is not waited
// on here; it runs independently for the lifetime of the session.
func (s *Sequencer) spawnFrontEnd(token *control.Token) error {
	if s.cfg.FrontEndPath == "" {
		s.log.Info("no front end configured, skipping spawn")
		return nil
	}
	args := append(append([]string{}, s.cfg.FrontEndArgs...), string(token.Bytes()))
	cmd := exec.Command(s.cfg.FrontEndPath, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.spawnFrontEnd", err)
	}
	s.log.Info("front end spawned", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// spawnContainedAndWait is step 7: build the handoff payload, re-exec
// into the contained process's init stage with the control listener and
// handoff pipe inherited as extra file descriptors, and block until it
// signals readiness.
func (s *Sequencer) spawnContainedAndWait(controlListener interface {
	File() (*os.File, error)
}, token *control.Token) error {
	handoffR, handoffW, err := os.Pipe()
	if err != nil {
		return sandboxerr.New(sandboxerr.KindResourceExhausted, "bootstrap.spawnContainedAndWait: handoff pipe", err)
	}

	controlListenerFile, err := controlListener.File()
	if err != nil {
		handoffR.Close()
		handoffW.Close()
		return sandboxerr.New(sandboxerr.KindFatalIsolation, "bootstrap.spawnContainedAndWait: dup control listener fd", err)
	}

	contained, err := nsisolation.SpawnContained([]string{SentinelInside}, handoffR, controlListenerFile)
	handoffR.Close()
	controlListenerFile.Close()
	if err != nil {
		handoffW.Close()
		return err
	}

	h := handoff{
		SandboxRoot:           s.cfg.SandboxRoot,
		ProxyHost:             s.cfg.ProxyHost,
		ProxyPort:             s.cfg.ProxyPort,
		NetworkMode:           int(s.cfg.NetworkMode),
		ControlSocketName:     controlSocketName,
		RedirectorSocketName:  redirectorSocketName,
		Token:                 token.Bytes(),
		MetricsAddr:           s.cfg.ContainedMetricsAddr,
		RedirectorMetricsAddr: s.cfg.RedirectorMetricsAddr,
		BudgetCapacity:        s.cfg.BudgetCapacity,
		BudgetRefillSeconds:   int(s.cfg.BudgetRefillPeriod / time.Second),
	}
	if err := encodeHandoff(handoffW, h); err != nil {
		handoffW.Close()
		return err
	}
	handoffW.Close()

	if err := contained.WaitReady(defaultReadyTimeout); err != nil {
		return err
	}
	s.log.Info("contained process signalled readiness", zap.Int("pid", contained.Pid()))
	return nil
}
