// Package redirector implements the accept loop and per-connection relay
// that is the sole conduit between the contained process and the proxy.
// It runs in the host network scope, under the redirector-role kernel-call
// filter, and never inspects or buffers more than one relay buffer's worth
// of traffic per connection.
package redirector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sandboxcore/sandboxcore/internal/endpoint"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// relayBufferSize is the page-sized scratch region shared by both
// directions of a relay pair; a relay never reads, writes, or buffers more
// than this many bytes in one step.
const relayBufferSize = 4096

// pollTimeout bounds each wait for I/O readiness so a relay child can
// notice context cancellation between events; it is not a connection
// timeout — a silent peer holds its relay indefinitely, as specified.
const pollTimeout = 1 * time.Second

// Limiter throttles how many relay pairs R is willing to fork in a given
// window. A nil Limiter means unthrottled.
type Limiter interface {
	Consume(n int) bool
}

// Metrics receives counts from the accept loop and relay children. A nil
// Metrics is a valid no-op target.
type Metrics interface {
	ConnectFailure()
	AcceptFailure()
	RelayOpened()
	RelayClosed()
	BytesForwarded(n int)
}

// Redirector holds everything the accept loop needs: the frozen proxy
// endpoint every outbound connection is pinned to, and the local-domain
// path the contained process reaches it through.
type Redirector struct {
	endpoint   *endpoint.Frozen
	socketPath string
	limiter    Limiter
	metrics    Metrics
	log        *zap.Logger
}

// New constructs a Redirector. ep and socketPath are required; limiter and
// metrics may be nil.
func New(ep *endpoint.Frozen, socketPath string, limiter Limiter, metrics Metrics, log *zap.Logger) (*Redirector, error) {
	if ep == nil {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "redirector.New", fmt.Errorf("nil frozen endpoint"))
	}
	if socketPath == "" {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "redirector.New", fmt.Errorf("empty socket path"))
	}
	return &Redirector{endpoint: ep, socketPath: socketPath, limiter: limiter, metrics: metrics, log: log}, nil
}

// Run binds the local-domain listener, signals readiness by closing ready
// (if non-nil — the write end of the pipe the bootstrap sequencer is
// waiting on), then runs the accept loop until ctx is cancelled.
//
// Accept loop, per iteration: dial the frozen endpoint fresh, then accept
// one local-domain connection, then hand the pair to a relay goroutine. A
// failed dial or accept restarts the iteration; it never terminates Run.
func (r *Redirector) Run(ctx context.Context, ready *os.File) error {
	_ = os.Remove(r.socketPath)
	listener, err := net.Listen("unix", r.socketPath)
	if err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "redirector.Run: listen", err)
	}
	defer listener.Close()
	if err := os.Chmod(r.socketPath, 0o600); err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "redirector.Run: chmod socket", err)
	}

	if ready != nil {
		if err := ready.Close(); err != nil {
			return sandboxerr.New(sandboxerr.KindIOFailure, "redirector.Run: signal readiness", err)
		}
	}
	if r.log != nil {
		r.log.Info("redirector listening", zap.String("socket", r.socketPath))
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		outside, err := dialFrozenEndpoint(r.endpoint)
		if err != nil {
			if r.metrics != nil {
				r.metrics.ConnectFailure()
			}
			if r.log != nil {
				r.log.Warn("outbound connect to proxy failed, restarting accept loop", zap.Error(err))
			}
			continue
		}

		if r.limiter != nil && !r.limiter.Consume(1) {
			outside.Close()
			continue
		}

		inside, err := listener.Accept()
		if err != nil {
			outside.Close()
			if r.metrics != nil {
				r.metrics.AcceptFailure()
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if r.log != nil {
				r.log.Warn("accept failed, restarting accept loop", zap.Error(err))
			}
			continue
		}

		go r.relay(ctx, inside, outside)
	}
}

// dialFrozenEndpoint opens an inet4 stream socket and connects it with a
// raw connect(2) whose address and length arguments are ep.Base() and
// ep.RecordedLength() — the exact buffer the installed redirector-role
// filter's connect predicate is pinned to. net.DialTCP is deliberately not
// used: it builds its own sockaddr buffer at an address the filter was
// never told about, so the syscall it issues could never satisfy the
// predicate the filter actually enforces.
func dialFrozenEndpoint(ep *endpoint.Frozen) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindIOFailure, "redirector.dialFrozenEndpoint: socket", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), ep.Base(), uintptr(ep.RecordedLength())); errno != 0 {
		unix.Close(fd)
		return nil, sandboxerr.New(sandboxerr.KindIOFailure, "redirector.dialFrozenEndpoint: connect", errno)
	}

	f := os.NewFile(uintptr(fd), "proxy-connection")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindIOFailure, "redirector.dialFrozenEndpoint: FileConn", err)
	}
	return conn, nil
}

// relay owns exactly one relay pair for its whole lifetime: created here,
// destroyed on first read-shutdown on either side. A panic inside one
// relay is recovered and logged, never allowed to reach the accept loop —
// the Go-level substitute for one-process-per-relay fault isolation.
func (r *Redirector) relay(ctx context.Context, inside, outside net.Conn) {
	if r.metrics != nil {
		r.metrics.RelayOpened()
	}
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error("relay child recovered from panic", zap.Any("panic", rec))
		}
		if r.metrics != nil {
			r.metrics.RelayClosed()
		}
	}()

	insideFile, insideFD, err := rawFD(inside)
	if err != nil {
		inside.Close()
		outside.Close()
		if r.log != nil {
			r.log.Error("relay: failed to obtain raw descriptor", zap.Error(err))
		}
		return
	}
	outsideFile, outsideFD, err := rawFD(outside)
	if err != nil {
		insideFile.Close()
		inside.Close()
		outside.Close()
		if r.log != nil {
			r.log.Error("relay: failed to obtain raw descriptor", zap.Error(err))
		}
		return
	}
	// The net.Conn values are now redundant with the dup'd raw files;
	// close them so only one descriptor per side is in play.
	inside.Close()
	outside.Close()
	defer insideFile.Close()
	defer outsideFile.Close()

	buf := make([]byte, relayBufferSize)
	pollFDs := []unix.PollFd{
		{Fd: int32(insideFD), Events: unix.POLLIN},
		{Fd: int32(outsideFD), Events: unix.POLLIN},
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFDs, int(pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if r.log != nil {
				r.log.Debug("relay: poll failed", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue // timeout; loop back to re-check ctx
		}

		if pollFDs[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return
		}
		if pollFDs[1].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return
		}

		if pollFDs[0].Revents&unix.POLLIN != 0 {
			if !r.forwardOnce(insideFD, outsideFD, buf) {
				return
			}
		}
		if pollFDs[1].Revents&unix.POLLIN != 0 {
			if !r.forwardOnce(outsideFD, insideFD, buf) {
				return
			}
		}
	}
}

// forwardOnce performs one non-blocking-sized read from src and, if any
// bytes were read, one blocking write of exactly those bytes to dst. A
// short read is normal — poll having fired only guarantees at least one
// byte is available, not a full buffer — and is forwarded as-is with no
// framing. Returns false when the relay must terminate.
func (r *Redirector) forwardOnce(src, dst int, buf []byte) bool {
	n, err := unix.Read(src, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return true
		}
		return false
	}
	if n == 0 {
		return false // peer shut down its write side
	}
	if err := writeAll(dst, buf[:n]); err != nil {
		return false
	}
	if r.metrics != nil {
		r.metrics.BytesForwarded(n)
	}
	return true
}

// writeAll blocks until every byte of buf has been written to fd or an
// error other than EINTR occurs.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// rawFD duplicates conn's underlying descriptor into a blocking os.File
// the relay loop can poll, read, and write directly. The caller takes
// ownership of the returned file and must close both it and the original
// conn.
func rawFD(conn net.Conn) (*os.File, int, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, -1, fmt.Errorf("connection type %T exposes no raw descriptor", conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, -1, err
	}
	return f, int(f.Fd()), nil
}
