// Package control implements the authenticated control channel the
// contained process exposes back to an out-of-band front end: a
// local-domain listener, a per-connection token handshake, and a
// command-code dispatch loop once authenticated.
package control

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// resultSuccess and resultFailure are the 4-byte network-order values
// written at the end of the awaiting-token state.
const (
	resultFailure uint32 = 0
	resultSuccess uint32 = 1
)

// closeCommand is the one command code the core itself understands:
// close this session. Every other code is application-layer vocabulary.
const closeCommand uint32 = 0

// Dispatcher handles command codes other than the core-reserved
// closeCommand. The exact vocabulary is an application-layer concern; the
// control package only guarantees commands are delivered in arrival order,
// one per read, for the lifetime of an authenticated session.
type Dispatcher interface {
	// Dispatch handles one command code. It returns false if the code is
	// not recognized, in which case the session logs and ignores it
	// without closing — per spec, an unknown command must not terminate
	// the session.
	Dispatch(code uint32) bool
}

// Metrics receives counts from the session state machine. A nil Metrics
// is a valid no-op target.
type Metrics interface {
	AuthSuccess()
	AuthFailure()
	SessionClosed()
}

// Server owns the control-channel listener and the token every session
// must present before its command loop opens.
type Server struct {
	socketPath string
	token      *Token
	dispatcher Dispatcher
	metrics    Metrics
	log        *zap.Logger
}

// NewServer constructs a Server. token and socketPath are required;
// dispatcher and metrics may be nil (a nil dispatcher rejects every
// command code as unrecognized).
func NewServer(socketPath string, token *Token, dispatcher Dispatcher, metrics Metrics, log *zap.Logger) (*Server, error) {
	if token == nil {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "control.NewServer", fmt.Errorf("nil token"))
	}
	if socketPath == "" {
		return nil, sandboxerr.New(sandboxerr.KindInvalidArgument, "control.NewServer", fmt.Errorf("empty socket path"))
	}
	return &Server{socketPath: socketPath, token: token, dispatcher: dispatcher, metrics: metrics, log: log}, nil
}

// Bind creates and chmods the local-domain listener without serving it.
// It exists so that the bootstrap sequencer can create the listener while
// it still has host filesystem access, hand the listener's descriptor
// across the re-exec into the contained process, and only then call Serve
// — mirroring how the original clone()-based design let the same open
// file descriptor survive into the contained process's address space.
func (s *Server) Bind() (*net.UnixListener, error) {
	_ = os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, sandboxerr.New(sandboxerr.KindIOFailure, "control.Server.Bind: listen", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return nil, sandboxerr.New(sandboxerr.KindIOFailure, "control.Server.Bind: chmod socket", err)
	}
	return listener.(*net.UnixListener), nil
}

// Run binds the local-domain listener and serves sessions until ctx is
// cancelled. Used directly by callers that do not need to hand the
// listener across a process boundary (tests, the simple network mode).
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.Bind()
	if err != nil {
		return err
	}
	defer listener.Close()
	return s.Serve(ctx, listener)
}

// Serve accepts sessions on an already-bound listener, one goroutine per
// connection, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.log != nil {
		s.log.Info("control channel listening", zap.String("socket", s.socketPath))
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.log != nil {
					s.log.Warn("control: accept failed", zap.Error(err))
				}
				continue
			}
		}
		go s.handleSession(conn)
	}
}

// handleSession runs one connection through the awaiting-token →
// authenticated → closed state machine. All I/O here is blocking, per
// spec — the control channel has no poll-based multiplexing and no
// timeouts.
func (s *Server) handleSession(conn net.Conn) {
	defer conn.Close()

	candidate := make([]byte, TokenLength)
	if _, err := io.ReadFull(conn, candidate); err != nil {
		s.finishAuth(conn, false)
		if s.metrics != nil {
			s.metrics.AuthFailure()
		}
		return
	}

	ok, err := s.token.Equal(candidate)
	if err != nil || !ok {
		s.finishAuth(conn, false)
		if s.metrics != nil {
			s.metrics.AuthFailure()
		}
		return
	}
	s.finishAuth(conn, true)
	if s.metrics != nil {
		s.metrics.AuthSuccess()
	}

	s.commandLoop(conn)
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
}

func (s *Server) finishAuth(conn net.Conn, success bool) {
	result := resultFailure
	if success {
		result = resultSuccess
	}
	var wire [4]byte
	binary.BigEndian.PutUint32(wire[:], result)
	_, _ = conn.Write(wire[:])
}

// commandLoop reads one 4-byte network-order command code at a time,
// strictly in arrival order, and dispatches each to s.dispatcher. Code 0
// ends the session; any read error ends it too.
func (s *Server) commandLoop(conn net.Conn) {
	var wire [4]byte
	for {
		if _, err := io.ReadFull(conn, wire[:]); err != nil {
			return
		}
		code := binary.BigEndian.Uint32(wire[:])
		if code == closeCommand {
			return
		}
		handled := false
		if s.dispatcher != nil {
			handled = s.dispatcher.Dispatch(code)
		}
		if !handled && s.log != nil {
			s.log.Warn("control: unrecognized command code, ignoring", zap.Uint32("code", code))
		}
	}
}
