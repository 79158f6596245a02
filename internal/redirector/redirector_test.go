package redirector

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sandboxcore/sandboxcore/internal/endpoint"
	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

func TestNewRejectsNilEndpoint(t *testing.T) {
	_, err := New(nil, "/tmp/x.sock", nil, nil, nil)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid-argument", err)
	}
}

func TestNewRejectsEmptySocketPath(t *testing.T) {
	ep, err := endpoint.Resolve("127.0.0.1", 9050, nil)
	if err != nil {
		t.Fatalf("endpoint.Resolve: %v", err)
	}
	_, err = New(ep, "", nil, nil, nil)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("error = %v, want invalid-argument", err)
	}
}

// fakeLimiter denies every Nth call, letting tests exercise the
// accept-loop throttle path without a real budget bucket.
type fakeLimiter struct{ allow bool }

func (f *fakeLimiter) Consume(int) bool { return f.allow }

// countingMetrics records call counts so tests can assert on relay
// lifecycle without depending on the observability package.
type countingMetrics struct {
	opened, closed, bytes, connectFail, acceptFail int
}

func (m *countingMetrics) ConnectFailure()      { m.connectFail++ }
func (m *countingMetrics) AcceptFailure()        { m.acceptFail++ }
func (m *countingMetrics) RelayOpened()          { m.opened++ }
func (m *countingMetrics) RelayClosed()          { m.closed++ }
func (m *countingMetrics) BytesForwarded(n int) { m.bytes += n }

// TestRelayTransparency exercises Scenario F end to end: a byte string
// written on the local-domain (inside) socket arrives unchanged, in
// order, on a TCP listener standing in for the proxy (outside).
func TestRelayTransparency(t *testing.T) {
	proxyLn, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	defer proxyLn.Close()

	proxyAddr := proxyLn.Addr().(*net.TCPAddr)
	ep, err := endpoint.Resolve("127.0.0.1", proxyAddr.Port, nil)
	if err != nil {
		t.Fatalf("endpoint.Resolve: %v", err)
	}

	sockPath := filepath.Join(t.TempDir(), "redirector.sock")
	metrics := &countingMetrics{}
	log := zaptest.NewLogger(t)
	rd, err := New(ep, sockPath, nil, metrics, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- rd.Run(ctx, readyW) }()

	readyBuf := make([]byte, 1)
	if n, _ := readyR.Read(readyBuf); n != 0 {
		t.Fatalf("expected EOF on readiness pipe, read %d bytes", n)
	}
	readyR.Close()

	proxyAcceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := proxyLn.Accept()
		if err != nil {
			proxyAcceptedCh <- nil
			return
		}
		proxyAcceptedCh <- c
	}()

	client, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial redirector socket: %v", err)
	}
	defer client.Close()

	payload := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\n\n")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write to redirector: %v", err)
	}

	proxyConn := <-proxyAcceptedCh
	if proxyConn == nil {
		t.Fatal("proxy never accepted a connection")
	}
	defer proxyConn.Close()

	proxyConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(payload))
	readTotal := 0
	for readTotal < len(got) {
		n, err := proxyConn.Read(got[readTotal:])
		if err != nil {
			t.Fatalf("read from proxy side: %v", err)
		}
		readTotal += n
	}
	if string(got) != string(payload) {
		t.Fatalf("relayed payload = %q, want %q", got, payload)
	}

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestAcceptLoopRestartsAfterDialFailure(t *testing.T) {
	// A frozen endpoint pointed at a port nothing listens on forces every
	// dial to fail; Run must keep looping rather than returning.
	ep, err := endpoint.Resolve("127.0.0.1", 1, nil)
	if err != nil {
		t.Fatalf("endpoint.Resolve: %v", err)
	}
	sockPath := filepath.Join(t.TempDir(), "redirector.sock")
	metrics := &countingMetrics{}
	rd, err := New(ep, sockPath, nil, metrics, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = rd.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.connectFail == 0 {
		t.Fatal("expected at least one recorded connect failure")
	}
}
