package control

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// recordingDispatcher remembers every code it was asked to handle.
type recordingDispatcher struct {
	codes    []uint32
	handles  map[uint32]bool
}

func (d *recordingDispatcher) Dispatch(code uint32) bool {
	d.codes = append(d.codes, code)
	return d.handles[code]
}

func startServer(t *testing.T, tok *Token, disp Dispatcher) (sockPath string, stop func()) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "control.sock")
	srv, err := NewServer(sockPath, tok, disp, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	// Give the listener a moment to bind.
	for i := 0; i < 50; i++ {
		if _, err := net.Dial("unix", sockPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return sockPath, func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Fatal("Server.Run did not return after cancel")
		}
	}
}

func TestScenarioAuthenticationSuccess(t *testing.T) {
	tok, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	defer tok.Release()

	sockPath, stop := startServer(t, tok, nil)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(tok.Bytes()); err != nil {
		t.Fatalf("write token: %v", err)
	}
	var reply [4]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if binary.BigEndian.Uint32(reply[:]) != resultSuccess {
		t.Fatalf("auth reply = %v, want success", reply)
	}

	var closeWire [4]byte
	binary.BigEndian.PutUint32(closeWire[:], closeCommand)
	if _, err := conn.Write(closeWire[:]); err != nil {
		t.Fatalf("write close command: %v", err)
	}

	buf := make([]byte, 1)
	n, _ := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected EOF after close command, got %d bytes", n)
	}
}

func TestScenarioAuthenticationFailure(t *testing.T) {
	tok, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	defer tok.Release()

	sockPath, stop := startServer(t, tok, nil)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	wrong := append([]byte(nil), tok.Bytes()...)
	wrong[len(wrong)-1] ^= 0x01
	if _, err := conn.Write(wrong); err != nil {
		t.Fatalf("write wrong token: %v", err)
	}

	var reply [4]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if binary.BigEndian.Uint32(reply[:]) != resultFailure {
		t.Fatalf("auth reply = %v, want failure", reply)
	}

	buf := make([]byte, 1)
	n, _ := conn.Read(buf)
	if n != 0 {
		t.Fatal("expected connection closed after authentication failure")
	}
}

func TestUnknownCommandCodeDoesNotCloseSession(t *testing.T) {
	tok, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	defer tok.Release()

	disp := &recordingDispatcher{handles: map[uint32]bool{}}
	sockPath, stop := startServer(t, tok, disp)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(tok.Bytes()); err != nil {
		t.Fatalf("write token: %v", err)
	}
	var reply [4]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}

	var unknownWire [4]byte
	binary.BigEndian.PutUint32(unknownWire[:], 9999)
	if _, err := conn.Write(unknownWire[:]); err != nil {
		t.Fatalf("write unknown command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	probe := make([]byte, 1)
	if _, err := conn.Read(probe); err == nil {
		t.Fatal("connection produced data after an unknown command; expected it to stay open and silent")
	}

	var closeWire [4]byte
	binary.BigEndian.PutUint32(closeWire[:], closeCommand)
	conn.SetReadDeadline(time.Time{})
	if _, err := conn.Write(closeWire[:]); err != nil {
		t.Fatalf("write close command: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
