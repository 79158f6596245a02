package endpoint

import "testing"

func TestResolveLoopback(t *testing.T) {
	f, err := Resolve("127.0.0.1", 9050, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.Base() == 0 {
		t.Fatal("Base() = 0")
	}
	if f.RecordedLength() != regionLen {
		t.Fatalf("RecordedLength() = %d, want %d", f.RecordedLength(), regionLen)
	}
	if f.TCPAddr().Port != 9050 {
		t.Fatalf("TCPAddr().Port = %d, want 9050", f.TCPAddr().Port)
	}
	if err := f.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestResolveUnknownHost(t *testing.T) {
	_, err := Resolve("this-host-does-not-resolve.invalid", 1, nil)
	if err == nil {
		t.Fatal("expected a resolution error")
	}
}
