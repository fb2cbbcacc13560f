package bridge

import (
	"bytes"
	"testing"
)

func TestNewPairRoundTrip(t *testing.T) {
	app, lib, err := NewPair()
	if err != nil {
		t.Skipf("socketpair(SOCK_SEQPACKET) unavailable on this platform: %v", err)
	}
	defer app.Close()
	defer lib.Close()

	msg := []byte("packet one")
	if err := app.WritePacket(msg); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	buf := make([]byte, 1500)
	n, err := lib.ReadPacket(buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("got %q, want %q", buf[:n], msg)
	}
}

func TestNewPairClosePropagates(t *testing.T) {
	app, lib, err := NewPair()
	if err != nil {
		t.Skipf("socketpair(SOCK_SEQPACKET) unavailable on this platform: %v", err)
	}
	defer lib.Close()

	if err := app.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 64)
	if _, err := lib.ReadPacket(buf); err == nil {
		t.Error("expected read error after peer closed")
	}
}
