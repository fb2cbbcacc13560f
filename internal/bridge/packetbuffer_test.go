package bridge

import (
	"bytes"
	"testing"
)

func TestSetPayloadAndRoundTrip(t *testing.T) {
	pb := NewPacketBuffer(1500)
	data := []byte("hello packet")
	pb.SetPayload(data)
	if !bytes.Equal(pb.Payload(), data) {
		t.Errorf("Payload() = %q, want %q", pb.Payload(), data)
	}
}

func TestGrowHeadWithinHeadroom(t *testing.T) {
	pb := NewPacketBuffer(1500)
	pb.SetPayload([]byte("body"))
	hdr := pb.GrowHead(4)
	copy(hdr, []byte("HEAD"))
	if !bytes.Equal(pb.Payload(), []byte("HEADbody")) {
		t.Errorf("Payload() = %q, want HEADbody", pb.Payload())
	}
}

func TestGrowTailWithinTailroom(t *testing.T) {
	pb := NewPacketBuffer(1500)
	pb.SetPayload([]byte("body"))
	tail := pb.GrowTail(4)
	copy(tail, []byte("TAIL"))
	if !bytes.Equal(pb.Payload(), []byte("bodyTAIL")) {
		t.Errorf("Payload() = %q, want bodyTAIL", pb.Payload())
	}
}

func TestGrowHeadPanicsBeyondHeadroom(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when growing past headroom")
		}
	}()
	pb := NewPacketBuffer(1500)
	pb.SetPayload([]byte("body"))
	pb.GrowHead(Headroom + 1)
}

func TestGrowTailPanicsBeyondTailroom(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when growing past tailroom")
		}
	}()
	pb := NewPacketBuffer(1500)
	pb.SetPayload([]byte("body"))
	pb.GrowTail(pb.Cap() - len(pb.Payload()) + Tailroom + 1)
}

func TestResetReclaimsDefaultOffset(t *testing.T) {
	pb := NewPacketBuffer(1500)
	pb.SetPayload([]byte("body"))
	pb.GrowHead(10)
	pb.Reset()
	if len(pb.Payload()) != 0 {
		t.Errorf("Payload() after Reset = %d bytes, want 0", len(pb.Payload()))
	}
	pb.SetPayload([]byte("again"))
	if !bytes.Equal(pb.Payload(), []byte("again")) {
		t.Errorf("Payload() = %q, want again", pb.Payload())
	}
}

func TestCapMatchesRequestedMax(t *testing.T) {
	pb := NewPacketBuffer(2000)
	if pb.Cap() != 2000 {
		t.Errorf("Cap() = %d, want 2000", pb.Cap())
	}
}
