package wire

import (
	"bytes"
	"testing"
)

func TestGuestPacketRoundTrip(t *testing.T) {
	cases := []GuestPacket{
		NewLog("hello world", 1000, LogStdout),
		NewLog("", 0, LogSystem),
		NewState(StatePullingContainerImage, 42),
		NewExited(ExitContainerExited, 137),
		NewExited(ExitGracefulShutdown, 0),
	}
	for _, want := range cases {
		data := EncodeGuestPacket(want)
		got, err := DecodeGuestPacket(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestHostPacketRoundTrip(t *testing.T) {
	data := EncodeHostPacket(HostPacket{})
	got, err := DecodeHostPacket(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != (HostPacket{}) {
		t.Fatalf("unexpected host packet: %+v", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pkt := NewLog("line one", 123, LogStderr)
	if err := WriteGuestPacket(&buf, pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadGuestPacket(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != pkt {
		t.Fatalf("got %+v want %+v", got, pkt)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); err != ErrFrameEmpty {
		t.Fatalf("expected ErrFrameEmpty, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeGuestPacketBadTag(t *testing.T) {
	if _, err := DecodeGuestPacket([]byte{0xEE}); err != ErrBadTag {
		t.Fatalf("expected ErrBadTag, got %v", err)
	}
}
