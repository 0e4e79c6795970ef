package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/cachpachios/nodemanager/internal/wire"
)

type loopback struct {
	io.Reader
	io.Writer
}

func (loopback) Close() error { return nil }

func TestHostCommPumpLogSplitsOnNewline(t *testing.T) {
	var out bytes.Buffer
	comm := newHostComm(loopback{Reader: strings.NewReader("line one\nline two\npartial"), Writer: &out})

	done := make(chan struct{}, 1)
	comm.pumpLog(strings.NewReader("line one\nline two\npartial"), wire.LogStdout, done)
	<-done

	var lines []string
	for out.Len() > 0 {
		data, err := wire.ReadFrame(&out)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		pkt, err := wire.DecodeGuestPacket(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !pkt.IsLog() {
			t.Fatalf("expected log packet, got kind %d", pkt.Kind)
		}
		lines = append(lines, pkt.LogText)
	}

	want := []string{"line one", "line two", "partial"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
	_ = comm
}

func TestHostCommSendExited(t *testing.T) {
	var out bytes.Buffer
	comm := newHostComm(loopback{Reader: strings.NewReader(""), Writer: &out})
	comm.sendExited(wire.ExitContainerExited, 42)

	data, err := wire.ReadFrame(&out)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	pkt, err := wire.DecodeGuestPacket(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pkt.IsExited() || pkt.ExitKind != wire.ExitContainerExited || pkt.ExitCode != 42 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}

func TestExitCodeOfNonExitError(t *testing.T) {
	if code := exitCodeOf(io.ErrUnexpectedEOF); code != 1 {
		t.Fatalf("got %d, want 1", code)
	}
}
