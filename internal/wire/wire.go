// Package wire implements the host↔guest control-channel framing: a
// u32 big-endian length prefix followed by a tagged binary payload. The
// tag byte mirrors the Rust source's bitcode enum discriminants; this
// package hand-rolls the same shape without pulling in a protobuf or
// bincode-equivalent dependency.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's payload to guard against
// unbounded allocation from a misbehaving or compromised peer.
const MaxFrameBytes = 4 << 20 // 4 MiB

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrFrameEmpty    = errors.New("wire: frame length is zero")
	ErrBadTag        = errors.New("wire: unknown packet tag")
)

// LogKind identifies the origin of a guest log line.
type LogKind uint8

const (
	LogSystem LogKind = iota
	LogStdout
	LogStderr
)

func (k LogKind) String() string {
	switch k {
	case LogSystem:
		return "system"
	case LogStdout:
		return "stdout"
	case LogStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// VMState is a coarse lifecycle marker the guest reports as it progresses.
type VMState uint8

const (
	StateOnline VMState = iota
	StatePullingContainerImage
	StateExecutingContainer
)

func (s VMState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StatePullingContainerImage:
		return "pulling_container_image"
	case StateExecutingContainer:
		return "executing_container"
	default:
		return "unknown"
	}
}

// ExitKind classifies how the guest's container process concluded.
type ExitKind uint8

const (
	ExitGracefulShutdown ExitKind = iota
	ExitFailedToPullContainerImage
	ExitContainerExited
)

// GuestPacket is one frame travelling guest → host.
type GuestPacket struct {
	Kind byte // tagPacketLog | tagPacketState | tagPacketExited

	// Log fields, valid when Kind == tagPacketLog.
	LogText      string
	LogTimestamp int64
	LogKind      LogKind

	// State fields, valid when Kind == tagPacketState.
	State     VMState
	StateTime int64

	// Exit fields, valid when Kind == tagPacketExited.
	ExitKind ExitKind
	ExitCode int32 // meaningful only when ExitKind == ExitContainerExited
}

const (
	tagPacketLog    byte = 1
	tagPacketState  byte = 2
	tagPacketExited byte = 3
)

// NewLog builds a Log guest packet.
func NewLog(text string, timestampMs int64, kind LogKind) GuestPacket {
	return GuestPacket{Kind: tagPacketLog, LogText: text, LogTimestamp: timestampMs, LogKind: kind}
}

// NewState builds a VmState guest packet.
func NewState(state VMState, timestampMs int64) GuestPacket {
	return GuestPacket{Kind: tagPacketState, State: state, StateTime: timestampMs}
}

// NewExited builds an Exited guest packet.
func NewExited(kind ExitKind, code int32) GuestPacket {
	return GuestPacket{Kind: tagPacketExited, ExitKind: kind, ExitCode: code}
}

// IsLog reports whether the packet carries a log record.
func (p GuestPacket) IsLog() bool { return p.Kind == tagPacketLog }

// IsState reports whether the packet carries a state transition.
func (p GuestPacket) IsState() bool { return p.Kind == tagPacketState }

// IsExited reports whether the packet carries an exit notification.
func (p GuestPacket) IsExited() bool { return p.Kind == tagPacketExited }

// HostPacket is the single host → guest variant: a shutdown request.
type HostPacket struct{}

// EncodeGuestPacket serializes a GuestPacket into its tagged binary form
// (without the length prefix).
func EncodeGuestPacket(p GuestPacket) []byte {
	switch p.Kind {
	case tagPacketLog:
		text := []byte(p.LogText)
		buf := make([]byte, 0, 1+8+1+4+len(text))
		buf = append(buf, tagPacketLog)
		buf = appendU64(buf, uint64(p.LogTimestamp))
		buf = append(buf, byte(p.LogKind))
		buf = appendU32(buf, uint32(len(text)))
		buf = append(buf, text...)
		return buf
	case tagPacketState:
		buf := make([]byte, 0, 1+1+8)
		buf = append(buf, tagPacketState)
		buf = append(buf, byte(p.State))
		buf = appendU64(buf, uint64(p.StateTime))
		return buf
	case tagPacketExited:
		buf := make([]byte, 0, 1+1+4)
		buf = append(buf, tagPacketExited)
		buf = append(buf, byte(p.ExitKind))
		buf = appendU32(buf, uint32(p.ExitCode))
		return buf
	default:
		panic(fmt.Sprintf("wire: unknown guest packet kind %d", p.Kind))
	}
}

// DecodeGuestPacket parses a tagged binary payload (without the length
// prefix) into a GuestPacket.
func DecodeGuestPacket(data []byte) (GuestPacket, error) {
	if len(data) < 1 {
		return GuestPacket{}, ErrFrameEmpty
	}
	tag := data[0]
	body := data[1:]
	switch tag {
	case tagPacketLog:
		if len(body) < 8+1+4 {
			return GuestPacket{}, fmt.Errorf("wire: truncated log packet")
		}
		ts := int64(binary.BigEndian.Uint64(body[:8]))
		kind := LogKind(body[8])
		n := binary.BigEndian.Uint32(body[9:13])
		rest := body[13:]
		if uint64(len(rest)) < uint64(n) {
			return GuestPacket{}, fmt.Errorf("wire: truncated log text")
		}
		text := string(rest[:n])
		return NewLog(text, ts, kind), nil
	case tagPacketState:
		if len(body) < 1+8 {
			return GuestPacket{}, fmt.Errorf("wire: truncated state packet")
		}
		state := VMState(body[0])
		ts := int64(binary.BigEndian.Uint64(body[1:9]))
		return NewState(state, ts), nil
	case tagPacketExited:
		if len(body) < 1+4 {
			return GuestPacket{}, fmt.Errorf("wire: truncated exited packet")
		}
		kind := ExitKind(body[0])
		code := int32(binary.BigEndian.Uint32(body[1:5]))
		return NewExited(kind, code), nil
	default:
		return GuestPacket{}, ErrBadTag
	}
}

// EncodeHostPacket serializes the (sole) host → guest variant.
func EncodeHostPacket(HostPacket) []byte {
	return []byte{tagHostShutdown}
}

const tagHostShutdown byte = 1

// DecodeHostPacket parses a host → guest frame.
func DecodeHostPacket(data []byte) (HostPacket, error) {
	if len(data) < 1 {
		return HostPacket{}, ErrFrameEmpty
	}
	if data[0] != tagHostShutdown {
		return HostPacket{}, ErrBadTag
	}
	return HostPacket{}, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Frame length zero or
// greater than MaxFrameBytes is treated as a dead-stream error: the
// caller must stop reading after this returns a non-nil error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuestPacket frames and writes a guest → host packet.
func WriteGuestPacket(w io.Writer, p GuestPacket) error {
	return WriteFrame(w, EncodeGuestPacket(p))
}

// ReadGuestPacket reads and decodes one guest → host frame.
func ReadGuestPacket(r io.Reader) (GuestPacket, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return GuestPacket{}, err
	}
	return DecodeGuestPacket(data)
}

// WriteHostPacket frames and writes a host → guest packet.
func WriteHostPacket(w io.Writer, p HostPacket) error {
	return WriteFrame(w, EncodeHostPacket(p))
}

// ReadHostPacket reads and decodes one host → guest frame.
func ReadHostPacket(r io.Reader) (HostPacket, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return HostPacket{}, err
	}
	return DecodeHostPacket(data)
}
