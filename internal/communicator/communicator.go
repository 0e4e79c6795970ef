// Package communicator owns the host-side end of the guest byte channel:
// it demultiplexes inbound framed packets into a log/state ring and
// fans out the observed exit to a one-shot watcher. Grounded on the
// teacher's internal/firecracker/vsock.go reader-loop pattern, rebuilt
// around internal/wire's packet shapes and internal/logs's ring instead
// of the teacher's request/response RPC framing.
package communicator

import (
	"io"
	"sync"
	"time"

	"github.com/cachpachios/nodemanager/internal/logging"
	"github.com/cachpachios/nodemanager/internal/logs"
	"github.com/cachpachios/nodemanager/internal/metrics"
	"github.com/cachpachios/nodemanager/internal/wire"
)

// ExitKind is the guest's reported reason for its byte channel closing,
// translated from wire.ExitKind with an extra Unknown member for the
// case where the channel died without ever sending Exited.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitGraceful
	ExitFailedToPullImage
	ExitContainerExited
)

// Exit is the terminal observation delivered on the one-shot watcher
// channel when the reader loop ends.
type Exit struct {
	Kind ExitKind
	Code int32
}

// ReadWriteCloser is the byte-channel connection contract; satisfied by
// net.Conn.
type ReadWriteCloser interface {
	io.Reader
	io.Writer
	io.Closer
}

// Communicator owns one machine's control-channel connection, its
// log/state ring, and the exit watcher that fires when the reader loop
// observes the channel close.
type Communicator struct {
	conn ReadWriteCloser
	ring *logs.Ring

	writeMu sync.Mutex
	exitCh  chan Exit
	once    sync.Once
}

// New spawns the reader task over conn and returns the Communicator
// immediately; the reader runs until the channel closes or a decode
// error occurs.
func New(conn ReadWriteCloser) *Communicator {
	c := &Communicator{
		conn:   conn,
		ring:   logs.NewRing(),
		exitCh: make(chan Exit, 1),
	}
	go c.readLoop()
	return c
}

// ExitWatcher returns the channel that receives exactly one Exit when
// the reader loop ends.
func (c *Communicator) ExitWatcher() <-chan Exit {
	return c.exitCh
}

func (c *Communicator) readLoop() {
	exit := Exit{Kind: ExitUnknown}
	for {
		data, err := wire.ReadFrame(c.conn)
		if err != nil {
			break
		}
		pkt, err := wire.DecodeGuestPacket(data)
		if err != nil {
			logging.Op().Warn("communicator: decode error, ending reader loop", "error", err)
			break
		}

		now := time.Now().UnixMilli()
		switch {
		case pkt.IsLog():
			c.ring.Push(logs.Record{
				Kind:      logs.KindLog,
				Timestamp: pkt.LogTimestamp,
				Text:      pkt.LogText,
				Level:     logs.LogLevel(pkt.LogKind),
			})
		case pkt.IsState():
			c.ring.Push(logs.Record{
				Kind:      logs.KindState,
				Timestamp: pkt.StateTime,
				State:     logs.VMState(pkt.State),
			})
			metrics.RecordVsockLatency("state", float64(time.Now().UnixMilli()-now))
		case pkt.IsExited():
			exit = translateExit(pkt)
			c.ring.Close()
			c.finish(exit)
			return
		}
	}
	c.ring.Close()
	c.finish(exit)
}

func (c *Communicator) finish(exit Exit) {
	c.once.Do(func() {
		c.exitCh <- exit
		close(c.exitCh)
	})
}

func translateExit(pkt wire.GuestPacket) Exit {
	switch pkt.ExitKind {
	case wire.ExitGracefulShutdown:
		return Exit{Kind: ExitGraceful}
	case wire.ExitFailedToPullContainerImage:
		return Exit{Kind: ExitFailedToPullImage}
	default:
		return Exit{Kind: ExitContainerExited, Code: pkt.ExitCode}
	}
}

// GetAndSubscribeToLogs atomically snapshots the ring and registers a
// new subscriber, guaranteeing no record is both absent from the
// snapshot and missed by the subscriber.
func (c *Communicator) GetAndSubscribeToLogs() ([]logs.Record, <-chan logs.Record) {
	return c.ring.SnapshotWithSubscribe()
}

// GetLogs returns the current ring snapshot only.
func (c *Communicator) GetLogs() []logs.Record {
	return c.ring.Snapshot()
}

// SendShutdown frame-encodes a host Shutdown packet and flushes it to
// the guest. Safe to call concurrently with the reader loop and with
// itself: writes are serialized by writeMu.
func (c *Communicator) SendShutdown() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteHostPacket(c.conn, wire.HostPacket{})
}

// Close closes the underlying connection, which unblocks the reader
// loop's pending read with an error.
func (c *Communicator) Close() error {
	return c.conn.Close()
}
