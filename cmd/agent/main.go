// Command agent is the in-guest supervisor: it runs as PID 1 inside the
// micro-VM, fetches its launch configuration from Firecracker's MMDS,
// pulls and extracts the requested container image, launches it under
// crun, pumps its stdio into the host byte channel, and reboots the
// guest once the container (or the pull) concludes. Grounded on
// original_source/instance/src/main.rs's thread/mpsc orchestration,
// translated into goroutines and channels, with the host connection
// dialed over a real AF_VSOCK socket (github.com/mdlayher/vsock)
// instead of the Rust vsock crate.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/cachpachios/nodemanager/internal/domain"
	"github.com/cachpachios/nodemanager/internal/guest/mmds"
	"github.com/cachpachios/nodemanager/internal/guest/registry"
	"github.com/cachpachios/nodemanager/internal/guest/runtimespec"
	"github.com/cachpachios/nodemanager/internal/wire"
)

const (
	crunBin       = "/bin/crun"
	containerName = "container"
	overlayRoot   = "/mnt/image"
	overlayUpper  = "/mnt/upper"
	overlayWork   = "/mnt/work"
	bundleRoot    = "/mnt/bundle"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("agent: panic, shutting down", "panic", r)
		}
		shutdown()
	}()

	if os.Getpid() != 1 {
		logger.Warn("agent: not running as PID 1, continuing anyway (NOVA_SKIP_INIT)")
	} else if os.Getenv("NOVA_SKIP_INIT") == "" {
		if err := runInit(); err != nil {
			logger.Error("agent: init failed", "error", err)
			return
		}
	}

	ctx := context.Background()

	mm, err := mmds.Connect(ctx)
	if err != nil {
		logger.Error("agent: mmds connect failed", "error", err)
		return
	}
	defer mm.Close()

	cfg, err := mm.GetContainerConfig(ctx)
	if err != nil {
		logger.Error("agent: fetch container config failed", "error", err)
		return
	}

	conn, err := vsock.Dial(vsock.Host, cfg.VsockPort, nil)
	if err != nil {
		logger.Error("agent: vsock dial failed", "error", err)
		return
	}
	defer conn.Close()

	comm := newHostComm(conn)
	comm.sendState(wire.StateOnline)

	shutdownRequested := make(chan struct{}, 1)
	go comm.readHostPackets(shutdownRequested)

	ref, err := domain.ParseReference(cfg.Image)
	if err != nil {
		comm.logSystem(fmt.Sprintf("invalid image reference %q: %v", cfg.Image, err))
		comm.sendExited(wire.ExitFailedToPullContainerImage, 0)
		return
	}

	comm.sendState(wire.StatePullingContainerImage)
	pull, err := registry.New().Pull(ctx, ref, overlayRoot, func(done, total int, digest string, bytes int64) {
		comm.logSystem(fmt.Sprintf("pulled layer %d/%d %s (%d bytes)", done, total, digest, bytes))
	})
	if err != nil {
		comm.logSystem(fmt.Sprintf("image pull failed: %v", err))
		comm.sendExited(wire.ExitFailedToPullContainerImage, 0)
		return
	}

	bundlePath, err := assembleBundle(pull, cfg)
	if err != nil {
		comm.logSystem(fmt.Sprintf("bundle assembly failed: %v", err))
		comm.sendExited(wire.ExitFailedToPullContainerImage, 0)
		return
	}

	comm.sendState(wire.StateExecutingContainer)
	runContainer(bundlePath, comm, shutdownRequested)
}

// assembleBundle mounts an overlayfs of pull's layer directories (joined
// into lowerdir in the manifest's declared order, base layer first) at
// <bundleRoot>/rootfs and writes the OCI runtime config.json next to it.
func assembleBundle(pull *registry.PullResult, cfg mmds.ContainerConfig) (string, error) {
	for _, dir := range []string{overlayUpper, overlayWork, bundleRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	rootfsDir := bundleRoot + "/rootfs"
	if err := os.MkdirAll(rootfsDir, 0755); err != nil {
		return "", err
	}
	if err := mountOverlay(pull.LayerDirs, overlayUpper, overlayWork, rootfsDir); err != nil {
		return "", fmt.Errorf("overlay mount: %w", err)
	}

	specBytes, err := runtimespec.Create(runtimespec.ImageConfig{
		Entrypoint: pull.Config.Config.Entrypoint,
		Cmd:        pull.Config.Config.Cmd,
		Env:        pull.Config.Config.Env,
	}, runtimespec.Overrides{
		AdditionalArgs: cfg.CmdArgs,
		AdditionalEnv:  cfg.Env,
	})
	if err != nil {
		return "", fmt.Errorf("build runtime spec: %w", err)
	}
	if err := os.WriteFile(bundleRoot+"/config.json", specBytes, 0644); err != nil {
		return "", fmt.Errorf("write config.json: %w", err)
	}
	return bundleRoot, nil
}

// runContainer spawns crun and pumps its stdio into comm until the
// process exits or the host requests a graceful shutdown, mirroring
// main.rs's spawn/wait/signal-on-shutdown sequencing: the first signal
// received on either channel determines what happens next, and a
// shutdown request triggers `crun kill` followed by a second wait for
// the container's real exit code.
func runContainer(bundlePath string, comm *hostComm, shutdownRequested <-chan struct{}) {
	cmd := exec.Command(crunBin, "run", "--bundle", bundlePath, containerName)
	cmd.Dir = bundlePath
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		comm.logSystem(fmt.Sprintf("crun stdout pipe: %v", err))
		comm.sendExited(wire.ExitContainerExited, 1)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		comm.logSystem(fmt.Sprintf("crun stderr pipe: %v", err))
		comm.sendExited(wire.ExitContainerExited, 1)
		return
	}

	if err := cmd.Start(); err != nil {
		comm.logSystem(fmt.Sprintf("crun start: %v", err))
		comm.sendExited(wire.ExitContainerExited, 1)
		return
	}

	pumpDone := make(chan struct{}, 2)
	go comm.pumpLog(stdout, wire.LogStdout, pumpDone)
	go comm.pumpLog(stderr, wire.LogStderr, pumpDone)

	exitCh := make(chan int, 1)
	go func() {
		code := 0
		if err := cmd.Wait(); err != nil {
			code = exitCodeOf(err)
		}
		exitCh <- code
	}()

	select {
	case code := <-exitCh:
		<-pumpDone
		<-pumpDone
		comm.sendExited(wire.ExitContainerExited, int32(code))
	case <-shutdownRequested:
		_ = exec.Command(crunBin, "kill", containerName).Run()
		code := <-exitCh
		<-pumpDone
		<-pumpDone
		comm.sendExited(wire.ExitContainerExited, int32(code))
	}
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func shutdown() {
	rebootSystem()
}

// hostComm wraps the vsock connection with the framed write helpers
// main.rs's host.rs provides (log_system_message, write). writeMu
// serializes every write onto the byte channel: each framed write is
// two conn.Write calls (length prefix, then payload, via
// wire.WriteFrame), and pumpLog runs one goroutine per container
// stream (stdout, stderr) concurrently, so writes must be serialized
// the same way host.rs/main.rs share comm behind a mutex.
type hostComm struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
}

func newHostComm(conn io.ReadWriteCloser) *hostComm {
	return &hostComm{conn: conn}
}

func (c *hostComm) logSystem(msg string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = wire.WriteGuestPacket(c.conn, wire.NewLog(msg, time.Now().UnixMilli(), wire.LogSystem))
}

func (c *hostComm) sendState(s wire.VMState) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = wire.WriteGuestPacket(c.conn, wire.NewState(s, time.Now().UnixMilli()))
}

func (c *hostComm) sendExited(kind wire.ExitKind, code int32) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = wire.WriteGuestPacket(c.conn, wire.NewExited(kind, code))
}

// readHostPackets loops reading host → guest frames and signals
// shutdownRequested exactly once when a Shutdown packet arrives or the
// connection closes.
func (c *hostComm) readHostPackets(shutdownRequested chan<- struct{}) {
	for {
		if _, err := wire.ReadHostPacket(c.conn); err != nil {
			select {
			case shutdownRequested <- struct{}{}:
			default:
			}
			return
		}
		select {
		case shutdownRequested <- struct{}{}:
		default:
		}
	}
}

// pumpLog reads r line by line and forwards each complete line as a Log
// packet, matching host.rs's spawn_pipe_to_log buffering: lines are
// flushed on newline, and an oversized line without one is truncated
// with a literal marker rather than buffered forever.
func (c *hostComm) pumpLog(r io.Reader, kind wire.LogKind, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	const softCap = 2 * 1024
	buf := make([]byte, 0, softCap+1024)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := bytes.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				line := string(buf[:i])
				buf = buf[i+1:]
				c.writeMu.Lock()
				_ = wire.WriteGuestPacket(c.conn, wire.NewLog(line, time.Now().UnixMilli(), kind))
				c.writeMu.Unlock()
			}
			if len(buf) > softCap+1024 {
				c.writeMu.Lock()
				_ = wire.WriteGuestPacket(c.conn, wire.NewLog(string(buf)+"???truncated???", time.Now().UnixMilli(), kind))
				c.writeMu.Unlock()
				buf = buf[:0]
			}
		}
		if err != nil {
			if len(buf) > 0 {
				c.writeMu.Lock()
				_ = wire.WriteGuestPacket(c.conn, wire.NewLog(string(buf), time.Now().UnixMilli(), kind))
				c.writeMu.Unlock()
			}
			return
		}
	}
}
