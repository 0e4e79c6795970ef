// Package vmm drives a jailed VMM subprocess: spawning it under the
// jailer helper, waiting for its control socket, issuing configuration
// requests over that socket, and opening the host side of the
// guest-to-host byte channel. Grounded on the teacher's
// internal/firecracker/{vm.go,firecracker_api.go,wait_linux.go}, adapted
// from a fixed Firecracker-only manager tracking a live VM map into a
// single-instance driver composed by internal/machine per machine.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// JailUIDBase is added to a caller-supplied offset to derive the jailed
// process's uid/gid, matching the teacher's jail numbering scheme.
const JailUIDBase = 10_000

// SocketPollBudget is the total time budget spent polling for the VMM
// control socket to appear after spawn.
const SocketPollBudget = 1 * time.Millisecond

// GuestAcceptDeadline bounds how long the host waits for the guest's
// inbound byte-channel connection after boot.
const GuestAcceptDeadline = 500 * time.Millisecond

// Spec describes everything needed to spawn one jailed VMM instance.
type Spec struct {
	JailerBin    string
	VMMBin       string
	UIDOffset    uint32
	Metadata     []byte // optional, written as metadata.json in the jail root
	LogLevel     string
	ManifestPath string // optional YAML overlay, see LoadManifest
}

// Manifest is an optional, human-edited YAML overlay applied on top of a
// Spec before Spawn builds the jailer's argv. Operators drop one next to
// a VMM binary to tweak its jail args (extra cgroup/chroot flags, a
// different log level) without recompiling the JSON-configured daemon.
type Manifest struct {
	LogLevel  string   `yaml:"log_level"`
	ExtraArgs []string `yaml:"extra_args"`
}

// LoadManifest reads and parses a Manifest from path. A missing file is
// not an error: it returns a zero Manifest, since the overlay is
// optional.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("vmm: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("vmm: parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Handle is a spawned, jailed VMM instance. Exactly one byte channel and
// one control socket are associated with it.
type Handle struct {
	ID       string
	JailRoot string
	UID      int
	GID      int

	cmd        *exec.Cmd
	httpClient *http.Client
	socketPath string
	stdout     *bytes.Buffer
}

// Spawn invokes the jailer with the given spec, waits for the control
// socket to appear, and returns a Handle ready to receive configuration
// requests. The jail root is created before the process starts. If the
// control socket never appears, Spawn kills the process and removes the
// jail directory itself; once a Handle is returned, callers must call
// Cleanup on any later failure to avoid leaking the subprocess and
// directory.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	manifest, err := LoadManifest(spec.ManifestPath)
	if err != nil {
		return nil, err
	}
	logLevel := spec.LogLevel
	if manifest.LogLevel != "" {
		logLevel = manifest.LogLevel
	}

	id := uuid.NewString()
	jailRoot := filepath.Join("/srv/jailer", filepath.Base(spec.VMMBin), id, "root")
	if err := os.MkdirAll(jailRoot, 0o700); err != nil {
		return nil, fmt.Errorf("vmm: create jail root: %w", err)
	}

	uid := int(JailUIDBase + spec.UIDOffset)

	args := []string{
		"--id", id,
		"--exec-file", spec.VMMBin,
		"--uid", fmt.Sprintf("%d", uid),
		"--gid", fmt.Sprintf("%d", uid),
	}
	args = append(args, manifest.ExtraArgs...)
	if len(spec.Metadata) > 0 {
		metaPath := filepath.Join(jailRoot, "metadata.json")
		if err := os.WriteFile(metaPath, spec.Metadata, 0o600); err != nil {
			return nil, fmt.Errorf("vmm: write metadata: %w", err)
		}
		args = append(args, "--metadata", "metadata.json")
	}
	if logLevel != "" {
		args = append(args, "--", "--level", logLevel)
	}

	cmd := exec.CommandContext(ctx, spec.JailerBin, args...)
	cmd.Env = nil
	cmd.Stdin = nil
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stderr = devnull
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("vmm: start jailer: %w", err)
	}

	socketPath := filepath.Join(jailRoot, "run", "firecracker.socket")
	if err := waitForSocket(ctx, socketPath, SocketPollBudget); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = os.RemoveAll(filepath.Dir(jailRoot))
		return nil, fmt.Errorf("vmm: wait for control socket: %w", err)
	}

	return &Handle{
		ID:         id,
		JailRoot:   jailRoot,
		UID:        uid,
		GID:        uid,
		cmd:        cmd,
		httpClient: unixHTTPClient(socketPath),
		socketPath: socketPath,
		stdout:     &stdout,
	}, nil
}

// waitForSocket polls for socketPath to exist within budget. Firecracker
// creates the socket almost immediately after the jailer execs it, so a
// tight poll loop rather than an inotify watch is sufficient and keeps
// this package portable across hosts.
func waitForSocket(ctx context.Context, socketPath string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", socketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}

// Configure issues a PUT request with a JSON body to route on the VMM's
// control socket. Returns a structured error if the status is >= 400 or
// the request otherwise fails.
func (h *Handle) Configure(ctx context.Context, route string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("vmm: marshal %s body: %w", route, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://unix"+route, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vmm: %s: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vmm: %s: status %d: %s", route, resp.StatusCode, respBody)
	}
	return nil
}

// Start issues the InstanceStart action.
func (h *Handle) Start(ctx context.Context) error {
	return h.Configure(ctx, "/actions", map[string]string{"action_type": "InstanceStart"})
}

// RequestStop issues SendCtrlAltDel without waiting for the guest to
// actually shut down.
func (h *Handle) RequestStop(ctx context.Context) error {
	return h.Configure(ctx, "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
}

// EnableVsock configures the host-side byte channel once, before boot.
func (h *Handle) EnableVsock(ctx context.Context, udsPath string) error {
	return h.Configure(ctx, "/vsock", map[string]any{
		"guest_cid": uint32(0xFFFFFFFF),
		"uds_path":  udsPath,
	})
}

// OpenByteChannel binds the host-side listener for the guest's inbound
// connection at <jailRoot>/run/v.sock_<port> and chowns it to the jailed
// uid. Call EnableVsock first so the VMM knows to relay that port.
func (h *Handle) OpenByteChannel(port uint32) (net.Listener, string, error) {
	sockPath := filepath.Join(h.JailRoot, "run", fmt.Sprintf("v.sock_%d", port))
	_ = os.Remove(sockPath)
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, "", fmt.Errorf("vmm: listen %s: %w", sockPath, err)
	}
	if err := os.Chown(sockPath, h.UID, h.GID); err != nil {
		l.Close()
		return nil, "", fmt.Errorf("vmm: chown byte channel socket: %w", err)
	}
	return l, sockPath, nil
}

// AcceptGuestConnection accepts exactly one inbound connection on l
// within GuestAcceptDeadline.
func AcceptGuestConnection(l net.Listener, deadline time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(deadline):
		return nil, fmt.Errorf("vmm: timed out waiting for guest connection after %s", deadline)
	}
}

// CopyIntoJail copies src to <jailRoot>/<name> and chowns it to the
// jailed uid/gid, matching how the jailer expects referenced files
// (kernel image, rootfs, scratch drives) to already exist in its root.
func (h *Handle) CopyIntoJail(src, name string) (string, error) {
	dst := filepath.Join(h.JailRoot, name)
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("vmm: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("vmm: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("vmm: copy %s: %w", name, err)
	}
	if err := os.Chown(dst, h.UID, h.GID); err != nil {
		return "", fmt.Errorf("vmm: chown %s: %w", name, err)
	}
	return name, nil
}

// Stdout returns everything the VMM process has written to stdout so
// far, for diagnostics on boot failure.
func (h *Handle) Stdout() string {
	return h.stdout.String()
}

// Cleanup kills the child process if still alive and recursively
// removes the per-instance jail directory (the parent of JailRoot,
// i.e. /srv/jailer/<bin>/<id>).
func (h *Handle) Cleanup() error {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		_, _ = h.cmd.Process.Wait()
	}
	instanceDir := filepath.Dir(h.JailRoot)
	return os.RemoveAll(instanceDir)
}
