// Package machine composes a VMM handle, an owned network stack, and a
// communicator into the single exclusively-owned unit the node manager
// tracks per provisioned instance. Grounded on the teacher's
// internal/firecracker/vm.go CreateVM/StopVM/monitorProcess shape and on
// original_source/nodemanager/src/machine/machine.rs's new/shutdown
// contract.
package machine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/cachpachios/nodemanager/internal/communicator"
	"github.com/cachpachios/nodemanager/internal/logs"
	"github.com/cachpachios/nodemanager/internal/metrics"
	"github.com/cachpachios/nodemanager/internal/netstack"
	"github.com/cachpachios/nodemanager/internal/vmm"
)

// Spec describes a machine to be provisioned.
type Spec struct {
	Image    string
	VCPUs    int
	MemoryMB int
	Env      map[string]string
	CmdArgs  []string
}

// Overrides carries host-side paths that don't vary per machine.
type Overrides struct {
	JailerBin      string
	VMMBin         string
	KernelPath     string
	RootfsPath     string
	VMMLogLevel    string
	ManifestPath   string
	ScratchSizeMB  int
	DebugConsole   bool
}

// containerMetadata is the JSON document written into the jail root and
// served by Firecracker's MMDS at /latest/container.
type containerMetadata struct {
	Latest struct {
		Container struct {
			Image     string            `json:"image"`
			CmdArgs   []string          `json:"cmd_args,omitempty"`
			Env       map[string]string `json:"env,omitempty"`
			VsockPort uint32            `json:"vsock_port"`
		} `json:"container"`
	} `json:"latest"`
}

// Machine aggregates everything a single provisioned instance owns.
// Ownership is exclusive: a Machine is never cloned or shared beyond the
// node manager's table entry for it.
type Machine struct {
	ID   string
	UID  uint32
	vmm  *vmm.Handle
	net  *netstack.Stack
	comm *communicator.Communicator
}

// New spawns a jailed VMM instance for spec, attaches net's TAP device,
// boots it, accepts the guest's inbound byte-channel connection within
// vmm.GuestAcceptDeadline, and returns the resulting Machine together
// with its exit watcher.
func New(ctx context.Context, id string, uidOffset uint32, spec Spec, net *netstack.Stack, ov Overrides) (*Machine, <-chan communicator.Exit, error) {
	port, err := randomVsockPort()
	if err != nil {
		return nil, nil, fmt.Errorf("machine: generate vsock port: %w", err)
	}

	meta := containerMetadata{}
	meta.Latest.Container.Image = spec.Image
	meta.Latest.Container.CmdArgs = spec.CmdArgs
	meta.Latest.Container.Env = spec.Env
	meta.Latest.Container.VsockPort = port
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("machine: marshal metadata: %w", err)
	}

	h, err := vmm.Spawn(ctx, vmm.Spec{
		JailerBin:    ov.JailerBin,
		VMMBin:       ov.VMMBin,
		UIDOffset:    uidOffset,
		Metadata:     metaJSON,
		LogLevel:     ov.VMMLogLevel,
		ManifestPath: ov.ManifestPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("machine: spawn vmm: %w", err)
	}
	bootStart := time.Now()

	if err := configureAndBoot(ctx, h, spec, net, ov, port); err != nil {
		h.Cleanup()
		return nil, nil, err
	}

	listener, _, err := h.OpenByteChannel(port)
	if err != nil {
		h.Cleanup()
		return nil, nil, err
	}
	defer listener.Close()

	if err := h.Start(ctx); err != nil {
		h.Cleanup()
		return nil, nil, fmt.Errorf("machine: start vmm: %w", err)
	}

	conn, err := vmm.AcceptGuestConnection(listener, vmm.GuestAcceptDeadline)
	if err != nil {
		h.Cleanup()
		return nil, nil, fmt.Errorf("machine: %w", err)
	}
	metrics.RecordVMBootDuration(time.Since(bootStart))

	comm := communicator.New(conn)

	m := &Machine{ID: id, UID: uidOffset, vmm: h, net: net, comm: comm}
	return m, comm.ExitWatcher(), nil
}

func configureAndBoot(ctx context.Context, h *vmm.Handle, spec Spec, net *netstack.Stack, ov Overrides, port uint32) error {
	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	mem := spec.MemoryMB
	if mem <= 0 {
		mem = 128
	}
	if err := h.Configure(ctx, "/machine-config", map[string]any{
		"vcpu_count":   vcpus,
		"mem_size_mib": mem,
	}); err != nil {
		return err
	}

	slot := net.Slot()
	bootArgs := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off init=/init quiet ip=%s::%s:255.255.255.252::eth0:off",
		slot.Guest, slot.Gateway,
	)
	if !ov.DebugConsole {
		bootArgs = fmt.Sprintf(
			"reboot=k panic=1 pci=off init=/init quiet ip=%s::%s:255.255.255.252::eth0:off",
			slot.Guest, slot.Gateway,
		)
	}
	kernelName, err := h.CopyIntoJail(ov.KernelPath, "kernel.img")
	if err != nil {
		return err
	}
	if err := h.Configure(ctx, "/boot-source", map[string]any{
		"kernel_image_path": filepath.Join("/", kernelName),
		"boot_args":         bootArgs,
	}); err != nil {
		return err
	}

	rootfsName, err := h.CopyIntoJail(ov.RootfsPath, "root.fs")
	if err != nil {
		return err
	}
	if err := h.Configure(ctx, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   filepath.Join("/", rootfsName),
		"is_root_device": true,
		"is_read_only":   true,
	}); err != nil {
		return err
	}

	scratchName, err := h.CopyIntoJail(ov.RootfsPath, "scratch.fs")
	if err == nil {
		_ = h.Configure(ctx, "/drives/scratch", map[string]any{
			"drive_id":       "scratch",
			"path_on_host":   filepath.Join("/", scratchName),
			"is_root_device": false,
			"is_read_only":   false,
		})
	}

	if err := h.Configure(ctx, "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"host_dev_name": slot.TAP,
	}); err != nil {
		return err
	}

	if err := h.Configure(ctx, "/mmds/config", map[string]any{
		"ipv4_address":       "169.254.169.254",
		"network_interfaces": []string{"eth0"},
		"version":            "V2",
	}); err != nil {
		return err
	}

	if err := h.EnableVsock(ctx, "/run/v.sock"); err != nil {
		return err
	}
	return nil
}

func randomVsockPort() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(buf[:])
	// [3, u32::MAX - 1]
	v = v%(math.MaxUint32-3) + 3
	return v, nil
}

// Shutdown sends a Shutdown packet and waits up to deadline for the
// reader loop to observe the guest's exit before proceeding to forceful
// cleanup. If deadline is zero, forceful cleanup happens immediately.
// The caller's network stack is always returned to them for reclaiming,
// regardless of which path was taken.
func (m *Machine) Shutdown(deadline time.Duration) *netstack.Stack {
	if deadline > 0 {
		_ = m.comm.SendShutdown()
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-m.comm.ExitWatcher():
		case <-timer.C:
		}
	}
	_ = m.comm.Close()
	_ = m.vmm.Cleanup()
	return m.net
}

// GetAndSubscribeToLogs delegates to the communicator.
func (m *Machine) GetAndSubscribeToLogs() ([]logs.Record, <-chan logs.Record) {
	return m.comm.GetAndSubscribeToLogs()
}

// GetLogs returns the snapshot only.
func (m *Machine) GetLogs() []logs.Record {
	return m.comm.GetLogs()
}

// NetStack exposes the owned network stack for port-publish operations.
func (m *Machine) NetStack() *netstack.Stack {
	return m.net
}
