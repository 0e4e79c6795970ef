//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// runInit performs the PID-1 mount and sysctl sequence translated from
// original_source/instance/src/init.rs: proc/sysfs/tmpfs/devpts/cgroup2
// mounts, the ext4-formatted scratch disk at /mnt, a fresh session via
// setsid, and the two sysctls the in-guest container needs (unprivileged
// port binding and IP forwarding for any guest-side NAT).
func runInit() error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
		data                   string
	}{
		{"proc", "/proc", "proc", 0, ""},
		{"sysfs", "/sys", "sysfs", 0, ""},
		{"tmpfs", "/run", "tmpfs", 0, ""},
		{"tmpfs", "/var/run", "tmpfs", 0, ""},
		{"devpts", "/dev/pts", "devpts", 0, ""},
		{"cgroup2", "/sys/fs/cgroup", "cgroup2", 0, ""},
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("agent: mkdir %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("agent: mount %s at %s: %w", m.fstype, m.target, err)
		}
	}

	if err := exec.Command("mke2fs", "-t", "ext4", "-O", "^has_journal", "/dev/vdb").Run(); err != nil {
		return fmt.Errorf("agent: mke2fs /dev/vdb: %w", err)
	}
	if err := os.MkdirAll("/mnt", 0755); err != nil {
		return fmt.Errorf("agent: mkdir /mnt: %w", err)
	}
	if err := unix.Mount("/dev/vdb", "/mnt", "ext4", 0, ""); err != nil {
		return fmt.Errorf("agent: mount /dev/vdb at /mnt: %w", err)
	}

	if _, err := unix.Setsid(); err != nil && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("agent: setsid: %w", err)
	}

	if err := writeSysctl("net.ipv4.ip_unprivileged_port_start", "0"); err != nil {
		return err
	}
	if err := writeSysctl("net.ipv4.ip_forward", "1"); err != nil {
		return err
	}

	return nil
}

func writeSysctl(key, value string) error {
	path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("agent: sysctl %s=%s: %w", key, value, err)
	}
	return nil
}

// mountOverlay merges layerDirs into merged via overlayfs, backed by
// upper/work for the writable layer crun expects as the container's
// rootfs. layerDirs is joined as-is, in manifest order.
func mountOverlay(layerDirs []string, upper, work, merged string) error {
	if len(layerDirs) == 0 {
		return fmt.Errorf("agent: no layer directories to mount")
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(layerDirs, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return fmt.Errorf("agent: overlay mount at %s: %w", merged, err)
	}
	return nil
}

func rebootSystem() {
	unix.Sync()
	_ = unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}
