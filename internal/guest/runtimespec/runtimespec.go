// Package runtimespec synthesizes the OCI runtime config.json consumed
// by crun, translating original_source/nodeagent/src/containers/rt.rs's
// oci_spec-based builder (SpecBuilder/ProcessBuilder/RootBuilder/
// LinuxBuilder) into a plain Go struct tree encoded with encoding/json.
// No pack example wires an OCI runtime-spec types library for this
// narrow a surface, so the fields are hand-declared here rather than
// pulled from an unlisted dependency; see DESIGN.md.
package runtimespec

import "encoding/json"

// defaultCapabilities mirrors rt.rs's DEFAULT_CAPS, minus network
// namespace support (not enabled in the original either).
var defaultCapabilities = []string{
	"CAP_AUDIT_WRITE",
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_FSETID",
	"CAP_KILL",
	"CAP_MKNOD",
	"CAP_NET_BIND_SERVICE",
	"CAP_NET_RAW",
	"CAP_SETFCAP",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SYS_CHROOT",
}

// defaultNamespaces mirrors rt.rs's DEFAULT_NAMESPACES: mount, pid,
// ipc, uts, cgroup. User and network namespaces are left disabled.
var defaultNamespaces = []string{"mount", "pid", "ipc", "uts", "cgroup"}

// Overrides carries the launch-time additions to an image's baked-in
// entrypoint/cmd/env, mirroring rt.rs's RuntimeOverrides.
type Overrides struct {
	AdditionalArgs []string
	AdditionalEnv  map[string]string
	Terminal       bool
}

// ImageConfig is the minimal slice of an OCI image configuration this
// package reads: entrypoint, cmd, and baked-in env.
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
}

type spec struct {
	OCIVersion string  `json:"ociVersion"`
	Process    process `json:"process"`
	Root       root    `json:"root"`
	Hostname   string  `json:"hostname"`
	Linux      linux   `json:"linux"`
}

type process struct {
	Terminal     bool         `json:"terminal"`
	Args         []string     `json:"args"`
	Env          []string     `json:"env"`
	Cwd          string       `json:"cwd"`
	Capabilities capabilities `json:"capabilities"`
}

type capabilities struct {
	Effective   []string `json:"effective"`
	Bounding    []string `json:"bounding"`
	Inheritable []string `json:"inheritable"`
	Permitted   []string `json:"permitted"`
	Ambient     []string `json:"ambient"`
}

type root struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type linux struct {
	Namespaces  []namespace `json:"namespaces"`
	UIDMappings []idMapping `json:"uidMappings"`
	GIDMappings []idMapping `json:"gidMappings"`
}

type namespace struct {
	Type string `json:"type"`
}

type idMapping struct {
	ContainerID uint32 `json:"containerID"`
	HostID      uint32 `json:"hostID"`
	Size        uint32 `json:"size"`
}

const ociVersion = "1.0.2"

// Create synthesizes config.json's bytes for image, applying overrides
// the same way rt.rs's create_runtime_spec does: explicit additional
// args replace cmd when present and are appended to the entrypoint;
// otherwise the image's own cmd (or entrypoint alone, or "/bin/sh") is
// used, and additional env is appended after the image's baked-in env.
func Create(image ImageConfig, ov Overrides) ([]byte, error) {
	args := resolveArgs(image, ov)
	env := resolveEnv(image, ov)

	idMap := idMapping{ContainerID: 0, HostID: 0, Size: 65536}

	namespaces := make([]namespace, 0, len(defaultNamespaces))
	for _, t := range defaultNamespaces {
		namespaces = append(namespaces, namespace{Type: t})
	}

	caps := capabilities{
		Effective:   defaultCapabilities,
		Bounding:    defaultCapabilities,
		Inheritable: defaultCapabilities,
		Permitted:   defaultCapabilities,
		Ambient:     defaultCapabilities,
	}

	s := spec{
		OCIVersion: ociVersion,
		Process: process{
			Terminal:     ov.Terminal,
			Args:         args,
			Env:          env,
			Cwd:          "/",
			Capabilities: caps,
		},
		Root: root{Path: "rootfs", Readonly: false},
		Hostname: "node",
		Linux: linux{
			Namespaces:  namespaces,
			UIDMappings: []idMapping{idMap},
			GIDMappings: []idMapping{idMap},
		},
	}

	return json.MarshalIndent(s, "", "  ")
}

func resolveArgs(image ImageConfig, ov Overrides) []string {
	switch {
	case len(ov.AdditionalArgs) > 0:
		return append(append([]string{}, image.Entrypoint...), ov.AdditionalArgs...)
	case len(image.Cmd) > 0:
		return append(append([]string{}, image.Entrypoint...), image.Cmd...)
	case len(image.Entrypoint) > 0:
		return append([]string{}, image.Entrypoint...)
	default:
		return []string{"/bin/sh"}
	}
}

func resolveEnv(image ImageConfig, ov Overrides) []string {
	env := image.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	} else {
		env = append([]string{}, env...)
	}
	for k, v := range ov.AdditionalEnv {
		env = append(env, k+"="+v)
	}
	if ov.Terminal {
		env = append(env, "TERM=xterm")
	}
	return env
}
