// Package config centralizes orchestrator configuration: JSON file plus
// environment-variable overrides, following the same
// DefaultConfig/LoadFromFile/LoadFromEnv shape the teacher uses, with
// NOVA_-prefixed variables replaced by NODEMGR_ and the component
// sections replaced for this domain's firecracker/network/grpc/auth
// surface.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// FirecrackerConfig points at the binaries and images used to spawn
// jailed VMM instances.
type FirecrackerConfig struct {
	JailerBin    string `json:"jailer_bin"`
	VMMBin       string `json:"vmm_bin"`
	KernelPath   string `json:"kernel_path"`
	RootfsPath   string `json:"rootfs_path"`
	LogLevel     string `json:"log_level"`
	ManifestPath string `json:"manifest_path"` // optional YAML jail overlay, see internal/vmm.LoadManifest
}

// NetworkConfig selects the host interfaces used for NAT and service
// port forwarding, and the TAP device naming prefix.
type NetworkConfig struct {
	PublicInterface  string `json:"public_network_interface"`
	ServiceInterface string `json:"service_network_interface"`
	TAPPrefix        string `json:"tap_prefix"`
}

// GRPCConfig holds the RPC listener address.
type GRPCConfig struct {
	Addr string `json:"addr"`
}

// AuthConfig holds the optional HMAC-SHA256 bearer-token secret. When
// Secret is empty, authentication is disabled and every RPC is allowed.
type AuthConfig struct {
	Secret string `json:"secret"`
}

// ObservabilityConfig groups the ambient logging/metrics/tracing
// settings, mirroring the teacher's structure but trimmed to the
// sections this orchestrator actually exercises.
type ObservabilityConfig struct {
	LogLevel          string  `json:"log_level"`  // debug, info, warn, error
	LogFormat         string  `json:"log_format"` // text, json
	MetricsNamespace  string  `json:"metrics_namespace"`
	TracingEnabled    bool    `json:"tracing_enabled"`
	TracingEndpoint   string  `json:"tracing_endpoint"`
	TracingSampleRate float64 `json:"tracing_sample_rate"`
}

// DeprovisionConfig holds the default deadline used by Drain when
// shutting down every tracked machine.
type DeprovisionConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// Config is the full orchestrator configuration document.
type Config struct {
	Firecracker   FirecrackerConfig   `json:"firecracker_config"`
	Network       NetworkConfig       `json:"network"`
	GRPC          GRPCConfig          `json:"grpc"`
	Auth          AuthConfig          `json:"auth"`
	Observability ObservabilityConfig `json:"observability"`
	Deprovision   DeprovisionConfig   `json:"deprovision"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// jail filesystem layout and interface naming used throughout the rest
// of the orchestrator.
func DefaultConfig() *Config {
	return &Config{
		Firecracker: FirecrackerConfig{
			JailerBin:  "/usr/bin/jailer",
			VMMBin:     "/usr/bin/firecracker",
			KernelPath: "/opt/nodemanager/kernel/vmlinux",
			RootfsPath: "/opt/nodemanager/rootfs/agent.ext4",
			LogLevel:   "Warning",
		},
		Network: NetworkConfig{
			PublicInterface:  "eth0",
			ServiceInterface: "eth0",
			TAPPrefix:        "tap",
		},
		GRPC: GRPCConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			Secret: "",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "text",
			MetricsNamespace:  "nodemanager",
			TracingEnabled:    false,
			TracingEndpoint:   "localhost:4318",
			TracingSampleRate: 1.0,
		},
		Deprovision: DeprovisionConfig{
			DefaultTimeout: 5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a JSON file, starting from
// DefaultConfig so unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies NODEMGR_-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NODEMGR_JAILER_BIN"); v != "" {
		cfg.Firecracker.JailerBin = v
	}
	if v := os.Getenv("NODEMGR_VMM_BIN"); v != "" {
		cfg.Firecracker.VMMBin = v
	}
	if v := os.Getenv("NODEMGR_KERNEL_PATH"); v != "" {
		cfg.Firecracker.KernelPath = v
	}
	if v := os.Getenv("NODEMGR_ROOTFS_PATH"); v != "" {
		cfg.Firecracker.RootfsPath = v
	}
	if v := os.Getenv("NODEMGR_FC_LOG_LEVEL"); v != "" {
		cfg.Firecracker.LogLevel = v
	}
	if v := os.Getenv("NODEMGR_FC_MANIFEST_PATH"); v != "" {
		cfg.Firecracker.ManifestPath = v
	}
	if v := os.Getenv("NODEMGR_PUBLIC_IF"); v != "" {
		cfg.Network.PublicInterface = v
	}
	if v := os.Getenv("NODEMGR_SERVICE_IF"); v != "" {
		cfg.Network.ServiceInterface = v
	}
	if v := os.Getenv("NODEMGR_TAP_PREFIX"); v != "" {
		cfg.Network.TAPPrefix = v
	}
	if v := os.Getenv("NODEMGR_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("NODEMGR_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("NODEMGR_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("NODEMGR_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("NODEMGR_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.MetricsNamespace = v
	}
	if v := os.Getenv("NODEMGR_TRACING_ENABLED"); v != "" {
		cfg.Observability.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("NODEMGR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.TracingEndpoint = v
	}
	if v := os.Getenv("NODEMGR_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.TracingSampleRate = f
		}
	}
	if v := os.Getenv("NODEMGR_DEPROVISION_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Deprovision.DefaultTimeout = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
