// Command nodemanagerd is the control-plane daemon: it loads
// configuration, wires metrics/tracing/logging, starts the node
// manager and its gRPC surface, and drains every tracked machine on
// shutdown signal. Wiring order, adapted from the teacher's cmd/nebula
// daemon.go: config -> logging -> metrics -> tracing -> services ->
// signal-wait -> graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cachpachios/nodemanager/internal/config"
	"github.com/cachpachios/nodemanager/internal/logging"
	"github.com/cachpachios/nodemanager/internal/metrics"
	"github.com/cachpachios/nodemanager/internal/nodemanager"
	"github.com/cachpachios/nodemanager/internal/rpc"
	"github.com/cachpachios/nodemanager/internal/tracing"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nodemanagerd",
		Short: "Micro-VM orchestrator control plane",
		Long:  "Provisions, supervises, and deprovisions jailed Firecracker micro-VMs over a gRPC control surface",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)
	metrics.Init(cfg.Observability.MetricsNamespace)

	ctx := context.Background()
	if err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: "nodemanager",
		SampleRate:  cfg.Observability.TracingSampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	nm := nodemanager.New(nodemanager.Config{
		JailerBin:           cfg.Firecracker.JailerBin,
		VMMBin:              cfg.Firecracker.VMMBin,
		KernelPath:          cfg.Firecracker.KernelPath,
		RootfsPath:          cfg.Firecracker.RootfsPath,
		VMMLogLevel:         cfg.Firecracker.LogLevel,
		VMMManifestPath:     cfg.Firecracker.ManifestPath,
		PublicInterface:     cfg.Network.PublicInterface,
		ServiceInterface:    cfg.Network.ServiceInterface,
		TAPPrefix:           cfg.Network.TAPPrefix,
		AuthSecret:          cfg.Auth.Secret,
		DefaultDrainTimeout: cfg.Deprovision.DefaultTimeout,
	})

	server := rpc.NewServer(nm)
	if err := server.Start(cfg.GRPC.Addr); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}

	logging.Op().Info("nodemanagerd started", "grpc_addr", cfg.GRPC.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Op().Info("shutdown signal received, draining")

	nm.DrainAll()
	server.Stop()
	if err := tracing.Shutdown(ctx); err != nil {
		logging.Op().Error("tracing shutdown failed", "error", err)
	}
	logging.Op().Info("nodemanagerd stopped")
	return nil
}
