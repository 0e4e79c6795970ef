// Command nodectl is the operator CLI for the micro-VM orchestrator:
// a thin gRPC client exposing the seven-method surface (run, rm, ls,
// logs, streamlogs, pub, drain) as cobra subcommands. Grounded on the
// teacher's cmd/nova CLI structure (one cobra.Command-returning
// function per verb, a shared --addr/--token persistent flag set,
// tabwriter-formatted list output).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cachpachios/nodemanager/internal/rpc"
)

var (
	addr  string
	token string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nodectl",
		Short: "Operator CLI for the micro-VM orchestrator",
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "nodemanagerd gRPC address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer auth token")

	rootCmd.AddCommand(runCmd(), rmCmd(), lsCmd(), logsCmd(), streamLogsCmd(), pubCmd(), drainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func runCmd() *cobra.Command {
	var (
		vcpus    int
		memoryMB int
		envPairs []string
	)
	cmd := &cobra.Command{
		Use:   "run <image-reference> [-- cmd args...]",
		Short: "Provision a new instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)

			env := map[string]string{}
			for _, kv := range envPairs {
				for i := 0; i < len(kv); i++ {
					if kv[i] == '=' {
						env[kv[:i]] = kv[i+1:]
						break
					}
				}
			}

			resp, err := client.Provision(context.Background(), &rpc.ProvisionRequest{
				ContainerReference: args[0],
				VCPUs:              int32(vcpus),
				MemoryMB:           int32(memoryMB),
				Env:                env,
				CmdArgs:            args[1:],
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&vcpus, "vcpus", 1, "Virtual CPU count (1-32)")
	cmd.Flags().IntVar(&memoryMB, "memory-mb", 128, "Memory in MiB")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	return cmd
}

func rmCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rm <instance-id>",
		Short: "Deprovision an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			_, err = client.Deprovision(context.Background(), &rpc.DeprovisionRequest{
				InstanceID: args[0],
				TimeoutMs:  timeout.Milliseconds(),
			})
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Graceful shutdown deadline before forceful cleanup")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List running instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			resp, err := client.ListInstances(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID")
			for _, inst := range resp.Instances {
				fmt.Fprintln(w, inst.ID)
			}
			return w.Flush()
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <instance-id>",
		Short: "Print the current log/state snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			resp, err := client.GetLogs(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, msg := range resp.Logs {
				printLogMessage(msg)
			}
			return nil
		},
	}
}

func streamLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streamlogs <instance-id>",
		Short: "Stream logs, snapshot then live, until cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			stream, err := client.StreamLogs(context.Background(), args[0])
			if err != nil {
				return err
			}
			for {
				msg, err := stream.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				printLogMessage(*msg)
			}
		},
	}
}

func pubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pub <instance-id> <host-port> <guest-port>",
		Short: "Publish a service port",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostPort, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid host port: %w", err)
			}
			guestPort, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid guest port: %w", err)
			}
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			_, err = client.PublishServicePort(context.Background(), &rpc.PublishServicePortRequest{
				ID:        args[0],
				HostPort:  int32(hostPort),
				GuestPort: int32(guestPort),
			})
			return err
		},
	}
	return cmd
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Shut down and reclaim every tracked instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			client := rpc.NewClient(conn, token)
			_, err = client.Drain(context.Background())
			return err
		},
	}
}

func printLogMessage(msg rpc.LogMessage) {
	ts := time.UnixMilli(msg.TimestampMs).Format(time.RFC3339)
	if msg.State != nil {
		fmt.Printf("%s [state] %s\n", ts, *msg.State)
		return
	}
	text := ""
	if msg.Message != nil {
		text = *msg.Message
	}
	fmt.Printf("%s [%s] %s\n", ts, msg.LogType, text)
}
