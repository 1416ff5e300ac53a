package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:          "kvs-bench",
		Short:        "Load test a kvs-server",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Requests <= 0 || opts.Concurrency <= 0 || opts.KeySpace <= 0 {
				return fmt.Errorf("--requests, --concurrency and --key-space must be positive")
			}
			if opts.WriteRatio < 0 || opts.WriteRatio > 1 {
				return fmt.Errorf("--write-ratio must be within [0, 1]")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kvs Load Tester\n")
			fmt.Fprintf(out, "===============\n")
			fmt.Fprintf(out, "Targets: %s\n", strings.Join(opts.Addrs, ", "))
			fmt.Fprintf(out, "Requests: %d\n", opts.Requests)
			fmt.Fprintf(out, "Concurrency: %d\n", opts.Concurrency)
			fmt.Fprintf(out, "Write Ratio: %.1f%%\n", opts.WriteRatio*100)
			fmt.Fprintf(out, "Key Space: %d keys\n\n", opts.KeySpace)

			stats, duration, err := runBench(ctx, opts, out)
			if err != nil {
				return err
			}
			printResults(out, stats, duration)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.Addrs, "addr", []string{"127.0.0.1:48567"}, "Server addresses; keys are sharded across them")
	f.IntVar(&opts.Requests, "requests", 1000, "Total number of requests")
	f.IntVar(&opts.Concurrency, "concurrency", 10, "Number of concurrent connections")
	f.Float64Var(&opts.WriteRatio, "write-ratio", 0.5, "Ratio of write operations (0-1)")
	f.IntVar(&opts.KeySpace, "key-space", 1000, "Number of unique keys")
	f.IntVar(&opts.ValueSize, "value-size", 64, "Size of written values in bytes")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Per-request timeout")
	return cmd
}
