package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulhenri/PKVS/internal/client"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "kvs-client",
		Short:        "Talk to a kvs-server",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("addr", "127.0.0.1:48567", "Server address")
	root.PersistentFlags().Duration("timeout", 5*time.Second, "Per-request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set the value of a key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					return c.Set(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value of a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					value, found, err := c.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if !found {
						fmt.Fprintln(cmd.OutOrStdout(), "Key not found")
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <key>",
			Short: "Remove a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					return c.Remove(ctx, args[0])
				})
			},
		},
	)
	return root
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, addr, client.WithTimeout(timeout))
	if err != nil {
		return err
	}
	defer c.Close()

	err = fn(ctx, c)
	var serr *client.ServerError
	if errors.As(err, &serr) {
		return fmt.Errorf("server error: %s", serr.Message)
	}
	return err
}
