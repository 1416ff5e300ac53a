package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paulhenri/PKVS/internal/archive"
	"github.com/paulhenri/PKVS/internal/config"
	"github.com/paulhenri/PKVS/internal/logging"
	"github.com/paulhenri/PKVS/internal/storage"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "kvs",
		Short:        "Operate on a kvs store directory",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringP("dir", "d", ".", "Store directory")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug|info|warn|error")

	root.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set the value of a key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, true, func(s *storage.KvStore) error {
					return s.Set(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print the value of a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, false, func(s *storage.KvStore) error {
					value, found, err := s.Get(args[0])
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
				return withStore(cmd, true, func(s *storage.KvStore) error {
					return s.Remove(args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "compact",
			Short: "Reclaim space held by overwritten and removed values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, true, func(s *storage.KvStore) error {
					return s.Compact()
				})
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List live keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, false, func(s *storage.KvStore) error {
					keys, err := s.Keys()
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Fprintln(cmd.OutOrStdout(), k)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print engine statistics as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, false, func(s *storage.KvStore) error {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(s.Stats())
				})
			},
		},
		newBackupsCmd(),
	)
	return root
}

// withStore opens the store in --dir, runs fn and closes the store. When
// mutating is set the index is checkpointed before closing.
func withStore(cmd *cobra.Command, mutating bool, fn func(s *storage.KvStore) error) error {
	dir, _ := cmd.Flags().GetString("dir")
	level, _ := cmd.Flags().GetString("log-level")

	logger, err := logging.New(level, "text", cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	s, err := storage.Open(dir, storage.WithLogger(logger))
	if err != nil {
		return err
	}

	err = fn(s)
	if err == nil && mutating {
		err = s.SyncIndex()
	}
	return errors.Join(err, s.Close())
}

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and restore archived segment backups",
	}
	cmd.PersistentFlags().String("config", "", "Server configuration file holding the archive settings")
	cmd.PersistentFlags().String("archive-dir", "", "Local archive directory (when no --config is given)")

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List archived backups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openArchiver(ctx, cmd)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			names, err := a.List(ctx, prefix)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <object> <destination>",
		Short: "Decompress an archived backup to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openArchiver(ctx, cmd)
			if err != nil {
				return err
			}
			return a.Restore(ctx, args[0], args[1])
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest archived copies of each segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openArchiver(ctx, cmd)
			if err != nil {
				return err
			}
			keep, _ := cmd.Flags().GetInt("keep")
			deleted, err := a.Prune(ctx, keep)
			for _, n := range deleted {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return err
		},
	}
	prune.Flags().Int("keep", 1, "Copies to keep per segment")

	cmd.AddCommand(list, restore, prune)
	return cmd
}

func openArchiver(ctx context.Context, cmd *cobra.Command) (*archive.Archiver, error) {
	path, _ := cmd.Flags().GetString("config")
	dir, _ := cmd.Flags().GetString("archive-dir")

	ac := config.ArchiveConfig{Target: "local", Dir: dir}
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		ac = cfg.Archive
	}
	if ac.Target == "" || (ac.Target == "local" && ac.Dir == "") {
		return nil, errors.New("no archive configured; pass --archive-dir or a --config with an archive target")
	}

	logger, err := logging.New("warn", "text", cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return archive.Open(ctx, ac, logger)
}
