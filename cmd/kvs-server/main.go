package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paulhenri/PKVS/internal/api"
	"github.com/paulhenri/PKVS/internal/archive"
	"github.com/paulhenri/PKVS/internal/config"
	"github.com/paulhenri/PKVS/internal/engine"
	"github.com/paulhenri/PKVS/internal/logging"
	"github.com/paulhenri/PKVS/internal/server"
	"github.com/paulhenri/PKVS/internal/storage"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kvs-server",
		Short:        "Serve a kvs store over TCP",
		Version:      fmt.Sprintf("%s (built: %s)", version, buildTime),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg)
		},
	}

	defaults := config.DefaultConfig()
	f := cmd.Flags()
	f.String("config", "", "Configuration file path")
	f.String("addr", defaults.Address, "Listen address")
	f.Int("port", defaults.Port, "TCP port")
	f.Int("http-port", defaults.HTTPPort, "Admin HTTP port (0 disables the admin API)")
	f.StringP("dir", "d", defaults.DataDir, "Data directory")
	f.String("engine", defaults.Engine, "Storage engine: kvs|pebble")
	f.Int64("max-segment-size", defaults.MaxSegmentSize, "Segment rotation threshold in bytes")
	f.Bool("sync-writes", defaults.SyncWrites, "Sync to disk on every write")
	f.Int("compact-interval", defaults.CompactInterval, "Scheduled compaction period in seconds (0 disables it)")
	f.Float64("rate-limit", defaults.RateLimit, "Requests per second per connection (0 disables it)")
	f.Int("rate-burst", defaults.RateBurst, "Rate limiter burst")
	f.Int("request-timeout", defaults.RequestTimeout, "Max wait for the engine per request in seconds (0 waits forever)")
	f.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
	f.String("log-format", defaults.LogFormat, "Log format: text|json")
	f.String("archive", defaults.Archive.Target, "Backup archive target: local|minio (empty keeps backups in place)")
	f.String("archive-dir", "", "Directory for the local archive target")
	f.String("archive-compression", defaults.Archive.Compression, "Archive compression: none|zstd|lz4")
	f.Int("archive-retain", defaults.Archive.Retain, "Archived copies kept per segment (0 keeps all)")
	return cmd
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()

	cfg := config.DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if f.Changed("addr") {
		cfg.Address, _ = f.GetString("addr")
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("http-port") {
		cfg.HTTPPort, _ = f.GetInt("http-port")
	}
	if f.Changed("dir") {
		cfg.DataDir, _ = f.GetString("dir")
	}
	if f.Changed("engine") {
		cfg.Engine, _ = f.GetString("engine")
	}
	if f.Changed("max-segment-size") {
		cfg.MaxSegmentSize, _ = f.GetInt64("max-segment-size")
	}
	if f.Changed("sync-writes") {
		cfg.SyncWrites, _ = f.GetBool("sync-writes")
	}
	if f.Changed("compact-interval") {
		cfg.CompactInterval, _ = f.GetInt("compact-interval")
	}
	if f.Changed("rate-limit") {
		cfg.RateLimit, _ = f.GetFloat64("rate-limit")
	}
	if f.Changed("rate-burst") {
		cfg.RateBurst, _ = f.GetInt("rate-burst")
	}
	if f.Changed("request-timeout") {
		cfg.RequestTimeout, _ = f.GetInt("request-timeout")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
	if f.Changed("archive") {
		cfg.Archive.Target, _ = f.GetString("archive")
	}
	if f.Changed("archive-dir") {
		cfg.Archive.Dir, _ = f.GetString("archive-dir")
	}
	if f.Changed("archive-compression") {
		cfg.Archive.Compression, _ = f.GetString("archive-compression")
	}
	if f.Changed("archive-retain") {
		cfg.Archive.Retain, _ = f.GetInt("archive-retain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	kind, err := storage.ParseKind(cfg.Engine)
	if err != nil {
		return err
	}

	logger.Info("starting kvs-server",
		"version", version,
		"engine", kind,
		"dir", cfg.DataDir,
		"addr", cfg.FullAddress(),
	)

	archiver, err := archive.Open(ctx, cfg.Archive, logger)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	backups := server.NewBackupQueue()
	eng, err := engine.Open(kind, cfg.DataDir, engine.Options{
		MaxSegmentSize: cfg.MaxSegmentSize,
		SyncWrites:     cfg.SyncWrites,
		Logger:         logger,
		OnSuperseded:   backups.Add,
	})
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	dopts := []server.DispatcherOption{server.WithDispatcherLogger(logger)}
	if archiver != nil {
		dopts = append(dopts, server.WithArchiver(archiver, backups))
	}
	d := server.NewDispatcher(eng, dopts...)

	s := server.New(d, server.Options{
		Logger:         logger,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		RequestTimeout: cfg.RequestWait(),
	})

	rc := server.RunConfig{
		Addr:         cfg.FullAddress(),
		CompactEvery: cfg.CompactEvery(),
	}
	if cfg.HTTPPort != 0 {
		rc.HTTP = api.NewServer(cfg, d, logger).HTTPServer()
	}

	if err := server.Run(ctx, d, s, rc); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
