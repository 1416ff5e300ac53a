package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paulhenri/PKVS/internal/config"
)

// Open builds the archiver described by cfg. It returns nil, nil when no
// target is configured.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var store Store
	switch cfg.Target {
	case "":
		return nil, nil
	case "local":
		store = NewLocalStore(cfg.Dir)
	case "minio":
		ms, err := DialMinio(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		store = ms
	default:
		return nil, fmt.Errorf("unknown archive target %q", cfg.Target)
	}

	return New(store, codec, WithKeepLocal(cfg.KeepLocal), WithRetain(cfg.Retain), WithLogger(logger)), nil
}
