package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunConfig wires the long-running pieces of a kvs server together.
type RunConfig struct {
	// Listener is used when set, otherwise Addr is listened on.
	Listener net.Listener
	Addr     string

	// HTTP is the optional admin API server.
	HTTP *http.Server

	// CompactEvery schedules compaction. Zero disables it.
	CompactEvery time.Duration
}

// Run serves until ctx is cancelled or one component fails. The dispatcher
// closes the engine on the way out.
func Run(ctx context.Context, d *Dispatcher, s *Server, rc RunConfig) error {
	ln := rc.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", rc.Addr)
		if err != nil {
			// The dispatcher never ran, so the engine is still ours to close.
			return errors.Join(fmt.Errorf("failed to listen on %s: %w", rc.Addr, err), d.engine.Close())
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	g.Go(func() error {
		return s.Serve(gctx, ln)
	})

	if rc.HTTP != nil {
		g.Go(func() error {
			s.logger.Info("admin API listening", "addr", rc.HTTP.Addr)
			if err := rc.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return rc.HTTP.Shutdown(shutdownCtx)
		})
	}

	if rc.CompactEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(rc.CompactEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := d.Compact(gctx); err != nil && gctx.Err() == nil {
						s.logger.Warn("scheduled compaction failed", "error", err)
					}
				}
			}
		})
	}

	return g.Wait()
}
