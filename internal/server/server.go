package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/paulhenri/PKVS/internal/protocol"
)

// Options configures the TCP server.
type Options struct {
	Logger *slog.Logger

	// RateLimit is the number of requests per second allowed on one
	// connection. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// RequestTimeout bounds how long a request waits for the dispatcher.
	// Zero means no limit.
	RequestTimeout time.Duration
}

// Server accepts framed protocol messages over TCP.
type Server struct {
	dispatcher *Dispatcher
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a server that hands every request to d.
func New(d *Dispatcher, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: d,
		opts:       opts,
		logger:     logger.With("component", "tcp"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// every open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
		s.closeConns()
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !s.track(conn) {
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("connection opened")

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed")
			} else {
				logger.Warn("dropping connection", "error", err)
			}
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		resp := s.handle(ctx, msg)
		if err := protocol.WriteMessage(w, resp); err != nil {
			logger.Warn("failed to write response", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			logger.Debug("failed to flush response", "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, msg protocol.Message) protocol.Response {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	return s.dispatcher.Handle(ctx, msg)
}
