// Package server implements the TCP listener and per-connection dispatch
// loop that exposes a Data Store over the wire protocol.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/coldstorehq/coldstore/internal/config"
	"github.com/coldstorehq/coldstore/internal/metrics"
)

// Config controls listener behavior.
type Config struct {
	Host              string
	Port              int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	FeedQueueCapacity int
}

// Server accepts connections and dispatches framed requests against a Data
// Store.
type Server struct {
	cfg      Config
	defaults config.CollectionDefault
	store    DataStore
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server. Call ListenAndServe to start accepting. store may
// be a real *datastore.Store or, in tests, datastore.NewNullStore().
func New(cfg Config, defaults config.CollectionDefault, store DataStore, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, defaults: defaults, store: store, logger: logger, metrics: m}
}

// ListenAndServe binds the configured address, wraps it with a connection
// limiter, and accepts connections until ctx is canceled or Close is
// called. After ctx is canceled it waits for in-flight connection handlers
// to return (for at most ShutdownTimeout when that is set) and returns nil.
// If the listener is closed while ctx is still live, it returns the accept
// error without waiting for handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForConnections()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		s.wg.Add(1)
		if s.metrics != nil {
			s.metrics.ActiveConnections.Inc()
		}
		go func() {
			defer s.wg.Done()
			if s.metrics != nil {
				defer s.metrics.ActiveConnections.Dec()
			}
			s.handleConn(ctx, conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
		}()
	}
}

// waitForConnections blocks for in-flight connection handlers to finish,
// giving up after ShutdownTimeout if one is configured.
func (s *Server) waitForConnections() {
	if s.cfg.ShutdownTimeout <= 0 {
		s.wg.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout elapsed with connections still active")
	}
}

// Close stops accepting new connections. In-flight connections are left to
// finish on their own; see ListenAndServe for when it waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the bound listener's address, or nil before ListenAndServe
// has bound it. Useful when Config.Port is 0 and the OS chooses a port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
