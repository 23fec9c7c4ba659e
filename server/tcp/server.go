// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler serves one accepted connection until it is closed.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

// Config holds the TCP server configuration.
type Config struct {
	Address          string
	TLSConfig        *tls.Config
	Logger           *slog.Logger
	ShutdownTimeout  time.Duration
	HandshakeTimeout time.Duration
	TCPKeepAlive     time.Duration
	MaxConnections   int
	DisableNoDelay   bool
}

// Server accepts MQTT connections and hands each one to a Handler.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  Handler
	listener net.Listener
	connSem  chan struct{}
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: h,
		connSem: connSem,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// Open connections are drained for up to ShutdownTimeout before they are
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("failed to configure TCP connection",
						slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

// tryAcquireConnectionSlot takes a slot under MaxConnections, closing the
// connection when none is free.
func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.config.Logger.Debug("connection established", slog.String("remote", remote))

	// Complete the TLS handshake up front so that certificate failures are
	// reported here and not as MQTT read errors.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(connCtx, s.config.HandshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}

	if err := s.handler.Handle(connCtx, conn); err != nil {
		s.config.Logger.Debug("connection ended with error",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("connection closed", slog.String("remote", remote))
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()

		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
