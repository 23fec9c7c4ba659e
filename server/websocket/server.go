// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocols offered during the upgrade, in order of preference.
var subprotocols = []string{"mqtt", "mqttv3.1"}

var errTextFrame = errors.New("websocket: MQTT requires binary frames")

// Handler serves one MQTT connection until it is closed.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string // empty allows any origin
	ShutdownTimeout time.Duration
}

// Server carries MQTT over WebSocket binary frames.
type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	wg       sync.WaitGroup
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		ctx:     context.Background(),
		upgrader: websocket.Upgrader{
			Subprotocols: subprotocols,
			CheckOrigin:  checkOrigin(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
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

// Listen serves WebSocket upgrades until ctx is cancelled. Open MQTT
// connections see ctx cancelled and are waited for up to ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("websocket_server_starting",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked connections are not tracked by Shutdown.
		err := s.server.Shutdown(shutdownCtx)
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			s.logger.Warn("websocket_server_shutdown_timeout")
		}
		if err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	conn := newConn(ws)
	defer conn.Close()
	if err := s.handler.Handle(ctx, conn); err != nil {
		s.logger.Debug("websocket_connection_error",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// wsConn presents a WebSocket as a byte stream. MQTT packets may span
// frames and a frame may carry several packets.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

var _ net.Conn = (*wsConn)(nil)

func newConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, errTextFrame
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
