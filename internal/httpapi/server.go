package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "chatnotify/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Server owns the ingress listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	h    http.Handler
	srv  *http.Server
	ln   net.Listener
	addr string

	// Hijacked websocket connections are not closed by Shutdown.
	ws *wsRegistry
}

func NewServer(h http.Handler, ws *wsRegistry, log logx.Logger) *Server {
	return &Server{h: h, ws: ws, log: log}
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", s.Addr()), logx.Any("err", err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// Stop shuts down the listener and closes open websocket sessions.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Any("err", err))
	}
	if s.ws != nil {
		s.ws.closeAll()
	}
	s.log.Info("http stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
