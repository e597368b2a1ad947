package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dgnsrekt/allproxy/internal/netutil"
)

// Server is the plaintext HTTP proxy. It listens on an ephemeral loopback
// port that the dispatcher splices plain connections into, and it also serves
// reverse-proxy requests addressed to the proxy itself.
type Server struct {
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

func NewServer(h http.Handler) *Server {
	return &Server{handler: h}
}

// Start listens on addr (127.0.0.1:0 when empty) and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := netutil.ListenWithRetry(ctx, addr)
	if err != nil {
		return fmt.Errorf("httpproxy: start: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		slog.Info("HTTP proxy listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP proxy server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound loopback address; empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
