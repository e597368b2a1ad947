// Package mitm runs one TLS interception server per intercepted hostname.
package mitm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/dgnsrekt/allproxy/internal/httpproxy"
	"github.com/dgnsrekt/allproxy/internal/netutil"
)

// State is the lifecycle position of a Server.
type State int32

const (
	Created State = iota
	Starting
	Listening
	Serving
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Serving:
		return "serving"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ServerKey identifies an interception server. Forward and reverse traffic
// for the same host are served separately.
type ServerKey struct {
	Hostname  string
	Direction httpproxy.Direction
}

func (k ServerKey) String() string {
	if k.Direction == httpproxy.Reverse {
		return k.Hostname + "/reverse"
	}
	return k.Hostname + "/forward"
}

// Server terminates TLS for one hostname on an ephemeral loopback port.
type Server struct {
	key   ServerKey
	state atomic.Int32
	ln    net.Listener
	srv   *http.Server
}

func newServer(key ServerKey) *Server {
	return &Server{key: key}
}

func (s *Server) Key() ServerKey { return s.key }

func (s *Server) State() State { return State(s.state.Load()) }

// Addr is the loopback address the dispatcher splices into.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) start(ctx context.Context, cert *tls.Certificate, handler http.Handler, enableHTTP2 bool) error {
	s.state.Store(int32(Starting))

	protos := []string{"http/1.1"}
	if enableHTTP2 {
		protos = []string{"h2", "http/1.1"}
	}
	s.srv = &http.Server{
		Handler: handler,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*cert},
			NextProtos:   protos,
			MinVersion:   tls.VersionTLS12,
		},
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	}
	if enableHTTP2 {
		if err := http2.ConfigureServer(s.srv, &http2.Server{}); err != nil {
			return fmt.Errorf("mitm: configure http2: %w", err)
		}
	} else {
		s.srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}

	ln, err := netutil.ListenWithRetry(ctx, "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mitm: listen for %s: %w", s.key, err)
	}
	s.ln = ln
	s.state.Store(int32(Listening))

	ready := make(chan struct{})
	go func() {
		s.state.CompareAndSwap(int32(Listening), int32(Serving))
		close(ready)
		if err := s.srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MITM server failed", "key", s.key.String(), "error", err)
		}
	}()
	<-ready
	slog.Debug("MITM server serving", "key", s.key.String(), "addr", ln.Addr().String())
	return nil
}

// Close stops the server. It is safe to call more than once.
func (s *Server) Close() error {
	if State(s.state.Swap(int32(Closed))) == Closed {
		return nil
	}
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
