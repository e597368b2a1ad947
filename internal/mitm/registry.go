package mitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dgnsrekt/allproxy/internal/httpproxy"
)

// CertSource mints leaf certificates.
type CertSource interface {
	Leaf(host string) (*tls.Certificate, error)
}

// HandlerFunc builds the request handler for a new server.
type HandlerFunc func(key ServerKey) http.Handler

type startCall struct {
	done chan struct{}
	srv  *Server
	err  error
}

// Registry creates interception servers on demand. Concurrent requests for
// the same key share one start; a failed start is forgotten so the next
// request tries again.
type Registry struct {
	certs       CertSource
	handler     HandlerFunc
	enableHTTP2 bool

	mu      sync.Mutex
	servers map[ServerKey]*startCall
	closed  bool
}

func NewRegistry(certs CertSource, handler HandlerFunc, enableHTTP2 bool) *Registry {
	return &Registry{
		certs:       certs,
		handler:     handler,
		enableHTTP2: enableHTTP2,
		servers:     make(map[ServerKey]*startCall),
	}
}

// Get returns the running server for key, starting it if needed.
func (r *Registry) Get(ctx context.Context, key ServerKey) (*Server, error) {
	if key.Hostname == "" {
		key.Hostname = "localhost"
	}
	if key.Direction == httpproxy.Auto {
		key.Direction = httpproxy.Forward
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("mitm: registry closed")
	}
	if call, ok := r.servers[key]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.srv, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &startCall{done: make(chan struct{})}
	r.servers[key] = call
	r.mu.Unlock()

	call.srv, call.err = r.start(ctx, key)
	if call.err != nil {
		r.mu.Lock()
		delete(r.servers, key)
		r.mu.Unlock()
		slog.Warn("MITM server start failed", "key", key.String(), "error", call.err)
	}
	close(call.done)
	return call.srv, call.err
}

func (r *Registry) start(ctx context.Context, key ServerKey) (*Server, error) {
	cert, err := r.certs.Leaf(key.Hostname)
	if err != nil {
		return nil, fmt.Errorf("mitm: certificate for %s: %w", key.Hostname, err)
	}
	srv := newServer(key)
	if err := srv.start(context.WithoutCancel(ctx), cert, r.handler(key), r.enableHTTP2); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return srv, nil
}

// Len is the number of known servers, started or starting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Close shuts down every server and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	calls := make([]*startCall, 0, len(r.servers))
	for _, c := range r.servers {
		calls = append(calls, c)
	}
	r.servers = make(map[ServerKey]*startCall)
	r.mu.Unlock()

	for _, c := range calls {
		<-c.done
		if c.srv != nil {
			_ = c.srv.Close()
		}
	}
}
