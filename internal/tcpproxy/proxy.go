// Package tcpproxy relays raw TCP for sql, mongo, redis and tcp rules and
// emits each request/response pair it sees.
package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/netutil"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

const (
	// pairIdle is the read pause after which a buffered response completes
	// its pair.
	pairIdle    = 50 * time.Millisecond
	dialTimeout = 10 * time.Second
	readBufSize = 32 * 1024
)

// Emitter publishes captured exchanges.
type Emitter interface {
	Emit(typ message.Type, msg *message.Message, cfg *proxyconfig.ProxyConfig)
}

// Options configures a Proxy.
type Options struct {
	Builder  *message.Builder
	Emitter  Emitter
	Resolver *netutil.HostResolver
	// ListenHost is the interface rule ports bind to; empty means all.
	ListenHost   string
	MaxBodyBytes int
}

// Proxy activates TCP-family rules. It implements proxyconfig.Activator.
type Proxy struct {
	opts Options
}

func New(opts Options) *Proxy {
	if opts.Resolver == nil {
		opts.Resolver = netutil.NewHostResolver()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 50 << 20
	}
	return &Proxy{opts: opts}
}

// Activate listens on the rule's port and relays every accepted connection to
// the rule's target.
func (p *Proxy) Activate(cfg *proxyconfig.ProxyConfig) error {
	port, err := cfg.ListenPort()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(p.opts.ListenHost, strconv.Itoa(port))
	ln, err := netutil.ListenWithRetry(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("tcpproxy: activate %s: %w", cfg.Target(), err)
	}
	rl := &ruleListener{Listener: ln, conns: make(map[net.Conn]struct{})}
	cfg.SetListener(rl)
	slog.Info("TCP proxy listening",
		"protocol", cfg.Protocol,
		"addr", ln.Addr().String(),
		"target", cfg.Target())
	go p.acceptLoop(cfg, rl)
	return nil
}

// Deactivate closes the rule's listener and every connection it accepted.
func (p *Proxy) Deactivate(cfg *proxyconfig.ProxyConfig) {
	if err := cfg.CloseListener(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("TCP proxy close failed", "target", cfg.Target(), "error", err)
	}
}

// ruleListener closes its live connections along with itself.
type ruleListener struct {
	net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func (l *ruleListener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *ruleListener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *ruleListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := l.conns
	l.conns = nil
	l.mu.Unlock()

	err := l.Listener.Close()
	for c := range conns {
		_ = c.Close()
	}
	return err
}

func (p *Proxy) acceptLoop(cfg *proxyconfig.ProxyConfig, rl *ruleListener) {
	snapshot := cfg.Clone()
	for {
		c, err := rl.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("TCP proxy accept failed", "target", snapshot.Target(), "error", err)
			}
			return
		}
		if !rl.track(c) {
			_ = c.Close()
			return
		}
		go func() {
			defer rl.untrack(c)
			p.relay(&snapshot, c)
		}()
	}
}

func (p *Proxy) relay(cfg *proxyconfig.ProxyConfig, client net.Conn) {
	defer client.Close()
	d := net.Dialer{Timeout: dialTimeout}
	server, err := d.Dial("tcp", cfg.Target())
	if err != nil {
		slog.Warn("TCP proxy dial failed", "target", cfg.Target(), "error", err)
		return
	}
	defer server.Close()

	host := p.opts.Resolver.ClientHostname(context.Background(), client.RemoteAddr().String())
	pr := newPairer(p.opts, cfg, host)
	defer pr.close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(client, server, pr.request)
		closeWrite(server)
	}()
	go func() {
		defer wg.Done()
		pump(server, client, pr.response)
		closeWrite(client)
	}()
	wg.Wait()
}

// pump copies src to dst, showing each chunk to observe first.
func pump(src, dst net.Conn, observe func([]byte)) {
	buf := make([]byte, readBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			observe(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !netutil.IsBenign(err) {
				slog.Debug("TCP relay read ended", "error", err)
			}
			return
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
