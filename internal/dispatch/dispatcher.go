// Package dispatch owns the main proxy port. It sniffs the first bytes of
// each connection and hands it to the plaintext HTTP server, a TLS
// interception server, or a CONNECT tunnel.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dgnsrekt/allproxy/internal/httpproxy"
	"github.com/dgnsrekt/allproxy/internal/mitm"
	"github.com/dgnsrekt/allproxy/internal/netutil"
)

const (
	recordTypeHandshake = 0x16
	sniffTimeout        = 30 * time.Second
	dialTimeout         = 10 * time.Second
)

// Route is where a connection is sent after classification.
type Route int

const (
	RoutePlain Route = iota
	RouteTLS
	RouteConnect
)

func (r Route) String() string {
	switch r {
	case RouteTLS:
		return "tls"
	case RouteConnect:
		return "connect"
	default:
		return "plain"
	}
}

// Classify picks a route from the first bytes a client sent.
func Classify(sample []byte) Route {
	if len(sample) >= 3 && sample[0] == recordTypeHandshake && sample[1] == 0x03 && sample[2] <= 0x04 {
		return RouteTLS
	}
	if bytes.HasPrefix(sample, []byte("CONNECT ")) {
		return RouteConnect
	}
	return RoutePlain
}

// ServerSource hands out interception servers.
type ServerSource interface {
	Get(ctx context.Context, key mitm.ServerKey) (*mitm.Server, error)
}

// Dispatcher classifies and routes connections accepted on the main port.
type Dispatcher struct {
	servers   ServerSource
	plainAddr string
	peers     *netutil.PeerMap
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a Dispatcher sending plain traffic to plainAddr.
func New(servers ServerSource, plainAddr string, peers *netutil.PeerMap) *Dispatcher {
	if peers == nil {
		peers = &netutil.PeerMap{}
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Dispatcher{servers: servers, plainAddr: plainAddr, peers: peers, dial: d.DialContext}
}

// Serve accepts until ln is closed or ctx ends.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("dispatch: accept: %w", err)
		}
		go d.handle(ctx, c)
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw net.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Dispatcher panic",
				"client", raw.RemoteAddr().String(),
				"panic", rec,
				"stack", string(debug.Stack()))
			_ = raw.Close()
		}
	}()

	c := newBufConn(raw)
	_ = c.SetReadDeadline(time.Now().Add(sniffTimeout))
	route, err := d.classify(c)
	if err != nil {
		if !netutil.IsBenign(err) {
			slog.Debug("Connection closed before classification", "client", raw.RemoteAddr().String(), "error", err)
		}
		_ = c.Close()
		return
	}

	switch route {
	case RouteConnect:
		err = d.tunnel(ctx, c)
	case RouteTLS:
		host := c.serverName()
		if host == "" {
			host = "localhost"
		}
		_ = c.SetReadDeadline(time.Time{})
		err = d.intercept(ctx, c, mitm.ServerKey{Hostname: host, Direction: httpproxy.Reverse})
	default:
		_ = c.SetReadDeadline(time.Time{})
		err = d.splice(ctx, c, d.plainAddr)
	}
	if err != nil && !netutil.IsBenign(err) {
		slog.Debug("Connection ended", "client", raw.RemoteAddr().String(), "route", route.String(), "error", err)
	}
}

// classify peeks three bytes, and seven more when they could start CONNECT.
func (d *Dispatcher) classify(c *bufConn) (Route, error) {
	head, err := c.sample(3)
	if err != nil {
		return RoutePlain, err
	}
	if bytes.Equal(head, []byte("CON")) {
		if long, err := c.sample(len("CONNECT ")); err == nil {
			head = long
		}
	}
	return Classify(head), nil
}

// tunnel answers a CONNECT and routes the tunneled bytes. TLS inside the
// tunnel is intercepted for the CONNECT host; anything else is relayed to the
// requested authority untouched.
func (d *Dispatcher) tunnel(ctx context.Context, c *bufConn) error {
	req, err := http.ReadRequest(c.r)
	if err != nil {
		return fmt.Errorf("dispatch: read CONNECT: %w", err)
	}
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
	}
	if _, err := c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	head, err := c.sample(3)
	if err != nil {
		return err
	}
	_ = c.SetReadDeadline(time.Time{})
	if Classify(head) == RouteTLS {
		if sni := c.serverName(); sni != "" {
			host = sni
		}
		return d.intercept(ctx, c, mitm.ServerKey{Hostname: host, Direction: httpproxy.Forward})
	}
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(authority, "80")
	}
	return d.splice(ctx, c, authority)
}

func (d *Dispatcher) intercept(ctx context.Context, c *bufConn, key mitm.ServerKey) error {
	srv, err := d.servers.Get(ctx, key)
	if err != nil {
		_ = c.Close()
		return err
	}
	return d.splice(ctx, c, srv.Addr())
}

// splice connects c to addr and copies both ways. Loopback peers are recorded
// so the receiving server can report the real client address.
func (d *Dispatcher) splice(ctx context.Context, c *bufConn, addr string) error {
	upstream, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("dispatch: dial %s: %w", addr, err)
	}
	local := upstream.LocalAddr().String()
	d.peers.Put(local, c.RemoteAddr().String())
	defer d.peers.Delete(local)
	return netutil.Splice(c, upstream)
}
