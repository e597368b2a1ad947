// Package grpcproxy relays gRPC and other HTTP/2 traffic on dedicated ports,
// one handler goroutine per stream.
package grpcproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/netutil"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// Emitter publishes captured exchanges.
type Emitter interface {
	Emit(typ message.Type, msg *message.Message, cfg *proxyconfig.ProxyConfig)
}

// Options configures a Proxy.
type Options struct {
	Store    *proxyconfig.Store
	Builder  *message.Builder
	Emitter  Emitter
	Resolver *netutil.HostResolver
	// GetCertificate serves the TLS port; required when it is enabled.
	GetCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
	MaxBodyBytes   int
}

// Proxy is the gRPC relay. Plain targets are reached over h2c and secure
// ones over TLS; one transport of each kind is shared by every stream.
type Proxy struct {
	opts     Options
	plain    *http2.Transport
	secure   *http2.Transport
	servers  []*http.Server
	plainLn  net.Listener
	secureLn net.Listener
}

func New(opts Options) *Proxy {
	if opts.Resolver == nil {
		opts.Resolver = netutil.NewHostResolver()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 50 << 20
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &Proxy{
		opts: opts,
		plain: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
		secure: &http2.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2"}},
		},
	}
}

// Start listens on the h2c port and the TLS port. Either address may be
// empty to leave that port off.
func (p *Proxy) Start(ctx context.Context, plainAddr, secureAddr string) error {
	if plainAddr != "" {
		ln, err := netutil.ListenWithRetry(ctx, plainAddr)
		if err != nil {
			return fmt.Errorf("grpcproxy: listen h2c: %w", err)
		}
		p.plainLn = ln
		srv := &http.Server{Handler: h2c.NewHandler(p, &http2.Server{}), ReadHeaderTimeout: 30 * time.Second}
		p.serve(srv, ln, false)
	}
	if secureAddr != "" {
		if p.opts.GetCertificate == nil {
			return fmt.Errorf("grpcproxy: TLS port needs a certificate source")
		}
		ln, err := netutil.ListenWithRetry(ctx, secureAddr)
		if err != nil {
			return fmt.Errorf("grpcproxy: listen tls: %w", err)
		}
		p.secureLn = ln
		srv := &http.Server{
			Handler:           p,
			ReadHeaderTimeout: 30 * time.Second,
			TLSConfig: &tls.Config{
				GetCertificate: p.opts.GetCertificate,
				NextProtos:     []string{"h2"},
				MinVersion:     tls.VersionTLS12,
			},
		}
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			_ = ln.Close()
			return fmt.Errorf("grpcproxy: configure http2: %w", err)
		}
		p.serve(srv, ln, true)
	}
	return nil
}

func (p *Proxy) serve(srv *http.Server, ln net.Listener, secure bool) {
	p.servers = append(p.servers, srv)
	go func() {
		slog.Info("gRPC proxy listening", "addr", ln.Addr().String(), "tls", secure)
		var err error
		if secure {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gRPC proxy server failed", "addr", ln.Addr().String(), "error", err)
		}
	}()
}

// PlainAddr is the bound h2c address; empty when that port is off.
func (p *Proxy) PlainAddr() string {
	if p.plainLn == nil {
		return ""
	}
	return p.plainLn.Addr().String()
}

// SecureAddr is the bound TLS address; empty when that port is off.
func (p *Proxy) SecureAddr() string {
	if p.secureLn == nil {
		return ""
	}
	return p.secureLn.Addr().String()
}

func (p *Proxy) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range p.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.plain.CloseIdleConnections()
	p.secure.CloseIdleConnections()
	return errors.Join(errs...)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := p.opts.Resolver.ClientHostname(ctx, r.RemoteAddr)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	info := message.RequestInfo{
		Method:      r.Method,
		Protocol:    string(proxyconfig.GRPC),
		URL:         (&url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}).String(),
		Path:        r.URL.Path,
		ClientIP:    client,
		Headers:     message.FlattenHeaders(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}

	cfg := p.opts.Store.Match(proxyconfig.GRPC, client, r.URL.RequestURI(), false)
	if cfg == nil {
		text := fmt.Sprintf("No matching proxy configuration found for %s", r.URL.Path)
		p.opts.Emitter.Emit(message.RequestAndResponse, p.opts.Builder.Error(info, nil, http.StatusNotFound, text), nil)
		http.Error(w, text, http.StatusNotFound)
		return
	}
	info.ServerHost = cfg.Target()
	msg := p.opts.Builder.NewRequest(info, cfg)

	transport, targetScheme := p.plain, "http"
	if cfg.IsSecure {
		transport, targetScheme = p.secure, "https"
	}
	target := &url.URL{Scheme: targetScheme, Host: cfg.Target(), Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	reqBuf := capture.NewBuffer(p.opts.MaxBodyBytes)
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), io.TeeReader(r.Body, reqBuf))
	if err != nil {
		p.fail(w, msg, cfg, http.StatusBadGateway, err)
		return
	}
	out.Header = r.Header.Clone()
	out.Host = cfg.Target()
	out.ContentLength = r.ContentLength
	out.Trailer = r.Trailer

	resp, err := transport.RoundTrip(out)
	if err != nil {
		slog.Warn("gRPC origin request failed", "url", target.String(), "error", err)
		p.fail(w, msg, cfg, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if k == "Trailer" {
			continue
		}
		header[k] = append([]string(nil), vv...)
	}
	// Trailers-only responses carry the status in headers; the client expects
	// it in the trailer frame.
	hoisted := map[string]string{}
	for _, k := range []string{"Grpc-Status", "Grpc-Message"} {
		if v := resp.Header.Get(k); v != "" {
			hoisted[k] = v
			header.Del(k)
		}
	}
	for k := range resp.Trailer {
		header.Add("Trailer", k)
	}
	w.WriteHeader(resp.StatusCode)

	respBuf := capture.NewBuffer(p.opts.MaxBodyBytes)
	if err := flushCopy(w, io.TeeReader(resp.Body, respBuf)); err != nil {
		slog.Debug("gRPC stream ended early", "url", target.String(), "error", err)
	}
	// resp.Trailer is only complete once the body is drained, and origins
	// rarely declare their trailers up front.
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			header.Add(http.TrailerPrefix+k, v)
		}
	}
	for k, v := range hoisted {
		header.Set(http.TrailerPrefix+k, v)
	}

	respHeaders := message.FlattenHeaders(resp.Header)
	for k, v := range message.FlattenHeaders(resp.Trailer) {
		respHeaders[k] = v
	}
	reqBody := capture.Body(reqBuf.Bytes(), r.Header.Get("Content-Encoding"))
	respBody := capture.Body(respBuf.Bytes(), resp.Header.Get("Content-Encoding"))
	msg.RequestBody = renderBody(reqBody, r.Header)
	p.opts.Builder.Complete(msg, resp.StatusCode, respHeaders, renderBody(respBody, resp.Header))
	msg.Type = message.RequestAndResponse
	p.opts.Emitter.Emit(message.RequestAndResponse, msg, cfg)
}

func (p *Proxy) fail(w http.ResponseWriter, msg *message.Message, cfg *proxyconfig.ProxyConfig, status int, err error) {
	p.opts.Builder.Complete(msg, status, nil, map[string]any{"error": err.Error()})
	msg.Type = message.RequestAndResponse
	p.opts.Emitter.Emit(message.RequestAndResponse, msg, cfg)
	http.Error(w, err.Error(), status)
}

func flushCopy(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// renderBody shows gRPC bodies message by message and anything else as
// JSON or text.
func renderBody(body []byte, h http.Header) any {
	if isGRPC(h.Get("Content-Type")) {
		return renderFrames(body, h.Get("Grpc-Encoding"))
	}
	if v := message.ToJSON(body); v != "" {
		if _, isString := v.(string); !isString {
			return v
		}
	}
	return capture.Text(body)
}

func isGRPC(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "application/grpc")
}
