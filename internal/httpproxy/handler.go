// Package httpproxy is the HTTP/1.1 and HTTP/2 capture engine behind the
// plaintext server and every TLS interception server.
package httpproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/netutil"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

// Emitter publishes captured exchanges.
type Emitter interface {
	Emit(typ message.Type, msg *message.Message, cfg *proxyconfig.ProxyConfig)
}

// Breakpointer hands JSON responses to an observer for editing.
type Breakpointer interface {
	BreakpointEnabled() bool
	Breakpoint(ctx context.Context, msg message.Message) message.Message
}

// Direction says how traffic reached a handler.
type Direction int

const (
	// Auto decides per request: absolute-form URLs are forward traffic.
	Auto Direction = iota
	// Forward traffic arrived through CONNECT or an absolute URL.
	Forward
	// Reverse traffic was addressed to the proxy itself.
	Reverse
)

// ReplacedHeader marks a response body served from a local file.
const ReplacedHeader = "allproxy-replaced-response"

// Options configures a Handler.
type Options struct {
	Protocol     proxyconfig.Protocol
	Direction    Direction
	Store        *proxyconfig.Store
	Builder      *message.Builder
	Emitter      Emitter
	Breakpoints  Breakpointer
	Transport    http.RoundTripper
	Replacements *storage.Replacements
	Resolver     *netutil.HostResolver
	Peers        *netutil.PeerMap
	ConsoleURL   string
	// Blocking refuses forward-proxy traffic.
	Blocking bool
	// EmitPartial emits the request half before the origin answers.
	EmitPartial  bool
	MaxBodyBytes int
}

// Handler captures and forwards one HTTP exchange per call.
type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.Transport == nil {
		opts.Transport = NewOriginTransport(true)
	}
	if opts.Resolver == nil {
		opts.Resolver = netutil.NewHostResolver()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 50 << 20
	}
	return &Handler{opts: opts}
}

type phase int

const (
	phaseAwaitingRequestBody phase = iota
	phaseForwarding
	phaseAwaitingResponseBody
	phaseComplete
)

func (p phase) String() string {
	switch p {
	case phaseAwaitingRequestBody:
		return "awaiting_request_body"
	case phaseForwarding:
		return "forwarding"
	case phaseAwaitingResponseBody:
		return "awaiting_response_body"
	default:
		return "complete"
	}
}

// exchange is the per-request state carried through the phases.
type exchange struct {
	phase    phase
	forward  bool
	clientIP string
	client   string
	url      string // client-facing URL
	target   *url.URL
	cfg      *proxyconfig.ProxyConfig
	msg      *message.Message
	partial  bool
	emitted  bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := &exchange{}
	var info message.RequestInfo
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("HTTP handler panic",
				"url", ex.url,
				"client_ip", ex.clientIP,
				"phase", ex.phase.String(),
				"panic", rec,
				"stack", string(debug.Stack()))
			h.recovered(w, ex, info)
		}
	}()

	ctx := r.Context()
	remote := h.opts.Peers.Resolve(r.RemoteAddr)
	ex.clientIP = hostOnly(remote)
	ex.client = h.opts.Resolver.ClientHostname(ctx, remote)
	ex.forward = h.isForward(r)
	ex.url = h.clientURL(r, ex.forward)

	info = message.RequestInfo{
		Method:      r.Method,
		Protocol:    string(h.opts.Protocol),
		URL:         ex.url,
		Path:        r.URL.Path,
		ClientIP:    ex.client,
		Headers:     message.FlattenHeaders(r.Header),
		ContentType: r.Header.Get("Content-Type"),
	}

	if h.opts.Blocking && ex.forward {
		h.fail(w, ex, info, http.StatusForbidden, "Forward proxy requests are blocked on this server")
		return
	}

	if !h.resolve(w, r, ex, &info) {
		return
	}
	info.ServerHost = ex.target.Host

	if isWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, ex, info)
		return
	}

	// The request half goes out before the body arrives so long uploads show
	// up while in flight; the final emission carries the body.
	ex.msg = h.opts.Builder.NewRequest(info, ex.cfg)
	if h.opts.EmitPartial {
		h.opts.Emitter.Emit(message.Request, ex.msg, ex.cfg)
		ex.partial = true
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Debug("Request body read failed", "url", ex.url, "error", err)
	}
	if len(body) > 0 {
		h.opts.Builder.SetRequestBody(ex.msg, info.ContentType, body)
	}

	// Origin.
	ex.phase = phaseForwarding
	out, err := http.NewRequestWithContext(ctx, r.Method, ex.target.String(), nil)
	if err != nil {
		h.finishError(w, ex, http.StatusBadRequest, err.Error())
		return
	}
	copyHeader(out.Header, r.Header)
	removeHopHeaders(out.Header)
	if ex.forward {
		out.Host = r.Host
	}
	resp, err := roundTrip(ctx, h.opts.Transport, out, body)
	if err != nil {
		slog.Warn("Origin request failed", "url", ex.url, "target", ex.target.Host, "client_ip", ex.clientIP, "error", err)
		h.finishError(w, ex, originStatus(err), err.Error())
		return
	}
	defer resp.Body.Close()

	ex.phase = phaseAwaitingResponseBody
	h.respond(w, r, ex, resp)
	ex.phase = phaseComplete
}

// resolve finds the rule for the request and the origin URL. It writes the
// client response itself and returns false when there is nothing to forward.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, ex *exchange, info *message.RequestInfo) bool {
	matchURL := r.URL.RequestURI()
	if ex.forward {
		matchURL = ex.url
	}
	ex.cfg = h.opts.Store.Match(h.opts.Protocol, ex.client, matchURL, ex.forward)

	if ex.cfg == nil && ex.forward {
		cfg, err := proxyconfig.Ephemeral(ex.url)
		if err != nil {
			h.fail(w, ex, *info, http.StatusBadRequest, err.Error())
			return false
		}
		ex.cfg = cfg
	}
	if ex.cfg == nil {
		if r.URL.Path == "/" && h.opts.ConsoleURL != "" {
			http.Redirect(w, r, h.opts.ConsoleURL, http.StatusFound)
			return false
		}
		h.fail(w, ex, *info, http.StatusNotFound,
			fmt.Sprintf("No matching proxy configuration found for %s", r.URL.Path))
		return false
	}

	if ex.forward {
		u, err := url.Parse(ex.url)
		if err != nil {
			h.fail(w, ex, *info, http.StatusBadRequest, err.Error())
			return false
		}
		ex.target = u
		return true
	}
	scheme := "http"
	if ex.cfg.IsSecure {
		scheme = "https"
	}
	ex.target = &url.URL{Scheme: scheme, Host: ex.cfg.Target(), Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return true
}

// fail answers a request that never reached an origin and emits it as one
// finished exchange.
func (h *Handler) fail(w http.ResponseWriter, ex *exchange, info message.RequestInfo, status int, text string) {
	msg := h.opts.Builder.Error(info, ex.cfg, status, text)
	h.opts.Emitter.Emit(message.RequestAndResponse, msg, ex.cfg)
	ex.emitted = true
	http.Error(w, text, status)
}

// recovered closes out an exchange interrupted by a panic so it is still
// logged once.
func (h *Handler) recovered(w http.ResponseWriter, ex *exchange, info message.RequestInfo) {
	const text = "Internal proxy error"
	if !ex.emitted {
		if ex.msg != nil {
			h.opts.Builder.Complete(ex.msg, http.StatusInternalServerError, nil, map[string]any{"error": text})
			h.emitFinal(ex)
		} else {
			h.opts.Emitter.Emit(message.RequestAndResponse,
				h.opts.Builder.Error(info, ex.cfg, http.StatusInternalServerError, text), ex.cfg)
			ex.emitted = true
		}
	}
	if ex.phase < phaseAwaitingResponseBody {
		http.Error(w, text, http.StatusInternalServerError)
	}
}

// finishError completes an already-started exchange with a synthetic error.
func (h *Handler) finishError(w http.ResponseWriter, ex *exchange, status int, text string) {
	h.opts.Builder.Complete(ex.msg, status, nil, map[string]any{"error": text})
	h.emitFinal(ex)
	http.Error(w, text, status)
}

func (h *Handler) emitFinal(ex *exchange) {
	typ := message.RequestAndResponse
	if ex.partial {
		typ = message.Response
	}
	h.opts.Emitter.Emit(typ, ex.msg, ex.cfg)
	ex.emitted = true
}

func (h *Handler) isForward(r *http.Request) bool {
	switch h.opts.Direction {
	case Forward:
		return true
	case Reverse:
		return false
	default:
		return r.URL.IsAbs()
	}
}

// clientURL is the URL as the client meant it.
func (h *Handler) clientURL(r *http.Request, forward bool) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil || h.opts.Protocol == proxyconfig.HTTPS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	if !forward && u.Host == "" {
		u.Host = "localhost"
	}
	return u.String()
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
