package httpproxy

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

type emitted struct {
	typ message.Type
	msg message.Message
}

type recorder struct {
	ch chan emitted
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan emitted, 64)}
}

func (r *recorder) Emit(typ message.Type, msg *message.Message, _ *proxyconfig.ProxyConfig) {
	r.ch <- emitted{typ: typ, msg: msg.Snapshot()}
}

func (r *recorder) next(t *testing.T) emitted {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("no message emitted")
		return emitted{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected emission %s %s", e.typ, e.msg.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixedBreakpoint struct {
	status int
	body   any
}

func (f fixedBreakpoint) BreakpointEnabled() bool { return true }

func (f fixedBreakpoint) Breakpoint(_ context.Context, msg message.Message) message.Message {
	msg.Status = f.status
	msg.ResponseBody = f.body
	msg.Modified = true
	return msg
}

func newProxy(t *testing.T, opts Options) (*httptest.Server, *recorder) {
	t.Helper()
	rec := newRecorder()
	if opts.Store == nil {
		opts.Store = proxyconfig.NewStore()
	}
	if opts.Protocol == "" {
		opts.Protocol = proxyconfig.HTTP
	}
	opts.Builder = message.NewBuilder(message.NewSequencer())
	opts.Emitter = rec
	srv := httptest.NewServer(NewHandler(opts))
	t.Cleanup(srv.Close)
	return srv, rec
}

func forwardClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	return &http.Client{
		Transport:     &http.Transport{Proxy: http.ProxyURL(u)},
		CheckRedirect: noRedirect,
	}
}

func reverseRule(t *testing.T, store *proxyconfig.Store, path, origin string) {
	t.Helper()
	u, _ := url.Parse(origin)
	port, _ := strconv.Atoi(u.Port())
	store.SeedPending([]*proxyconfig.ProxyConfig{{
		Protocol:  proxyconfig.HTTP,
		Path:      path,
		Hostname:  u.Hostname(),
		Port:      port,
		Recording: true,
	}})
}

func TestForwardPassthrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	defer origin.Close()

	proxy, rec := newProxy(t, Options{})
	resp, err := forwardClient(t, proxy.URL).Get(origin.URL + "/foo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != `{"path":"/foo"}` {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}

	e := rec.next(t)
	if e.typ != message.RequestAndResponse {
		t.Fatalf("type = %s; want REQUEST_AND_RESPONSE", e.typ)
	}
	if e.msg.URL != origin.URL+"/foo" {
		t.Fatalf("url = %q; want %q", e.msg.URL, origin.URL+"/foo")
	}
	if e.msg.Status != http.StatusOK {
		t.Fatalf("status = %d", e.msg.Status)
	}
	got, ok := e.msg.ResponseBody.(map[string]any)
	if !ok || got["path"] != "/foo" {
		t.Fatalf("responseBody = %#v", e.msg.ResponseBody)
	}
	if e.msg.ProxyConfig == nil || !e.msg.ProxyConfig.IsDynamic() {
		t.Fatalf("proxyConfig = %+v; want dynamic", e.msg.ProxyConfig)
	}
	rec.none(t)
}

func TestPartialEmission(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer origin.Close()

	proxy, rec := newProxy(t, Options{EmitPartial: true})
	resp, err := forwardClient(t, proxy.URL).Post(origin.URL+"/submit", "application/x-www-form-urlencoded", strings.NewReader("a=1&b=2"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	first := rec.next(t)
	if first.typ != message.Request || first.msg.ResponseBody != message.NoResponse {
		t.Fatalf("first emission = %s %v", first.typ, first.msg.ResponseBody)
	}
	if first.msg.RequestBody != "" {
		t.Fatalf("request emitted after the body was read: %#v", first.msg.RequestBody)
	}
	second := rec.next(t)
	if second.typ != message.Response || second.msg.ResponseBody != "ok" {
		t.Fatalf("second emission = %s %v", second.typ, second.msg.ResponseBody)
	}
	form, ok := second.msg.RequestBody.(map[string]any)
	if !ok || form["a"] != "1" {
		t.Fatalf("requestBody = %#v", second.msg.RequestBody)
	}
	if second.msg.SequenceNumber != first.msg.SequenceNumber {
		t.Fatalf("sequence changed: %v -> %v", first.msg.SequenceNumber, second.msg.SequenceNumber)
	}
}

func TestUndeclaredTrailersReachClient(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "chunk")
		w.(http.Flusher).Flush()
		w.Header().Set(http.TrailerPrefix+"X-Checksum", "abc")
	}))
	defer origin.Close()

	proxy, rec := newProxy(t, Options{})
	resp, err := forwardClient(t, proxy.URL).Get(origin.URL + "/stream")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "chunk" {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Trailer.Get("X-Checksum"); got != "abc" {
		t.Fatalf("trailer x-checksum = %q; want abc", got)
	}
	if e := rec.next(t); e.msg.ResponseHeaders["x-checksum"] != "abc" {
		t.Fatalf("responseHeaders = %v", e.msg.ResponseHeaders)
	}
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestPanicStillEmitsExchange(t *testing.T) {
	proxy, rec := newProxy(t, Options{Transport: panicTransport{}})
	resp, err := forwardClient(t, proxy.URL).Get("http://example.invalid/boom")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", resp.StatusCode)
	}
	e := rec.next(t)
	if e.typ != message.RequestAndResponse || e.msg.Status != http.StatusInternalServerError {
		t.Fatalf("emitted = %s %d", e.typ, e.msg.Status)
	}
	if e.msg.URL != "http://example.invalid/boom" {
		t.Fatalf("url = %q", e.msg.URL)
	}
	rec.none(t)
}

func TestNoMatchReturns404(t *testing.T) {
	proxy, rec := newProxy(t, Options{ConsoleURL: "http://127.0.0.1:9999/"})
	client := &http.Client{CheckRedirect: noRedirect}

	resp, err := client.Get(proxy.URL + "/nothing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", resp.StatusCode)
	}
	want := "No matching proxy configuration found for /nothing"
	if !strings.Contains(string(body), want) {
		t.Fatalf("body = %q; want %q", body, want)
	}
	e := rec.next(t)
	errBody, ok := e.msg.ResponseBody.(map[string]any)
	if !ok || errBody["error"] != want {
		t.Fatalf("responseBody = %#v", e.msg.ResponseBody)
	}

	resp, err = client.Get(proxy.URL + "/")
	if err != nil {
		t.Fatalf("Get(/) error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "http://127.0.0.1:9999/" {
		t.Fatalf("root = %d %q; want 302 to console", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestBlockingRefusesForward(t *testing.T) {
	proxy, rec := newProxy(t, Options{Blocking: true})
	resp, err := forwardClient(t, proxy.URL).Get("http://example.invalid/x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d; want 403", resp.StatusCode)
	}
	if e := rec.next(t); e.msg.Status != http.StatusForbidden {
		t.Fatalf("emitted status = %d", e.msg.Status)
	}
}

func TestReverseReplacement(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "from origin")
	}))
	defer origin.Close()

	store := proxyconfig.NewStore()
	reverseRule(t, store, "/api", origin.URL)
	repl := storage.NewReplacements(t.TempDir())
	host := strings.TrimPrefix(origin.URL, "http://")
	if err := repl.Save(host, "/api/data", []byte("from file")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	proxy, rec := newProxy(t, Options{Store: store, Replacements: repl})
	resp, err := http.Get(proxy.URL + "/api/data")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "from file" {
		t.Fatalf("body = %q; want replacement", body)
	}
	if resp.Header.Get(ReplacedHeader) == "" {
		t.Fatalf("missing %s header", ReplacedHeader)
	}
	if e := rec.next(t); e.msg.ResponseBody != "from file" {
		t.Fatalf("responseBody = %v", e.msg.ResponseBody)
	}

	resp, err = http.Get(proxy.URL + "/api/other")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "from origin" {
		t.Fatalf("body = %q; want origin", body)
	}
}

func TestBreakpointEditsJSONResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"a":1}`)
	}))
	defer origin.Close()

	store := proxyconfig.NewStore()
	reverseRule(t, store, "/", origin.URL)
	proxy, rec := newProxy(t, Options{
		Store:       store,
		Breakpoints: fixedBreakpoint{status: http.StatusCreated, body: map[string]any{"a": 2}},
	})

	resp, err := http.Get(proxy.URL + "/thing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || string(body) != `{"a":2}` {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}
	if resp.ContentLength != int64(len(`{"a":2}`)) {
		t.Fatalf("content length = %d", resp.ContentLength)
	}
	e := rec.next(t)
	if !e.msg.Modified || e.msg.Status != http.StatusCreated {
		t.Fatalf("emitted = modified %v status %d", e.msg.Modified, e.msg.Status)
	}
}

func TestOriginUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	proxy, rec := newProxy(t, Options{})
	resp, err := forwardClient(t, proxy.URL).Get(addr + "/x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", resp.StatusCode)
	}
	e := rec.next(t)
	if _, ok := e.msg.ResponseBody.(map[string]any)["error"]; !ok {
		t.Fatalf("responseBody = %#v", e.msg.ResponseBody)
	}
}

func TestResendBodyEdits(t *testing.T) {
	got, err := resendBody(message.ResendRequest{
		Body:      map[string]any{"user": map[string]any{"id": 1}},
		BodyEdits: map[string]any{"user.id": 7, "extra": "x"},
	})
	if err != nil {
		t.Fatalf("resendBody() error = %v", err)
	}
	if string(got) != `{"user":{"id":7},"extra":"x"}` {
		t.Fatalf("resendBody() = %s", got)
	}

	if _, err := resendBody(message.ResendRequest{Body: "not json", BodyEdits: map[string]any{"a": 1}}); err == nil {
		t.Fatalf("resendBody() accepted edits on a text body")
	}
}

func TestResendGoesThroughProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "again")
	}))
	defer origin.Close()

	proxy, rec := newProxy(t, Options{})
	rs := NewResender(strings.TrimPrefix(proxy.URL, "http://"))
	err := rs.Resend(context.Background(), message.ResendRequest{Method: "get", URL: origin.URL + "/r", Forward: true})
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	e := rec.next(t)
	if e.msg.URL != origin.URL+"/r" || e.msg.ResponseBody != "again" {
		t.Fatalf("emitted = %s %v", e.msg.URL, e.msg.ResponseBody)
	}
}

func TestResendHTTPSRuleKeepsHostAndServerName(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure "+r.URL.Path)
	}))
	defer origin.Close()

	u, _ := url.Parse(origin.URL)
	port, _ := strconv.Atoi(u.Port())
	store := proxyconfig.NewStore()
	store.SeedPending([]*proxyconfig.ProxyConfig{{
		Protocol:  proxyconfig.HTTPS,
		Path:      "/api",
		Hostname:  u.Hostname(),
		Port:      port,
		Recording: true,
	}})

	rec := newRecorder()
	sni := make(chan string, 1)
	proxy := httptest.NewUnstartedServer(NewHandler(Options{
		Protocol:  proxyconfig.HTTPS,
		Direction: Reverse,
		Store:     store,
		Builder:   message.NewBuilder(message.NewSequencer()),
		Emitter:   rec,
	}))
	proxy.TLS = &tls.Config{GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		sni <- hello.ServerName
		return nil, nil
	}}
	proxy.StartTLS()
	defer proxy.Close()

	rs := NewResender(strings.TrimPrefix(proxy.URL, "https://"))
	if err := rs.Resend(context.Background(), message.ResendRequest{URL: "https://api.example.test/api/x"}); err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if got := <-sni; got != "api.example.test" {
		t.Fatalf("server name = %q; want api.example.test", got)
	}
	e := rec.next(t)
	if e.msg.Status != http.StatusOK || e.msg.ResponseBody != "secure /api/x" {
		t.Fatalf("emitted = %d %v", e.msg.Status, e.msg.ResponseBody)
	}
	if e.msg.URL != "https://api.example.test/api/x" {
		t.Fatalf("url = %q; want the original https URL", e.msg.URL)
	}
}
