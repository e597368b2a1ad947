package grpcproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

type recorder struct {
	ch chan message.Message
}

func (r *recorder) Emit(_ message.Type, msg *message.Message, _ *proxyconfig.ProxyConfig) {
	r.ch <- msg.Snapshot()
}

func frame(payload string) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(b[1:frameHeaderLen], uint32(len(payload)))
	copy(b[frameHeaderLen:], payload)
	return b
}

func h2cClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func startProxy(t *testing.T, origin http.Handler) (*Proxy, *recorder) {
	t.Helper()
	up := httptest.NewUnstartedServer(h2c.NewHandler(origin, &http2.Server{}))
	up.Start()
	t.Cleanup(up.Close)

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(up.URL, "http://"))
	port, _ := strconv.Atoi(portStr)
	store := proxyconfig.NewStore()
	store.SeedPending([]*proxyconfig.ProxyConfig{{Protocol: proxyconfig.GRPC, Path: "/", Hostname: host, Port: port, Recording: true}})

	rec := &recorder{ch: make(chan message.Message, 8)}
	p := New(Options{Store: store, Builder: message.NewBuilder(message.NewSequencer()), Emitter: rec})
	if err := p.Start(context.Background(), "127.0.0.1:0", ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, rec
}

func call(t *testing.T, p *Proxy, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "http://"+p.PlainAddr()+"/pkg.Greeter/SayHello", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("Te", "trailers")
	resp, err := h2cClient().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, out
}

func TestTrailersAreRelayed(t *testing.T) {
	p, rec := startProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/grpc")
		w.Header().Set("Trailer", "Grpc-Status")
		_, _ = w.Write(frame("re:" + string(in[frameHeaderLen:])))
		w.Header().Set("Grpc-Status", "0")
	}))

	resp, body := call(t, p, frame("hi"))
	if !bytes.Equal(body, frame("re:hi")) {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Trailer.Get("Grpc-Status"); got != "0" {
		t.Fatalf("trailer grpc-status = %q; want 0", got)
	}

	select {
	case msg := <-rec.ch:
		if msg.Protocol != string(proxyconfig.GRPC) || msg.Status != http.StatusOK {
			t.Fatalf("emitted = %s %d", msg.Protocol, msg.Status)
		}
		if s, _ := msg.ResponseBody.(string); !strings.Contains(s, "message 1 compressed=false length=5") {
			t.Fatalf("responseBody = %v", msg.ResponseBody)
		}
		if msg.ResponseHeaders["grpc-status"] != "0" {
			t.Fatalf("responseHeaders = %v", msg.ResponseHeaders)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no message emitted")
	}
}

func TestUndeclaredTrailersAreRelayed(t *testing.T) {
	p, rec := startProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/grpc")
		_, _ = w.Write(frame("ok"))
		w.Header().Set(http.TrailerPrefix+"Grpc-Status", "0")
		w.Header().Set(http.TrailerPrefix+"Grpc-Message", "done")
	}))

	resp, body := call(t, p, frame("hi"))
	if !bytes.Equal(body, frame("ok")) {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Trailer.Get("Grpc-Status"); got != "0" {
		t.Fatalf("trailer grpc-status = %q; want 0", got)
	}
	if got := resp.Trailer.Get("Grpc-Message"); got != "done" {
		t.Fatalf("trailer grpc-message = %q; want done", got)
	}

	select {
	case msg := <-rec.ch:
		if msg.ResponseHeaders["grpc-status"] != "0" {
			t.Fatalf("responseHeaders = %v", msg.ResponseHeaders)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no message emitted")
	}
}

func TestTrailersOnlyStatusIsPromoted(t *testing.T) {
	p, _ := startProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/grpc")
		w.Header().Set("Grpc-Status", "5")
		w.Header().Set("Grpc-Message", "not found")
		w.WriteHeader(http.StatusOK)
	}))

	resp, _ := call(t, p, frame("x"))
	if got := resp.Header.Get("Grpc-Status"); got != "" {
		t.Fatalf("header grpc-status = %q; want it only in trailers", got)
	}
	if got := resp.Trailer.Get("Grpc-Status"); got != "5" {
		t.Fatalf("trailer grpc-status = %q; want 5", got)
	}
	if got := resp.Trailer.Get("Grpc-Message"); got != "not found" {
		t.Fatalf("trailer grpc-message = %q", got)
	}
}

func TestUnreachableOriginIs502(t *testing.T) {
	dead, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := dead.Addr().(*net.TCPAddr)
	dead.Close()

	store := proxyconfig.NewStore()
	store.SeedPending([]*proxyconfig.ProxyConfig{{Protocol: proxyconfig.GRPC, Path: "/", Hostname: "127.0.0.1", Port: addr.Port}})
	rec := &recorder{ch: make(chan message.Message, 8)}
	p := New(Options{Store: store, Builder: message.NewBuilder(message.NewSequencer()), Emitter: rec})
	if err := p.Start(context.Background(), "127.0.0.1:0", ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	resp, _ := call(t, p, frame("x"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", resp.StatusCode)
	}
	msg := <-rec.ch
	if _, ok := msg.ResponseBody.(map[string]any); !ok {
		t.Fatalf("responseBody = %#v; want error document", msg.ResponseBody)
	}
}

func TestRenderFramesPartial(t *testing.T) {
	b := append(frame("ab"), 0, 0, 0, 0, 9, 'x')
	got := renderFrames(b, "")
	if !strings.Contains(got, "message 1 compressed=false length=2") || !strings.Contains(got, "message 2 compressed=false length=1 (partial)") {
		t.Fatalf("renderFrames() = %q", got)
	}
}
