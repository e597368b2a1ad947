package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/allproxy/internal/controller"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

type stubService struct {
	replaced []*proxyconfig.ProxyConfig
	resent   []message.ResendRequest
	err      error
}

func (s *stubService) Health(ctx context.Context) controller.Health {
	return controller.Health{Status: "ok", Observers: 1}
}
func (s *stubService) ListConfigs(ctx context.Context, protocol string) ([]proxyconfig.ProxyConfig, error) {
	return nil, s.err
}
func (s *stubService) ReplaceConfigs(ctx context.Context, cfgs []*proxyconfig.ProxyConfig) ([]proxyconfig.ProxyConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.replaced = cfgs
	out := make([]proxyconfig.ProxyConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c.Clone())
	}
	return out, nil
}
func (s *stubService) ProbeConfigs(ctx context.Context) []proxyconfig.ProxyConfig { return nil }
func (s *stubService) Ports(ctx context.Context) observer.PortConfig {
	return observer.PortConfig{HTTPPort: 8888}
}
func (s *stubService) Resend(ctx context.Context, req message.ResendRequest) error {
	s.resent = append(s.resent, req)
	return s.err
}
func (s *stubService) Recent(ctx context.Context, limit int, protocol string) ([]storage.Record, error) {
	return nil, s.err
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	w := serve(NewServer(&stubService{}, Streams{}), http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestEventDocsListFeeds(t *testing.T) {
	h := NewServer(&stubService{}, Streams{FeedNames: func() []string { return []string{"messages", "graphql"} }})
	w := serve(h, http.MethodGet, "/docs/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "<code>graphql</code>") {
		t.Fatalf("events docs missing configured feed")
	}
}

func TestHealth(t *testing.T) {
	w := serve(NewServer(&stubService{}, Streams{}), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got controller.Health
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.Observers != 1 {
		t.Fatalf("health = %+v", got)
	}
}

func TestReplaceConfigsAcceptsBothShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"list", `[{"protocol":"redis","path":"6380","hostname":"localhost","port":6379}]`},
		{"file", `{"configs":[{"protocol":"redis:","path":"6380","hostname":"localhost","port":6379}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			w := serve(NewServer(svc, Streams{}), http.MethodPut, "/api/v1/configs", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if len(svc.replaced) != 1 || svc.replaced[0].Protocol != proxyconfig.Redis {
				t.Fatalf("replaced = %+v", svc.replaced)
			}
		})
	}
}

func TestReplaceConfigsRejectsUnknownProtocol(t *testing.T) {
	w := serve(NewServer(&stubService{}, Streams{}), http.MethodPut, "/api/v1/configs", `[{"protocol":"gopher","path":"/"}]`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestMapErrCodes(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{proxyconfig.CodeValidation, http.StatusBadRequest},
		{proxyconfig.CodeNotFound, http.StatusNotFound},
		{proxyconfig.CodeSandbox, http.StatusForbidden},
		{proxyconfig.CodeUnreachable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &stubService{err: proxyconfig.NewError(tt.code, "boom", nil)}
			w := serve(NewServer(svc, Streams{}), http.MethodGet, "/api/v1/archive", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d", w.Code, tt.want)
			}
		})
	}
}

func TestResendPassesRequestThrough(t *testing.T) {
	svc := &stubService{}
	w := serve(NewServer(svc, Streams{}), http.MethodPost, "/api/v1/resend",
		`{"method":"post","url":"http://example.com/a","bodyEdits":{"user.id":7},"forward":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(svc.resent) != 1 {
		t.Fatalf("resent %d requests; want 1", len(svc.resent))
	}
	got := svc.resent[0]
	if got.URL != "http://example.com/a" || !got.Forward || got.BodyEdits["user.id"] != float64(7) {
		t.Fatalf("resent = %+v", got)
	}
}

func TestStreamsAreMounted(t *testing.T) {
	hit := ""
	h := NewServer(&stubService{}, Streams{
		Observers: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = "ws" }),
		Events:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = "events" }),
	})
	serve(h, http.MethodGet, "/ws", "")
	if hit != "ws" {
		t.Fatalf("/ws reached %q", hit)
	}
	serve(h, http.MethodGet, "/api/v1/events", "")
	if hit != "events" {
		t.Fatalf("/api/v1/events reached %q", hit)
	}
}
