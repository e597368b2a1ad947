package controller

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

func newService(t *testing.T, configPath string) *Service {
	t.Helper()
	store := proxyconfig.NewStore()
	seq := message.NewSequencer()
	return NewService(Options{
		Store:      store,
		Observers:  observer.NewManager(observer.Options{Store: store, Sequencer: seq}),
		Sequencer:  seq,
		ConfigPath: configPath,
	})
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var got *proxyconfig.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("error = %v (%T); want *proxyconfig.CodedError", err, err)
	}
	if got.Code != code {
		t.Fatalf("error code = %q; want %q", got.Code, code)
	}
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("https://example.com", "url"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}
	err := s.requireNonEmpty("   ", "url")
	wantCode(t, err, proxyconfig.CodeValidation)
	if got := err.(*proxyconfig.CodedError).Message; got != "url is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got, "url is required")
	}
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestReplaceConfigsPersistsAndFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := newService(t, path)
	port := closedPort(t)

	got, err := s.ReplaceConfigs(context.Background(), []*proxyconfig.ProxyConfig{
		{Protocol: proxyconfig.HTTP, Path: "/api", Hostname: "127.0.0.1", Port: port},
		{Protocol: proxyconfig.Browser, Path: "example.com"},
	})
	if err != nil {
		t.Fatalf("ReplaceConfigs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReplaceConfigs() = %d rules; want 2", len(got))
	}
	if got[0].HostReachable {
		t.Fatalf("HostReachable = true for a closed port")
	}

	saved, err := proxyconfig.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved %d rules; want 2", len(saved))
	}

	httpOnly, err := s.ListConfigs(context.Background(), "http")
	if err != nil {
		t.Fatalf("ListConfigs() error = %v", err)
	}
	if len(httpOnly) != 1 || httpOnly[0].Path != "/api" {
		t.Fatalf("ListConfigs(http) = %+v", httpOnly)
	}
	if h := s.Health(context.Background()); h.Rules != 2 || h.Status != "ok" {
		t.Fatalf("Health() = %+v", h)
	}
}

func TestReplaceConfigsRejectsInvalid(t *testing.T) {
	s := newService(t, "")
	rule := func() *proxyconfig.ProxyConfig {
		return &proxyconfig.ProxyConfig{Protocol: proxyconfig.HTTP, Path: "/", Hostname: "localhost", Port: 80}
	}
	tests := []struct {
		name string
		cfgs []*proxyconfig.ProxyConfig
	}{
		{"duplicate", []*proxyconfig.ProxyConfig{rule(), rule()}},
		{"missing hostname", []*proxyconfig.ProxyConfig{{Protocol: proxyconfig.HTTP, Path: "/", Port: 80}}},
		{"redis without listen port", []*proxyconfig.ProxyConfig{{Protocol: proxyconfig.Redis, Path: "cache", Hostname: "localhost", Port: 6379}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ReplaceConfigs(context.Background(), tt.cfgs)
			wantCode(t, err, proxyconfig.CodeValidation)
		})
	}
}

func TestListConfigsUnknownProtocol(t *testing.T) {
	s := newService(t, "")
	_, err := s.ListConfigs(context.Background(), "gopher")
	wantCode(t, err, proxyconfig.CodeValidation)
}

func TestRecentNeedsListingArchive(t *testing.T) {
	s := newService(t, "")
	_, err := s.Recent(context.Background(), 10, "")
	wantCode(t, err, proxyconfig.CodeNotFound)
}

func TestResendValidation(t *testing.T) {
	s := newService(t, "")
	wantCode(t, s.Resend(context.Background(), message.ResendRequest{}), proxyconfig.CodeValidation)
	wantCode(t, s.Resend(context.Background(), message.ResendRequest{URL: "/relative"}), proxyconfig.CodeValidation)
	wantCode(t, s.Resend(context.Background(), message.ResendRequest{URL: "http://example.com/"}), proxyconfig.CodeUnreachable)
}
