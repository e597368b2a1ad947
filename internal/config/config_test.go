package config

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ALLPROXY_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenPort != 8888 {
		t.Fatalf("ListenPort = %d; want 8888", cfg.ListenPort)
	}
	if cfg.ConsoleAddr != "127.0.0.1:8889" {
		t.Fatalf("ConsoleAddr = %q", cfg.ConsoleAddr)
	}
	if want := filepath.Join(dir, "config.json"); cfg.ConfigFile != want {
		t.Fatalf("ConfigFile = %q; want %q", cfg.ConfigFile, want)
	}
	if want := filepath.Join(dir, "certs"); cfg.CertDir != want {
		t.Fatalf("CertDir = %q; want %q", cfg.CertDir, want)
	}
	if cfg.Blocking() {
		t.Fatalf("Blocking() = true without a public hostname")
	}
	if plain, secure := cfg.GRPCAddrs(); plain != "" || secure != "" {
		t.Fatalf("GRPCAddrs() = %q, %q; want both disabled", plain, secure)
	}
	if !cfg.HTTP2 || cfg.Archive != "none" {
		t.Fatalf("HTTP2 = %v, Archive = %q", cfg.HTTP2, cfg.Archive)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ALLPROXY_LISTEN_PORT", "9000")
	t.Setenv("ALLPROXY_GRPC_PORT", "11000")
	t.Setenv("ALLPROXY_PUBLIC_HOSTNAME", "proxy.example.com")
	t.Setenv("ALLPROXY_HTTP2", "false")
	t.Setenv("ALLPROXY_ARCHIVE", "SQLite")
	t.Setenv("ALLPROXY_DOCKER", "true")
	t.Setenv("ALLPROXY_CONSOLE_FALLBACKS", " 127.0.0.1:9001, ,127.0.0.1:9002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr() != ":9000" {
		t.Fatalf("ListenAddr() = %q", cfg.ListenAddr())
	}
	if plain, _ := cfg.GRPCAddrs(); plain != ":11000" {
		t.Fatalf("GRPCAddrs() plain = %q", plain)
	}
	if !cfg.Blocking() || cfg.HTTP2 || cfg.Archive != "sqlite" {
		t.Fatalf("Blocking = %v, HTTP2 = %v, Archive = %q", cfg.Blocking(), cfg.HTTP2, cfg.Archive)
	}
	if cfg.ConsoleAddr != "0.0.0.0:8889" {
		t.Fatalf("ConsoleAddr = %q; want all interfaces in docker", cfg.ConsoleAddr)
	}
	if want := []string{"127.0.0.1:9001", "127.0.0.1:9002"}; !reflect.DeepEqual(cfg.ConsoleFallbacks, want) {
		t.Fatalf("ConsoleFallbacks = %v; want %v", cfg.ConsoleFallbacks, want)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"ALLPROXY_LISTEN_PORT", "70000"},
		{"ALLPROXY_CONSOLE_ADDR", "no-port"},
		{"ALLPROXY_ARCHIVE", "s3"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded; want error", tt.key, tt.val)
			}
		})
	}
}
