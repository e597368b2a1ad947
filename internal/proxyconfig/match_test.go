package proxyconfig

import (
	"testing"
)

func rule(proto Protocol, path string) *ProxyConfig {
	return &ProxyConfig{Protocol: proto, Path: path, Hostname: "upstream", Port: 8080, Recording: true}
}

func TestMatchLongestPathWins(t *testing.T) {
	short := rule(HTTP, "/api")
	long := rule(HTTP, "/api/v2")
	cfgs := []*ProxyConfig{short, long}

	for i := 0; i < 3; i++ {
		if got := Match(cfgs, HTTP, "", "/api/v2/users", false); got != long {
			t.Fatalf("Match() = %+v; want %+v", got, long)
		}
	}
	if got := Match(cfgs, HTTP, "", "/api/v1/users", false); got != short {
		t.Fatalf("Match(/api/v1) = %+v; want %+v", got, short)
	}
	// Order of registration does not change the winner.
	if got := Match([]*ProxyConfig{long, short}, HTTP, "", "/api/v2/x", false); got != long {
		t.Fatalf("Match(reversed) = %+v; want %+v", got, long)
	}
}

func TestMatchDirectionality(t *testing.T) {
	browser := rule(Browser, "/")
	reverse := rule(HTTP, "/")
	cfgs := []*ProxyConfig{browser, reverse}

	if got := Match(cfgs, HTTP, "", "http://example.com/foo", true); got != browser {
		t.Fatalf("forward Match() = %+v; want browser rule", got)
	}
	if got := Match(cfgs, HTTP, "", "/foo", false); got != reverse {
		t.Fatalf("reverse Match() = %+v; want http rule", got)
	}
	if got := Match([]*ProxyConfig{browser}, HTTP, "", "/foo", false); got != nil {
		t.Fatalf("reverse Match() with only browser = %+v; want nil", got)
	}
	if got := Match([]*ProxyConfig{reverse}, HTTP, "", "http://example.com/foo", true); got != nil {
		t.Fatalf("forward Match() with only http = %+v; want nil", got)
	}
}

func TestMatchProtocolMismatch(t *testing.T) {
	cfgs := []*ProxyConfig{rule(HTTPS, "/")}
	if got := Match(cfgs, HTTP, "", "/x", false); got != nil {
		t.Fatalf("Match(http) against https rule = %+v; want nil", got)
	}
}

func TestMatchClientHostPrefix(t *testing.T) {
	byHost := rule(HTTP, "laptop/api")
	cfgs := []*ProxyConfig{rule(HTTP, "/"), byHost}

	if got := Match(cfgs, HTTP, "laptop", "/api/items", false); got != byHost {
		t.Fatalf("Match() = %+v; want client-host rule", got)
	}
	if got := Match(cfgs, HTTP, "desktop", "/api/items", false); got == byHost {
		t.Fatal("Match() picked client-host rule for another client")
	}
}

func TestMatchRegex(t *testing.T) {
	re := rule(HTTP, `^/users/[0-9]+$`)
	cfgs := []*ProxyConfig{re}

	if got := Match(cfgs, HTTP, "", "/users/42", false); got != re {
		t.Fatalf("Match(/users/42) = %+v; want regex rule", got)
	}
	if got := Match(cfgs, HTTP, "", "/users/abc", false); got != nil {
		t.Fatalf("Match(/users/abc) = %+v; want nil", got)
	}
}

func TestMatchEmptyRegexMatchDoesNotCount(t *testing.T) {
	cfgs := []*ProxyConfig{rule(HTTP, `x*`)}
	if got := Match(cfgs, HTTP, "", "/abc", false); got != nil {
		t.Fatalf("Match() with empty regex match = %+v; want nil", got)
	}
}

func TestIsRegexPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api", false},
		{"api.example.com/v1", false},
		{"/api/.*", true},
		{"^/x", true},
		{"/a|/b", true},
	}
	for _, tt := range tests {
		if got := IsRegexPath(tt.path); got != tt.want {
			t.Fatalf("IsRegexPath(%q) = %v; want %v", tt.path, got, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"//api//v1", "/api/v1"},
		{"http://h.example//a/b?x=1", "/a/b?x=1"},
		{"http://h.example", "/"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Fatalf("normalizePath(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestEphemeral(t *testing.T) {
	tests := []struct {
		url    string
		proto  Protocol
		host   string
		port   int
		secure bool
	}{
		{"http://example.com/foo", HTTP, "example.com", 80, false},
		{"https://example.com/foo", HTTPS, "example.com", 443, true},
		{"http://example.com:8081/", HTTP, "example.com", 8081, false},
	}
	for _, tt := range tests {
		cfg, err := Ephemeral(tt.url)
		if err != nil {
			t.Fatalf("Ephemeral(%q) error = %v", tt.url, err)
		}
		if cfg.Protocol != tt.proto || cfg.Hostname != tt.host || cfg.Port != tt.port || cfg.IsSecure != tt.secure {
			t.Fatalf("Ephemeral(%q) = %+v; want %s %s:%d secure=%v", tt.url, cfg, tt.proto, tt.host, tt.port, tt.secure)
		}
		if !cfg.IsDynamic() || !cfg.Recording {
			t.Fatalf("Ephemeral(%q) = %+v; want dynamic recording rule", tt.url, cfg)
		}
	}

	if _, err := Ephemeral("/relative"); err == nil {
		t.Fatal("Ephemeral(/relative) error = nil; want error")
	}
}

func TestParseProtocol(t *testing.T) {
	for _, in := range []string{"redis", "redis:", " REDIS: "} {
		got, err := ParseProtocol(in)
		if err != nil || got != Redis {
			t.Fatalf("ParseProtocol(%q) = %q, %v; want %q", in, got, err, Redis)
		}
	}
	if _, err := ParseProtocol("ftp"); err == nil {
		t.Fatal("ParseProtocol(ftp) error = nil; want error")
	}
}
