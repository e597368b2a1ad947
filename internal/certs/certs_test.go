package certs

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	certPEM, keyPEM, err := GenerateCA("allproxy test CA", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}
	ca, key, err := ParseCA(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("ParseCA() error = %v", err)
	}
	var store *Store
	if dir != "" {
		store, err = NewStore(dir)
		if err != nil {
			t.Fatal(err)
		}
	}
	return NewManager(ca, key, store)
}

func TestLeafVerifiesAgainstCA(t *testing.T) {
	m := newTestManager(t, "")
	cert, err := m.Leaf("api.example.com")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(m.CA())
	if _, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: "api.example.com", Roots: roots}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestLeafIPAddress(t *testing.T) {
	m := newTestManager(t, "")
	cert, err := m.Leaf("127.0.0.1")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}
	if len(cert.Leaf.IPAddresses) != 1 || cert.Leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Fatalf("IPAddresses = %v; want [127.0.0.1]", cert.Leaf.IPAddresses)
	}
}

func TestLeafConcurrentCallsShareOneMint(t *testing.T) {
	m := newTestManager(t, "")
	var wg sync.WaitGroup
	results := make([]*x509.Certificate, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := m.Leaf("same.example.com")
			if err != nil {
				t.Errorf("Leaf() error = %v", err)
				return
			}
			results[i] = cert.Leaf
		}(i)
	}
	wg.Wait()
	for i, c := range results {
		if c == nil || c.SerialNumber.Cmp(results[0].SerialNumber) != 0 {
			t.Fatalf("result %d has a different certificate; want one shared mint", i)
		}
	}
}

func TestLeafPersistedToDisk(t *testing.T) {
	dir := t.TempDir()
	first := newTestManager(t, dir)
	cert, err := first.Leaf("persist.example.com")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, EscapeHost("persist.example.com")+".crt")); err != nil {
		t.Fatalf("certificate not written: %v", err)
	}

	// A fresh manager over the same directory reuses the stored pair.
	second := NewManager(first.ca, first.caKey, first.store)
	again, err := second.Leaf("persist.example.com")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}
	if again.Leaf.SerialNumber.Cmp(cert.Leaf.SerialNumber) != 0 {
		t.Fatal("second manager minted a new certificate; want the stored one")
	}
}

func TestLeafRemintedAfterCAChange(t *testing.T) {
	dir := t.TempDir()
	first := newTestManager(t, dir)
	stale, err := first.Leaf("rotate.example.com")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}

	second := newTestManager(t, dir)
	cert, err := second.Leaf("rotate.example.com")
	if err != nil {
		t.Fatalf("Leaf() error = %v", err)
	}
	if cert.Leaf.SerialNumber.Cmp(stale.Leaf.SerialNumber) == 0 {
		t.Fatal("reused a certificate signed by the previous CA")
	}
	if err := cert.Leaf.CheckSignatureFrom(second.CA()); err != nil {
		t.Fatalf("CheckSignatureFrom() error = %v", err)
	}

	if _, ok, _ := second.store.Load("rotate.example.com", time.Now(), first.CA()); ok {
		t.Fatal("Load() accepted the new leaf for the old CA")
	}
}

func TestEscapeHost(t *testing.T) {
	if got := EscapeHost("fe80::1"); got != "fe80__1" {
		t.Fatalf("EscapeHost() = %q; want %q", got, "fe80__1")
	}
}

func TestWildcardFor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a.b.example.com", "*.b.example.com"},
		{"example.com", "example.com"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := wildcardFor(tt.in); got != tt.want {
			t.Fatalf("wildcardFor(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadCAFromFiles(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := GenerateCA("file CA", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	crt, key := filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key")
	os.WriteFile(crt, certPEM, 0o644)
	os.WriteFile(key, keyPEM, 0o600)

	ca, _, err := LoadCA(crt, key)
	if err != nil {
		t.Fatalf("LoadCA() error = %v", err)
	}
	if !ca.IsCA || ca.Subject.CommonName != "file CA" {
		t.Fatalf("LoadCA() = %v; want the generated CA", ca.Subject)
	}

	if _, _, err := LoadCA(filepath.Join(dir, "missing.pem"), key); err == nil {
		t.Fatal("LoadCA(missing) error = nil; want error")
	}
}
