package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store keeps minted leaf certificates on disk as PEM pairs.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("certs store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// EscapeHost turns a hostname into a file name. Colons (IPv6, host:port) become
// underscores.
func EscapeHost(host string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "*", "_wildcard_")
	return r.Replace(host)
}

func (s *Store) paths(host string) (string, string) {
	base := filepath.Join(s.dir, EscapeHost(host))
	return base + ".crt", base + ".key"
}

// Save writes the certificate and key for host.
func (s *Store) Save(host string, certPEM, keyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	crtPath, keyPath := s.paths(host)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("certs store: write key: %w", err)
	}
	if err := os.WriteFile(crtPath, certPEM, 0o644); err != nil {
		_ = os.Remove(keyPath)
		return fmt.Errorf("certs store: write cert: %w", err)
	}
	return nil
}

// Load returns the stored pair for host. ok is false when nothing usable is on
// disk, including an expired certificate or one not signed by issuer.
func (s *Store) Load(host string, now time.Time, issuer *x509.Certificate) (cert *tls.Certificate, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crtPath, keyPath := s.paths(host)
	pair, err := tls.LoadX509KeyPair(crtPath, keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("certs store: load %s: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, false, fmt.Errorf("certs store: parse %s: %w", host, err)
	}
	if now.After(leaf.NotAfter) {
		return nil, false, nil
	}
	if issuer != nil {
		if err := leaf.CheckSignatureFrom(issuer); err != nil {
			slog.Debug("Cached certificate was issued by another CA", "host", host, "error", err)
			return nil, false, nil
		}
	}
	pair.Leaf = leaf
	return &pair, true, nil
}
