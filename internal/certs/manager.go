// Package certs loads the interception CA and mints per-host leaf certificates.
package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	leafValidity = 365 * 24 * time.Hour
	leafKeyBits  = 2048
)

// expandWildcards mints *.parent certificates instead of exact-host ones.
const expandWildcards = false

// LoadCA reads a PEM certificate and its private key (PKCS#1, PKCS#8 or SEC 1).
func LoadCA(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: read CA certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: read CA key %s: %w", keyPath, err)
	}
	return ParseCA(certPEM, keyPEM)
}

// ParseCA parses a PEM CA pair.
func ParseCA(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("certs: unable to decode CA certificate PEM")
	}
	ca, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: invalid CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("certs: unable to decode CA private key PEM")
	}
	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: invalid CA private key: %w", err)
	}
	return ca, key, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key %T", k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", block.Type)
	}
}

// GenerateCA creates a self-signed CA pair. Installing it in a trust store is up
// to the operator.
func GenerateCA(commonName string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"allproxy"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: create CA: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("certs: unable to generate serial number: %w", err)
	}
	return serial, nil
}

type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// Manager hands out leaf certificates: memory cache, then disk, then minted.
// Concurrent requests for the same host share one mint.
type Manager struct {
	ca    *x509.Certificate
	caKey crypto.Signer
	store *Store
	now   func() time.Time

	mu       sync.Mutex
	cache    map[string]*tls.Certificate
	inflight map[string]*mintCall
}

// NewManager builds a Manager. store may be nil to keep certificates in memory only.
func NewManager(ca *x509.Certificate, caKey crypto.Signer, store *Store) *Manager {
	return &Manager{
		ca:       ca,
		caKey:    caKey,
		store:    store,
		now:      time.Now,
		cache:    make(map[string]*tls.Certificate),
		inflight: make(map[string]*mintCall),
	}
}

// CA returns the issuing certificate.
func (m *Manager) CA() *x509.Certificate {
	return m.ca
}

// Leaf returns a certificate valid for host.
func (m *Manager) Leaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		host = "localhost"
	}
	name := host
	if expandWildcards {
		name = wildcardFor(host)
	}

	m.mu.Lock()
	if cert, ok := m.cache[name]; ok && m.now().Before(cert.Leaf.NotAfter) {
		m.mu.Unlock()
		return cert, nil
	}
	if call, ok := m.inflight[name]; ok {
		m.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	m.inflight[name] = call
	m.mu.Unlock()

	call.cert, call.err = m.obtain(name)

	m.mu.Lock()
	if call.err == nil {
		m.cache[name] = call.cert
	}
	delete(m.inflight, name)
	m.mu.Unlock()
	close(call.done)

	return call.cert, call.err
}

// GetCertificate serves tls.Config.GetCertificate from the SNI name, falling back
// to fallbackHost when the client sent none.
func (m *Manager) GetCertificate(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = fallbackHost
		}
		return m.Leaf(host)
	}
}

func (m *Manager) obtain(host string) (*tls.Certificate, error) {
	if m.store != nil {
		cert, ok, err := m.store.Load(host, m.now(), m.ca)
		if err != nil {
			slog.Warn("Ignoring unreadable cached certificate", "host", host, "error", err)
		}
		if ok {
			return cert, nil
		}
	}

	certPEM, keyPEM, err := m.mint(host)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Save(host, certPEM, keyPEM); err != nil {
			slog.Warn("Failed to persist certificate", "host", host, "error", err)
		}
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certs: invalid TLS key pair: %w", err)
	}
	pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("certs: parse leaf: %w", err)
	}
	slog.Debug("Minted certificate", "host", host)
	return &pair, nil
}

func (m *Manager) mint(host string) ([]byte, []byte, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := m.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: m.ca.Subject.Organization},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: unable to generate private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.ca, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: certificate creation failed for %s: %w", host, err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// wildcardFor maps a.b.example.com to *.b.example.com. Hosts with fewer than three
// labels and IP literals are returned unchanged.
func wildcardFor(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return host
	}
	return "*." + strings.Join(labels[1:], ".")
}
