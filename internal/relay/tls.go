package relay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// caKeyPair is the self-signed CA used to mint per-host leaf certificates.
// Not a real PKI — spec.md marks tls/ "managed by an adjacent cert
// subsystem; not specified here" — this is the minimum needed to serve
// HTTPS and hand out GET /connect/trust for clients to pin.
type caKeyPair struct {
	cert    *x509.Certificate
	certDER []byte
	key     *ecdsa.PrivateKey
}

type tlsManager struct {
	dir string

	mu     sync.Mutex
	ca     *caKeyPair
	leaves map[string]*tls.Certificate // host -> cached leaf
}

func newTLSManager(dataDir string) *tlsManager {
	return &tlsManager{dir: filepath.Join(dataDir, "tls"), leaves: make(map[string]*tls.Certificate)}
}

func (m *tlsManager) loadOrCreateCA() (*caKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ca != nil {
		return m.ca, nil
	}

	certPath := filepath.Join(m.dir, "ca.crt")
	keyPath := filepath.Join(m.dir, "ca.key")

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		certBlock, _ := pem.Decode(certPEM)
		keyBlock, _ := pem.Decode(keyPEM)
		if certBlock != nil && keyBlock != nil {
			cert, err := x509.ParseCertificate(certBlock.Bytes)
			if err == nil {
				key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
				if err == nil {
					ca := &caKeyPair{cert: cert, certDER: certBlock.Bytes, key: key}
					m.ca = ca
					return ca, nil
				}
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Katulong self-hosted CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return nil, err
	}

	ca := &caKeyPair{cert: cert, certDER: der, key: key}
	m.ca = ca
	return ca, nil
}

// caCertPEM returns the CA certificate in PEM form, for GET /connect/trust.
func (m *tlsManager) caCertPEM() ([]byte, error) {
	ca, err := m.loadOrCreateCA()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.certDER}), nil
}

// leafFor returns a cached (or freshly minted) leaf certificate for host,
// signed by the instance CA.
func (m *tlsManager) leafFor(host string) (*tls.Certificate, error) {
	m.mu.Lock()
	if leaf, ok := m.leaves[host]; ok {
		m.mu.Unlock()
		return leaf, nil
	}
	m.mu.Unlock()

	ca, err := m.loadOrCreateCA()
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, err
	}
	leaf := &tls.Certificate{Certificate: [][]byte{der, ca.certDER}, PrivateKey: key}

	m.mu.Lock()
	m.leaves[host] = leaf
	m.mu.Unlock()
	return leaf, nil
}

// GetCertificate adapts leafFor to tls.Config.GetCertificate, keyed on SNI.
func (m *tlsManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = "localhost"
	}
	return m.leafFor(host)
}
