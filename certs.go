package kalamari

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrCAUninitialized is returned when certificate issuance is requested
// but no root key pair was loaded. CONNECT interception fails closed for
// that session; the server keeps running.
var ErrCAUninitialized = errors.New("certificate authority not initialized")

// leafValidity bounds the lifetime of issued interception certificates.
const leafValidity = 24 * time.Hour

// wildcardDepth is how many subdomain levels below the requested host get
// wildcard SANs (*.host, *.*.host, ...).
const wildcardDepth = 5

// CertManager issues per-host leaf certificates signed by a preloaded root
// CA for TLS interception. Issued certificates are cached by hostname so
// repeated CONNECTs to the same host skip the signing cost.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// OnIssue is called after a certificate is generated (cache miss).
	// Optional; used for metrics.
	OnIssue func(host string)
}

// NewCertManager loads the root CA key pair from PEM files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read root certificate: %v", ErrCAUninitialized, err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read root key: %v", ErrCAUninitialized, err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM loads the root CA key pair from PEM data.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("%w: root certificate is not PEM", ErrCAUninitialized)
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse root certificate: %v", ErrCAUninitialized, err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: root key is not PEM", ErrCAUninitialized)
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("%w: parse root key: %v (also tried PKCS8: %v)", ErrCAUninitialized, err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: root key is not RSA", ErrCAUninitialized)
		}
	}

	return &CertManager{
		caCert: caCert,
		caKey:  caKey,
		cache:  make(map[string]*tls.Certificate),
	}, nil
}

// Issue returns a TLS certificate for the given hostname, generating and
// signing one if it is not cached. Safe for concurrent use.
func (cm *CertManager) Issue(host string) (*tls.Certificate, error) {
	if cm == nil {
		return nil, ErrCAUninitialized
	}

	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cert, ok := cm.cache[host]; ok {
		return cert, nil
	}

	cert, err := cm.generate(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.OnIssue != nil {
		cm.OnIssue(host)
	}
	return cert, nil
}

// Rotate replaces the root CA key pair and flushes the leaf cache, since
// cached certificates were signed by the previous root. In-flight
// handshakes keep the certificate they already obtained.
func (cm *CertManager) Rotate(caCertPEM, caKeyPEM []byte) error {
	fresh, err := NewCertManagerFromPEM(caCertPEM, caKeyPEM)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.caCert = fresh.caCert
	cm.caKey = fresh.caKey
	cm.cache = make(map[string]*tls.Certificate)
	cm.mu.Unlock()
	return nil
}

// Subject returns the common name of the active root certificate.
func (cm *CertManager) Subject() string {
	if cm == nil {
		return ""
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert.Subject.CommonName
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	if cm == nil {
		return 0
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

func (cm *CertManager) generate(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"Kalamari Proxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = wildcardSANs(host)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}, nil
}

// wildcardSANs returns the host plus wildcard names covering subdomains up
// to wildcardDepth label levels below it.
func wildcardSANs(host string) []string {
	names := make([]string, 0, wildcardDepth+1)
	names = append(names, host)
	for i := 1; i <= wildcardDepth; i++ {
		names = append(names, strings.Repeat("*.", i)+host)
	}
	return names
}

// GenerateCA generates a new root CA certificate and private key for
// interception. Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
