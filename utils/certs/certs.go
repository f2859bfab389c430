// Package certs manages the self-signed certificates used by the echo
// origin and the TLS upgrade paths.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertManager defines the interface for managing TLS configuration
type CertManager interface {
	ServerTLSConfig() (*tls.Config, error)
	ClientTLSConfig() (*tls.Config, error)
}

// SelfSignedCertManager generates a self-signed certificate on first use and
// reuses it from disk afterwards.
type SelfSignedCertManager struct {
	Host     string
	CertDir  string
	CertPath string
	KeyPath  string
	certDER  []byte
}

// NewSelfSignedCertManager creates a new manager for self-signed certificates
func NewSelfSignedCertManager(host, certDir string) *SelfSignedCertManager {
	return &SelfSignedCertManager{
		Host:     host,
		CertDir:  certDir,
		CertPath: filepath.Join(certDir, fmt.Sprintf("%s_cert.pem", host)),
		KeyPath:  filepath.Join(certDir, fmt.Sprintf("%s_key.pem", host)),
	}
}

// CertHash returns the SHA-256 fingerprint of the certificate, generating it
// first if needed.
func (cm *SelfSignedCertManager) CertHash() ([]byte, error) {
	if cm.certDER == nil {
		if _, err := cm.Certificate(); err != nil {
			return nil, err
		}
	}
	fingerprint := sha256.Sum256(cm.certDER)
	return fingerprint[:], nil
}

// ServerTLSConfig returns a tls.Config serving the self-signed certificate.
func (cm *SelfSignedCertManager) ServerTLSConfig() (*tls.Config, error) {
	cert, err := cm.Certificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns a tls.Config that trusts exactly the self-signed
// certificate.
func (cm *SelfSignedCertManager) ClientTLSConfig() (*tls.Config, error) {
	if _, err := cm.Certificate(); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(cm.certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: cm.Host,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Certificate loads or generates the self-signed certificate.
func (cm *SelfSignedCertManager) Certificate() (*tls.Certificate, error) {
	if certExists(cm.CertPath, cm.KeyPath) {
		cert, err := loadCertificate(cm.CertPath, cm.KeyPath)
		if err != nil {
			return nil, err
		}
		if cm.certDER == nil && len(cert.Certificate) > 0 {
			cm.certDER = cert.Certificate[0]
		}
		return cert, nil
	}
	return cm.generateSelfSignedCert()
}

func (cm *SelfSignedCertManager) generateSelfSignedCert() (*tls.Certificate, error) {
	der, priv, err := generate(cm.Host)
	if err != nil {
		return nil, err
	}
	cm.certDER = der

	if err := os.MkdirAll(cm.CertDir, 0755); err != nil {
		return nil, err
	}

	certOut, err := os.Create(cm.CertPath)
	if err != nil {
		return nil, err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, err
	}

	keyOut, err := os.Create(cm.KeyPath)
	if err != nil {
		return nil, err
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return nil, err
	}

	return loadCertificate(cm.CertPath, cm.KeyPath)
}

// Ephemeral generates an in-memory self-signed certificate for host and
// returns the server config plus a client config trusting it. Nothing is
// written to disk; intended for tests and loopback origins.
func Ephemeral(host string) (*tls.Config, *tls.Config, error) {
	der, priv, err := generate(host)
	if err != nil {
		return nil, nil, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(parsed)

	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	return server, client, nil
}

func generate(host string) ([]byte, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour) // 1-year validity

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: host,
		},
		DNSNames:    []string{host},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	return der, priv, nil
}

func certExists(certPath, keyPath string) bool {
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return false
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return false
	}
	return true
}

func loadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
