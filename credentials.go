package replicant

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CertFileName = "cert.pem"
	KeyFileName  = "key.pem"

	credentialsValidity = 10 * 365 * 24 * time.Hour
)

// Credentials is the self-signed identity of a server. Clients trust it
// by pinning CertPEM, there is no CA involved.
type Credentials struct {
	CertPEM []byte
	KeyPEM  []byte
	pair    tls.Certificate
}

// LoadOrCreateCredentials reads the pair stored in dataDir, or generates
// and persists a new ECDSA P-256 one. hosts end up in the certificate
// SANs, IPs and DNS names alike.
func LoadOrCreateCredentials(dataDir string, hosts []string) (*Credentials, error) {
	certPath := filepath.Join(dataDir, CertFileName)
	keyPath := filepath.Join(dataDir, KeyFileName)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return NewCredentials(certPEM, keyPEM)
	case errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("%w: %w", ErrCredentials, errors.Join(certErr, keyErr))
	}

	creds, err := GenerateCredentials(hosts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	if err := os.WriteFile(keyPath, creds.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	if err := os.WriteFile(certPath, creds.CertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return creds, nil
}

// GenerateCredentials creates an in-memory self-signed pair.
func GenerateCredentials(hosts []string) (*Credentials, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "replicant",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(credentialsValidity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	return NewCredentials(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
}

func NewCredentials(certPEM, keyPEM []byte) (*Credentials, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return &Credentials{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		pair:    pair,
	}, nil
}

// ServerTLSConfig for [TransportConfig.ServerTLS].
func (c *Credentials) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.pair},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}
}

// PinnedClientTLSConfig trusts exactly the certificate encoded in
// certPEM, whatever name or chain the server presents.
func PinnedClientTLSConfig(certPEM []byte) (*tls.Config, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate in PEM", ErrCredentials)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	pinned := block.Bytes

	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPN},
		// chain verification is replaced by the exact match below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned) {
				return ErrPeerCertPinning
			}
			return nil
		},
	}, nil
}
