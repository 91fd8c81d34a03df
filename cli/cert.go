package cli

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

// SelfSignedCertificates implements CertificateHandler with a local
// self-signed certificate authority.
type SelfSignedCertificates struct {
	// Dir receives the generated files. Empty means a fresh temp dir.
	Dir string
	// Validity of issued certificates, 90 days by default.
	Validity time.Duration
}

// Create generates a P-256 key and a self-signed certificate for the
// common name and writes both as PEM files named <cn>.key and <cn>.crt.
func (s *SelfSignedCertificates) Create(_ context.Context, commonName string, sans []string) (string, string, error) {
	if commonName == "" {
		return "", "", fmt.Errorf("common name must not be empty")
	}
	dir := s.Dir
	if dir == "" {
		created, err := os.MkdirTemp("", "certificate")
		if err != nil {
			return "", "", err
		}
		dir = created
	}
	validity := s.Validity
	if validity <= 0 {
		validity = 90 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, san)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", err
	}

	keyPath := filepath.Join(dir, commonName+".key")
	certPath := filepath.Join(dir, commonName+".crt")
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(keyPath, keyPem, 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(certPath, certPem, 0o644); err != nil {
		return "", "", err
	}
	return keyPath, certPath, nil
}
