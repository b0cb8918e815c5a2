// Package certs loads PEM-encoded certificates and private keys for the
// tunnel's TLS configuration.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadCAPool reads a PEM file at path and returns a certificate pool
// containing it as the sole trust anchor.
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// LoadServerKeyPair reads a PEM certificate chain and private key from disk.
// The private key is parsed as PKCS#8 first, falling back to PKCS#1 RSA.
func LoadServerKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read server cert %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read server key %s: %w", keyPath, err)
	}

	keyDER, err := decodePrivateKeyPEM(keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("build keypair from %s/%s: %w", certPath, keyPath, err)
	}
	return cert, nil
}

// decodePrivateKeyPEM validates that the PEM block is parseable as either
// PKCS#8 or legacy PKCS#1 RSA before returning keyPEM unchanged:
// tls.X509KeyPair already accepts either PEM header directly, so there is
// nothing to re-encode — this only rejects unsupported key formats early
// with a clearer error than tls.X509KeyPair would give.
func decodePrivateKeyPEM(keyPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		// Already a key tls.X509KeyPair understands natively.
		return keyPEM, nil
	}

	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		// tls.X509KeyPair also accepts "RSA PRIVATE KEY" PEM blocks directly.
		return keyPEM, nil
	}

	return nil, fmt.Errorf("private key is neither PKCS#8 nor PKCS#1 RSA")
}
