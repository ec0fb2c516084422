package net

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"dominicbreuker/conntransport/pkg/crypto"
)

// ServerTLSConfig returns the server configuration for key. An empty key
// uses a random certificate and no client authentication; otherwise both
// sides derive their certificates from key and must present them.
func ServerTLSConfig(key string) (*tls.Config, error) {
	caCert, cert, err := crypto.GenerateCertificates(key)
	if err != nil {
		return nil, fmt.Errorf("crypto.GenerateCertificates(): %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if key != "" {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = caCert
	}
	return cfg, nil
}

// ClientTLSConfig returns the client configuration for key. With a key the
// server certificate must chain to the key's CA.
func ClientTLSConfig(key string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // custom verification below
	}
	if key == "" {
		return cfg, nil
	}

	caCert, cert, err := crypto.GenerateCertificates(key)
	if err != nil {
		return nil, fmt.Errorf("crypto.GenerateCertificates(): %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return verifyPeerCertificate(caCert, rawCerts)
	}
	return cfg, nil
}

// verifyPeerCertificate checks the leaf against the CA pool. It cares only
// about the root, not SANs.
func verifyPeerCertificate(caCert *x509.CertPool, rawCerts [][]byte) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("unexpected number of raw certs: %d", len(rawCerts))
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{Roots: caCert}); err != nil {
		return fmt.Errorf("verify certificate: %w", err)
	}
	return nil
}
