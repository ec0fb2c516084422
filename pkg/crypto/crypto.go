// Package crypto derives TLS certificates from a shared key. Peers using the
// same key derive the same CA, so each accepts the other's certificate.
package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
)

// Bundle is a CA pool plus a leaf certificate signed by that CA.
type Bundle struct {
	CA   *x509.CertPool
	Cert tls.Certificate
}

// bundles caches derived bundles by seed.
var bundles sync.Map

// GenerateCertificates returns the CA pool and a leaf certificate for seed.
// An empty seed selects a random CA, which no peer will trust.
func GenerateCertificates(seed string) (*x509.CertPool, tls.Certificate, error) {
	b, err := ForKey(seed)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return b.CA, b.Cert, nil
}

// ForKey returns the bundle for seed. Bundles for non-empty seeds are
// derived once per process.
func ForKey(seed string) (*Bundle, error) {
	if seed == "" {
		random, err := GenerateRandomString(32)
		if err != nil {
			return nil, fmt.Errorf("GenerateRandomString(32): %s", err)
		}
		return newBundle(random)
	}

	if b, ok := bundles.Load(seed); ok {
		return b.(*Bundle), nil
	}
	b, err := newBundle(seed)
	if err != nil {
		return nil, err
	}
	actual, _ := bundles.LoadOrStore(seed, b)
	return actual.(*Bundle), nil
}

func newBundle(seed string) (*Bundle, error) {
	ca, err := newCA(seed)
	if err != nil {
		return nil, fmt.Errorf("newCA(): %s", err)
	}

	cert, err := ca.issue()
	if err != nil {
		return nil, fmt.Errorf("issuing certificate: %s", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return &Bundle{CA: pool, Cert: cert}, nil
}
