package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"
)

var (
	notBefore = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter  = time.Date(2063, 4, 5, 11, 0, 0, 0, time.UTC)
)

type ca struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

// newCA derives the CA key and subject from seed. The certificate itself is
// signed with fresh randomness; peers only need to agree on key and subject.
func newCA(seed string) (*ca, error) {
	key, err := deriveKey(newDRand("ca-key:" + seed))
	if err != nil {
		return nil, fmt.Errorf("deriveKey(): %s", err)
	}

	rng := newDRand("ca-subject:" + seed)
	cn, err := generateRandomString(8, rng)
	if err != nil {
		return nil, fmt.Errorf("generating random common name: %s", err)
	}
	org, err := generateRandomString(8, rng)
	if err != nil {
		return nil, fmt.Errorf("generating random organization: %s", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{org},
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate(): %s", err)
	}

	return &ca{key: key, cert: cert}, nil
}

// deriveKey reads a P-256 private key from r. The result depends only on the
// bytes r yields.
func deriveKey(r io.Reader) (*ecdsa.PrivateKey, error) {
	n := new(big.Int).Sub(elliptic.P256().Params().N, big.NewInt(1))

	// 8 extra bytes keep the modulo bias negligible
	buf := make([]byte, 40)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, n)
	d.Add(d, big.NewInt(1))

	ek, err := ecdh.P256().NewPrivateKey(d.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, err
	}
	point := ek.PublicKey().Bytes() // 0x04 || X || Y

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1:33]),
			Y:     new(big.Int).SetBytes(point[33:]),
		},
		D: d,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %s", err)
	}
	return serial, nil
}
