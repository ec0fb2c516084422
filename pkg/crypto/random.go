package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
)

// GenerateRandomString returns a random URL safe string of the given length.
func GenerateRandomString(length int) (string, error) {
	return generateRandomString(length, rand.Reader)
}

func generateRandomString(length int, r io.Reader) (string, error) {
	raw := make([]byte, base64.RawURLEncoding.DecodedLen(length)+1)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}

// newDRand returns an endless byte stream determined by seed: block i is
// HMAC-SHA256(seed, i).
func newDRand(seed string) io.Reader {
	return &dRand{key: []byte(seed)}
}

type dRand struct {
	key     []byte
	counter uint64
	block   []byte
}

func (d *dRand) Read(b []byte) (int, error) {
	for n := 0; n < len(b); {
		if len(d.block) == 0 {
			mac := hmac.New(sha256.New, d.key)
			var ctr [8]byte
			binary.BigEndian.PutUint64(ctr[:], d.counter)
			mac.Write(ctr[:])
			d.block = mac.Sum(nil)
			d.counter++
		}
		c := copy(b[n:], d.block)
		d.block = d.block[c:]
		n += c
	}
	return len(b), nil
}
