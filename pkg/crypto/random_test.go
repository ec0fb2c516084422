package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateRandomString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		length int
	}{
		{"length 8", 8},
		{"length 16", 16},
		{"length 32", 32},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, err := GenerateRandomString(tc.length)
			if err != nil {
				t.Fatalf("GenerateRandomString() error = %v", err)
			}
			if len(s) != tc.length {
				t.Errorf("len = %d; want %d", len(s), tc.length)
			}

			d1, _ := generateRandomString(tc.length, newDRand("seed"))
			d2, _ := generateRandomString(tc.length, newDRand("seed"))
			if d1 != d2 {
				t.Errorf("seeded strings differ: %q vs %q", d1, d2)
			}
		})
	}
}

func TestDRand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{"single byte", 1},
		{"one cycle", 32},
		{"several cycles", 100},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b1 := make([]byte, tc.size)
			b2 := make([]byte, tc.size)
			n, err := newDRand("x").Read(b1)
			if err != nil || n != tc.size {
				t.Fatalf("Read() = %d, %v; want %d", n, err, tc.size)
			}
			newDRand("x").Read(b2)
			if !bytes.Equal(b1, b2) {
				t.Error("same seed produced different bytes")
			}

			b3 := make([]byte, tc.size)
			newDRand("y").Read(b3)
			if bytes.Equal(b1, b3) {
				t.Error("different seeds produced the same bytes")
			}
		})
	}
}
