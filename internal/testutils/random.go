package testutils

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomData returns sz bytes of pseudo random data. The data is the same on
// every run of the same test.
func RandomData(t testing.TB, sz int) []byte {
	t.Helper()
	rng := rand.NewChaCha8(sha256.Sum256([]byte(t.Name())))
	b := make([]byte, sz)
	if _, err := rng.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}
