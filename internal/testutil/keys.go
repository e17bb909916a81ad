package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"

	"github.com/roach88/trustagent/internal/model"
)

// MustPrivateKey derives a P-256 key pair from seed. The same seed always
// yields the same key, so traces that order applications by key are stable.
func MustPrivateKey(seed string) *ecdsa.PrivateKey {
	d := sha256.Sum256([]byte("trustagent/testkey/" + seed))
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), d[:])
	if err != nil {
		panic(fmt.Sprintf("testutil: derive key %q: %v", seed, err))
	}
	return priv
}

// MustKey returns the public key derived from seed.
func MustKey(seed string) model.KeyInfo {
	k, err := model.NewKeyInfo(&MustPrivateKey(seed).PublicKey)
	if err != nil {
		panic(fmt.Sprintf("testutil: key %q: %v", seed, err))
	}
	return k
}
