package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash.
type Digest [32]byte

// Hex returns the digest in lowercase hex.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DomainKey is a 32-byte BLAKE3 key. Keys are the ASCII domain name,
// zero-padded, so they stay readable in hex dumps.
type DomainKey [32]byte

// Domain keys. Changing one invalidates every stored digest in that domain.
var (
	ManifestDomain = domainKey("trustagent.manifest")
	PolicyDomain   = domainKey("trustagent.policy")
)

func domainKey(name string) DomainKey {
	var k DomainKey
	if len(name) > len(k) {
		panic("codec: domain name too long: " + name)
	}
	copy(k[:], name)
	return k
}

// Sum computes the keyed hash of data in the given domain.
func Sum(domain DomainKey, data []byte) Digest {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		// Only possible with a key of the wrong length.
		panic("codec: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}

// ParseDigest parses the hex form produced by Hex.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
