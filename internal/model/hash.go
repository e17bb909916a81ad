package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// DomainKeyID prefixes the hash that derives a key id.
const DomainKeyID = "trustagent/keyid/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps domain and data unambiguous.
func hashWithDomain(domain string, data []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashWithDomain returns the hex form of the domain-separated SHA-256 of data.
func HashWithDomain(domain string, data []byte) string {
	sum := hashWithDomain(domain, data)
	return hex.EncodeToString(sum[:])
}
