package model

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/hex"
	"fmt"
)

// PointSize is the length of an uncompressed P-256 point.
const PointSize = 65

// KeyIDSize is the length of a key identifier.
const KeyIDSize = 20

// KeyInfo identifies a principal (application, agent or certificate
// authority) by its ECDSA P-256 public key.
//
// KeyInfo is comparable and may be used as a map key. The zero value is
// the empty key and is never valid for a managed principal.
type KeyInfo struct {
	point [PointSize]byte
}

// NewKeyInfo wraps an ECDSA public key.
func NewKeyInfo(pub *ecdsa.PublicKey) (KeyInfo, error) {
	if pub == nil {
		return KeyInfo{}, fmt.Errorf("key info: nil public key")
	}
	if pub.Curve != elliptic.P256() {
		return KeyInfo{}, fmt.Errorf("key info: unsupported curve %s", pub.Curve.Params().Name)
	}
	raw, err := pub.Bytes()
	if err != nil {
		return KeyInfo{}, fmt.Errorf("key info: %w", err)
	}
	return KeyInfoFromBytes(raw)
}

// KeyInfoFromBytes parses an uncompressed P-256 point.
func KeyInfoFromBytes(raw []byte) (KeyInfo, error) {
	if len(raw) != PointSize {
		return KeyInfo{}, fmt.Errorf("key info: want %d bytes, got %d", PointSize, len(raw))
	}
	if _, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw); err != nil {
		return KeyInfo{}, fmt.Errorf("key info: %w", err)
	}
	var k KeyInfo
	copy(k.point[:], raw)
	return k, nil
}

// ParseKeyInfo parses the hex form produced by Hex.
func ParseKeyInfo(s string) (KeyInfo, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("key info: %w", err)
	}
	return KeyInfoFromBytes(raw)
}

// IsEmpty reports whether k is the zero key.
func (k KeyInfo) IsEmpty() bool {
	return k == KeyInfo{}
}

// Bytes returns a copy of the uncompressed point.
func (k KeyInfo) Bytes() []byte {
	out := make([]byte, PointSize)
	copy(out, k.point[:])
	return out
}

// Hex returns the uncompressed point in lowercase hex. This is the
// persisted form of the key.
func (k KeyInfo) Hex() string {
	return hex.EncodeToString(k.point[:])
}

// PublicKey returns the key as an *ecdsa.PublicKey.
func (k KeyInfo) PublicKey() (*ecdsa.PublicKey, error) {
	if k.IsEmpty() {
		return nil, fmt.Errorf("key info: empty key")
	}
	return ecdsa.ParseUncompressedPublicKey(elliptic.P256(), k.point[:])
}

// KeyID returns the key identifier: the leading bytes of the
// domain-separated SHA-256 of the point.
func (k KeyInfo) KeyID() [KeyIDSize]byte {
	var id [KeyIDSize]byte
	sum := hashWithDomain(DomainKeyID, k.point[:])
	copy(id[:], sum[:KeyIDSize])
	return id
}

// String returns the hex key identifier.
func (k KeyInfo) String() string {
	if k.IsEmpty() {
		return "<empty>"
	}
	id := k.KeyID()
	return hex.EncodeToString(id[:])
}

// Equal reports whether both keys are the same point.
func (k KeyInfo) Equal(o KeyInfo) bool {
	return k == o
}

// Compare orders keys by their uncompressed point.
func (k KeyInfo) Compare(o KeyInfo) int {
	return bytes.Compare(k.point[:], o.point[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyInfo) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyInfo) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyInfo(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
