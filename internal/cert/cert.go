// Package cert models identity and membership certificates and issues
// them as X.509 certificates signed by the agent's certificate authority.
package cert

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/trustagent/internal/codec"
	"github.com/roach88/trustagent/internal/model"
)

// Type distinguishes identity certificates from membership certificates.
type Type int

const (
	TypeIdentity Type = iota + 1
	TypeMembership
)

func (t Type) String() string {
	switch t {
	case TypeIdentity:
		return "IDENTITY"
	case TypeMembership:
		return "MEMBERSHIP"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Certificate is the data placed in an issued certificate. DER holds the
// signed encoding once the certificate has been issued.
type Certificate struct {
	Type        Type
	Serial      uint64
	Issuer      model.KeyInfo
	Subject     model.KeyInfo
	SubjectName string
	ValidFrom   time.Time
	ValidTo     time.Time

	// Delegate allows the subject to issue membership certificates for
	// the same group.
	Delegate bool

	// Identity certificates.
	Alias          model.GUID
	IdentityName   string
	ManifestDigest codec.Digest

	// Membership certificates.
	GroupGUID model.GUID

	DER []byte
}

// IsIssued reports whether c carries a signed encoding.
func (c Certificate) IsIssued() bool {
	return len(c.DER) > 0
}

// ValidAt reports whether t falls inside the validity window.
func (c Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}

var (
	// ErrEmptyChain is returned for a chain without certificates.
	ErrEmptyChain = errors.New("cert: empty chain")
	// ErrBrokenChain is returned when an issuer does not match the next
	// certificate's subject.
	ErrBrokenChain = errors.New("cert: broken chain")
)

// validateChain checks that chain is non-empty, homogeneous and linked:
// certificate i is issued by the subject of certificate i+1.
func validateChain(chain []Certificate, want Type) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	for i, c := range chain {
		if c.Type != want {
			return fmt.Errorf("cert: chain[%d] is %s, want %s", i, c.Type, want)
		}
		if i+1 < len(chain) && !c.Issuer.Equal(chain[i+1].Subject) {
			return fmt.Errorf("%w: chain[%d] issuer %s != chain[%d] subject %s",
				ErrBrokenChain, i, c.Issuer, i+1, chain[i+1].Subject)
		}
	}
	return nil
}

// IdentityCertificateChain is an identity chain, leaf first.
type IdentityCertificateChain []Certificate

// Leaf returns the end-entity certificate.
func (c IdentityCertificateChain) Leaf() (Certificate, bool) {
	if len(c) == 0 {
		return Certificate{}, false
	}
	return c[0], true
}

// Validate checks chain structure.
func (c IdentityCertificateChain) Validate() error {
	return validateChain(c, TypeIdentity)
}

// MembershipCertificateChain is a membership chain, leaf first. A valid
// chain has at least one certificate.
type MembershipCertificateChain []Certificate

// Leaf returns the end-entity certificate.
func (c MembershipCertificateChain) Leaf() (Certificate, bool) {
	if len(c) == 0 {
		return Certificate{}, false
	}
	return c[0], true
}

// Validate checks chain structure.
func (c MembershipCertificateChain) Validate() error {
	return validateChain(c, TypeMembership)
}

// Group returns the security group GUID of the leaf.
func (c MembershipCertificateChain) Group() model.GUID {
	leaf, _ := c.Leaf()
	return leaf.GroupGUID
}
