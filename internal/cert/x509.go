package cert

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/roach88/trustagent/internal/codec"
	"github.com/roach88/trustagent/internal/model"
)

// Private-arc OIDs carried by issued certificates.
var (
	oidIdentityUsage   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 1}
	oidManifestDigest  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 2}
	oidIdentityAlias   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 3}
	oidSecurityGroup   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 4}
	oidMembershipUsage = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 5}
)

// ErrIssuerMismatch is returned when a template names a different
// issuer than the signing authority.
var ErrIssuerMismatch = errors.New("cert: issuer does not match signing key")

// Issuer signs certificates with a certificate authority key.
type Issuer struct {
	key  *ecdsa.PrivateKey
	info model.KeyInfo
	rand io.Reader
}

// NewIssuer wraps a CA private key.
func NewIssuer(key *ecdsa.PrivateKey) (*Issuer, error) {
	info, err := model.NewKeyInfo(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("new issuer: %w", err)
	}
	return &Issuer{key: key, info: info, rand: rand.Reader}, nil
}

// KeyInfo returns the CA public key.
func (i *Issuer) KeyInfo() model.KeyInfo {
	return i.info
}

func (i *Issuer) parent() *x509.Certificate {
	id := i.info.KeyID()
	return &x509.Certificate{
		Subject:      pkix.Name{CommonName: i.info.String()},
		SubjectKeyId: id[:],
	}
}

// Sign issues c with the given serial and returns it with DER set. The
// template's Issuer must be empty or equal to the CA key.
func (i *Issuer) Sign(c Certificate, serial uint64) (Certificate, error) {
	if !c.Issuer.IsEmpty() && !c.Issuer.Equal(i.info) {
		return Certificate{}, ErrIssuerMismatch
	}
	pub, err := c.Subject.PublicKey()
	if err != nil {
		return Certificate{}, fmt.Errorf("sign: subject: %w", err)
	}
	c.Issuer = i.info
	c.Serial = serial

	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               pkix.Name{CommonName: c.SubjectName},
		NotBefore:             c.ValidFrom,
		NotAfter:              c.ValidTo,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  c.Delegate,
	}

	switch c.Type {
	case TypeIdentity:
		tmpl.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidIdentityUsage}
		if c.IdentityName != "" {
			tmpl.Subject.OrganizationalUnit = []string{c.IdentityName}
		}
		if err := addOctetExtension(tmpl, oidIdentityAlias, c.Alias[:]); err != nil {
			return Certificate{}, err
		}
		if !c.ManifestDigest.IsZero() {
			if err := addOctetExtension(tmpl, oidManifestDigest, c.ManifestDigest[:]); err != nil {
				return Certificate{}, err
			}
		}
	case TypeMembership:
		tmpl.UnknownExtKeyUsage = []asn1.ObjectIdentifier{oidMembershipUsage}
		if err := addOctetExtension(tmpl, oidSecurityGroup, c.GroupGUID[:]); err != nil {
			return Certificate{}, err
		}
	default:
		return Certificate{}, fmt.Errorf("sign: unknown certificate type %s", c.Type)
	}

	der, err := x509.CreateCertificate(i.rand, tmpl, i.parent(), pub, i.key)
	if err != nil {
		return Certificate{}, fmt.Errorf("sign: %w", err)
	}
	c.DER = der
	return c, nil
}

func addOctetExtension(tmpl *x509.Certificate, oid asn1.ObjectIdentifier, value []byte) error {
	v, err := asn1.Marshal(value)
	if err != nil {
		return fmt.Errorf("sign: encode extension %s: %w", oid, err)
	}
	tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: oid, Value: v})
	return nil
}

// Parse recovers a Certificate from its DER form. issuer is the key of
// the signing authority and is checked against the signature.
func Parse(der []byte, issuer model.KeyInfo) (Certificate, error) {
	xc, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	if err := verify(xc, issuer); err != nil {
		return Certificate{}, err
	}

	pub, ok := xc.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return Certificate{}, fmt.Errorf("parse certificate: unsupported key type %T", xc.PublicKey)
	}
	subject, err := model.NewKeyInfo(pub)
	if err != nil {
		return Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	c := Certificate{
		Serial:      xc.SerialNumber.Uint64(),
		Issuer:      issuer,
		Subject:     subject,
		SubjectName: xc.Subject.CommonName,
		ValidFrom:   xc.NotBefore,
		ValidTo:     xc.NotAfter,
		Delegate:    xc.IsCA,
		DER:         append([]byte(nil), der...),
	}
	if len(xc.Subject.OrganizationalUnit) > 0 {
		c.IdentityName = xc.Subject.OrganizationalUnit[0]
	}
	for _, eku := range xc.UnknownExtKeyUsage {
		switch {
		case eku.Equal(oidIdentityUsage):
			c.Type = TypeIdentity
		case eku.Equal(oidMembershipUsage):
			c.Type = TypeMembership
		}
	}
	if c.Type == 0 {
		return Certificate{}, fmt.Errorf("parse certificate: no trust agent usage")
	}

	for _, ext := range xc.Extensions {
		var value []byte
		switch {
		case ext.Id.Equal(oidIdentityAlias):
			if err := unmarshalOctets(ext.Value, &value, len(c.Alias)); err != nil {
				return Certificate{}, err
			}
			copy(c.Alias[:], value)
		case ext.Id.Equal(oidSecurityGroup):
			if err := unmarshalOctets(ext.Value, &value, len(c.GroupGUID)); err != nil {
				return Certificate{}, err
			}
			copy(c.GroupGUID[:], value)
		case ext.Id.Equal(oidManifestDigest):
			if err := unmarshalOctets(ext.Value, &value, len(codec.Digest{})); err != nil {
				return Certificate{}, err
			}
			copy(c.ManifestDigest[:], value)
		}
	}
	return c, nil
}

func unmarshalOctets(der []byte, out *[]byte, size int) error {
	rest, err := asn1.Unmarshal(der, out)
	if err != nil {
		return fmt.Errorf("parse certificate: extension: %w", err)
	}
	if len(rest) != 0 || len(*out) != size {
		return fmt.Errorf("parse certificate: malformed extension")
	}
	return nil
}

func verify(xc *x509.Certificate, issuer model.KeyInfo) error {
	pub, err := issuer.PublicKey()
	if err != nil {
		return fmt.Errorf("verify certificate: issuer: %w", err)
	}
	parent := &x509.Certificate{PublicKey: pub}
	if err := parent.CheckSignature(xc.SignatureAlgorithm, xc.RawTBSCertificate, xc.Signature); err != nil {
		return fmt.Errorf("verify certificate: %w", err)
	}
	return nil
}
