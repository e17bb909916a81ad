// Package policy models the permission policy installed on a claimed
// application: a versioned list of ACLs, each granting rules to a set
// of peers.
package policy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/roach88/trustagent/internal/codec"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
)

// PeerType selects which remote peers an ACL applies to.
type PeerType uint8

const (
	PeerAll PeerType = iota
	PeerAnyTrusted
	PeerFromCertificateAuthority
	PeerWithMembership
	PeerWithPublicKey
)

var peerTypeNames = []string{"ALL", "ANY_TRUSTED", "FROM_CERTIFICATE_AUTHORITY", "WITH_MEMBERSHIP", "WITH_PUBLIC_KEY"}

func (t PeerType) String() string {
	if int(t) < len(peerTypeNames) {
		return peerTypeNames[t]
	}
	return fmt.Sprintf("PeerType(%d)", uint8(t))
}

// Peer describes a class of remote peers. KeyInfo is the CA or the
// peer's own key depending on Type; GroupGUID is set for membership peers.
type Peer struct {
	Type      PeerType
	KeyInfo   model.KeyInfo
	GroupGUID model.GUID
}

// ACL grants Rules to every peer matching one of Peers.
type ACL struct {
	Peers []Peer
	Rules []manifest.Rule
}

// Policy is a versioned set of ACLs.
type Policy struct {
	Version uint32
	ACLs    []ACL
}

// ErrMalformed is returned when a byte form cannot be decoded.
var ErrMalformed = errors.New("policy: malformed encoding")

const wireVersion = 1

type wirePeer struct {
	Type  PeerType `cbor:"1,keyasint"`
	Key   []byte   `cbor:"2,keyasint,omitempty"`
	Group []byte   `cbor:"3,keyasint,omitempty"`
}

type wireACL struct {
	Peers []wirePeer      `cbor:"1,keyasint"`
	Rules []manifest.Rule `cbor:"2,keyasint"`
}

type wirePolicy struct {
	Format  uint      `cbor:"1,keyasint"`
	Version uint32    `cbor:"2,keyasint"`
	ACLs    []wireACL `cbor:"3,keyasint"`
}

// Bytes returns the deterministic CBOR encoding of p.
func (p Policy) Bytes() ([]byte, error) {
	w := wirePolicy{Format: wireVersion, Version: p.Version, ACLs: make([]wireACL, 0, len(p.ACLs))}
	for _, acl := range p.ACLs {
		wa := wireACL{Peers: make([]wirePeer, 0, len(acl.Peers)), Rules: acl.Rules}
		if wa.Rules == nil {
			wa.Rules = []manifest.Rule{}
		}
		for _, peer := range acl.Peers {
			wp := wirePeer{Type: peer.Type}
			if !peer.KeyInfo.IsEmpty() {
				wp.Key = peer.KeyInfo.Bytes()
			}
			if peer.GroupGUID != (model.GUID{}) {
				wp.Group = append([]byte(nil), peer.GroupGUID[:]...)
			}
			wa.Peers = append(wa.Peers, wp)
		}
		w.ACLs = append(w.ACLs, wa)
	}
	return codec.Marshal(w)
}

// FromBytes decodes the output of Bytes.
func FromBytes(data []byte) (Policy, error) {
	if len(data) == 0 {
		return Policy{}, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	var w wirePolicy
	if err := codec.Unmarshal(data, &w); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Format != wireVersion {
		return Policy{}, fmt.Errorf("%w: unsupported format %d", ErrMalformed, w.Format)
	}
	p := Policy{Version: w.Version}
	for i, wa := range w.ACLs {
		acl := ACL{Rules: wa.Rules}
		for j, wp := range wa.Peers {
			peer := Peer{Type: wp.Type}
			if len(wp.Key) > 0 {
				k, err := model.KeyInfoFromBytes(wp.Key)
				if err != nil {
					return Policy{}, fmt.Errorf("%w: acl %d peer %d: %v", ErrMalformed, i, j, err)
				}
				peer.KeyInfo = k
			}
			if len(wp.Group) > 0 {
				if len(wp.Group) != len(peer.GroupGUID) {
					return Policy{}, fmt.Errorf("%w: acl %d peer %d: bad group length", ErrMalformed, i, j)
				}
				copy(peer.GroupGUID[:], wp.Group)
			}
			acl.Peers = append(acl.Peers, peer)
		}
		p.ACLs = append(p.ACLs, acl)
	}
	return p, nil
}

// Digest returns the BLAKE3 digest of the byte form.
func (p Policy) Digest() (codec.Digest, error) {
	b, err := p.Bytes()
	if err != nil {
		return codec.Digest{}, err
	}
	return codec.Sum(codec.PolicyDomain, b), nil
}

// Equal compares the encoded forms.
func (p Policy) Equal(o Policy) bool {
	a, errA := p.Bytes()
	b, errB := o.Bytes()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := Policy{Version: p.Version, ACLs: make([]ACL, len(p.ACLs))}
	for i, acl := range p.ACLs {
		out.ACLs[i] = ACL{
			Peers: append([]Peer(nil), acl.Peers...),
			Rules: make([]manifest.Rule, len(acl.Rules)),
		}
		for j, r := range acl.Rules {
			out.ACLs[i].Rules[j] = manifest.Rule{
				InterfaceName: r.InterfaceName,
				Members:       append([]manifest.Member(nil), r.Members...),
			}
		}
	}
	return out
}

// AdminRules grants every action on every member of every interface.
func AdminRules() []manifest.Rule {
	return []manifest.Rule{{
		InterfaceName: "*",
		Members:       []manifest.Member{{Name: "*", Actions: manifest.ActionAll}},
	}}
}

// ForClaimedApplication is the policy installed right after a claim:
// members of the admin group get full access.
func ForClaimedApplication(admin model.GroupInfo) Policy {
	return Policy{
		Version: 1,
		ACLs: []ACL{{
			Peers: []Peer{{Type: PeerWithMembership, KeyInfo: admin.Authority, GroupGUID: admin.GUID}},
			Rules: AdminRules(),
		}},
	}
}

// WithMembership returns a copy of p with one more ACL granting rules to
// members of group.
func (p Policy) WithMembership(group model.GroupInfo, rules ...manifest.Rule) Policy {
	out := p.Clone()
	out.ACLs = append(out.ACLs, ACL{
		Peers: []Peer{{Type: PeerWithMembership, KeyInfo: group.Authority, GroupGUID: group.GUID}},
		Rules: rules,
	})
	return out
}
