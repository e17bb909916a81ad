package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GUID is a 128-bit identifier for identities and security groups.
type GUID = uuid.UUID

// NewGUID returns a random GUID.
func NewGUID() GUID {
	return uuid.New()
}

// ParseGUID parses the canonical textual form of a GUID.
func ParseGUID(s string) (GUID, error) {
	g, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("parse guid: %w", err)
	}
	return g, nil
}

// InfoKey is the composite key of identities and groups.
type InfoKey struct {
	Authority KeyInfo
	GUID      GUID
}

func (k InfoKey) String() string {
	return fmt.Sprintf("%s/%s", k.Authority, k.GUID)
}

// IdentityInfo describes an identity that can be assigned to applications.
type IdentityInfo struct {
	Authority KeyInfo
	GUID      GUID
	Name      string
}

// Key returns the composite key. Name is not part of the key.
func (i IdentityInfo) Key() InfoKey {
	return InfoKey{Authority: i.Authority, GUID: i.GUID}
}

// Equal compares composite keys only.
func (i IdentityInfo) Equal(o IdentityInfo) bool {
	return i.Key() == o.Key()
}

// Less orders by authority, then GUID.
func (i IdentityInfo) Less(o IdentityInfo) bool {
	return compareInfoKeys(i.Key(), o.Key()) < 0
}

// GroupInfo describes a security group.
type GroupInfo struct {
	Authority KeyInfo
	GUID      GUID
	Name      string
	Desc      string
}

// Key returns the composite key. Name and Desc are not part of the key.
func (g GroupInfo) Key() InfoKey {
	return InfoKey{Authority: g.Authority, GUID: g.GUID}
}

// Equal compares composite keys only.
func (g GroupInfo) Equal(o GroupInfo) bool {
	return g.Key() == o.Key()
}

// Less orders by authority, then GUID.
func (g GroupInfo) Less(o GroupInfo) bool {
	return compareInfoKeys(g.Key(), o.Key()) < 0
}

func compareInfoKeys(a, b InfoKey) int {
	if c := a.Authority.Compare(b.Authority); c != 0 {
		return c
	}
	for i := range a.GUID {
		if a.GUID[i] != b.GUID[i] {
			if a.GUID[i] < b.GUID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
