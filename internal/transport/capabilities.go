package transport

import (
	"fmt"
	"math/bits"
	"strings"
)

// ClaimCapabilities is the set of session types an application accepts
// for claiming.
type ClaimCapabilities uint16

const (
	CapableECDHENull  ClaimCapabilities = 0x1
	CapableECDHEPSK   ClaimCapabilities = 0x2
	CapableECDHEECDSA ClaimCapabilities = 0x4
	CapableECDHESPEKE ClaimCapabilities = 0x8
)

var capabilityNames = []struct {
	bit  ClaimCapabilities
	name string
}{
	{CapableECDHENull, "ECDHE_NULL"},
	{CapableECDHEPSK, "ECDHE_PSK"},
	{CapableECDHEECDSA, "ECDHE_ECDSA"},
	{CapableECDHESPEKE, "ECDHE_SPEKE"},
}

// Has reports whether every bit of o is set in c.
func (c ClaimCapabilities) Has(o ClaimCapabilities) bool {
	return o != 0 && c&o == o
}

// IsSingle reports whether exactly one bit is set.
func (c ClaimCapabilities) IsSingle() bool {
	return bits.OnesCount16(uint16(c)) == 1
}

func (c ClaimCapabilities) String() string {
	if c == 0 {
		return "NONE"
	}
	var parts []string
	rest := c
	for _, n := range capabilityNames {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseClaimCapabilities parses names joined by '|', e.g. "ECDHE_NULL|ECDHE_PSK".
func ParseClaimCapabilities(s string) (ClaimCapabilities, error) {
	var c ClaimCapabilities
	if s == "" || s == "NONE" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "|") {
		part = strings.ToUpper(strings.TrimSpace(part))
		found := false
		for _, n := range capabilityNames {
			if n.name == part {
				c |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown claim capability %q", part)
		}
	}
	return c, nil
}

// CapabilityInfo qualifies ClaimCapabilities, e.g. who generated a PSK.
type CapabilityInfo uint16

const (
	PSKGeneratedBySecurityManager CapabilityInfo = 0x1
	PSKGeneratedByApplication     CapabilityInfo = 0x2
)

// SessionType names the key exchange used for a session.
type SessionType string

const (
	SessionECDHENull  SessionType = "ALLJOYN_ECDHE_NULL"
	SessionECDHEPSK   SessionType = "ALLJOYN_ECDHE_PSK"
	SessionECDHEECDSA SessionType = "ALLJOYN_ECDHE_ECDSA"
	SessionECDHESPEKE SessionType = "ALLJOYN_ECDHE_SPEKE"
)

// SessionTypeFor maps a single capability bit to its session type.
func SessionTypeFor(c ClaimCapabilities) (SessionType, bool) {
	switch c {
	case CapableECDHENull:
		return SessionECDHENull, true
	case CapableECDHEPSK:
		return SessionECDHEPSK, true
	case CapableECDHEECDSA:
		return SessionECDHEECDSA, true
	case CapableECDHESPEKE:
		return SessionECDHESPEKE, true
	}
	return "", false
}

// NeedsSecret reports whether the session type requires a shared secret.
func (t SessionType) NeedsSecret() bool {
	return t == SessionECDHEPSK || t == SessionECDHESPEKE
}
