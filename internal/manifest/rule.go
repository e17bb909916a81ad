package manifest

import (
	"fmt"
	"strings"
)

// Action is a permission bit mask on a rule member.
type Action uint8

const (
	ActionProvide Action = 0x01
	ActionObserve Action = 0x02
	ActionModify  Action = 0x04

	ActionAll = ActionProvide | ActionObserve | ActionModify
)

func (a Action) String() string {
	if a == 0 {
		return "DENY"
	}
	var parts []string
	if a&ActionProvide != 0 {
		parts = append(parts, "PROVIDE")
	}
	if a&ActionObserve != 0 {
		parts = append(parts, "OBSERVE")
	}
	if a&ActionModify != 0 {
		parts = append(parts, "MODIFY")
	}
	if rest := a &^ ActionAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseAction parses a single action name (case-insensitive).
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PROVIDE":
		return ActionProvide, nil
	case "OBSERVE":
		return ActionObserve, nil
	case "MODIFY":
		return ActionModify, nil
	case "ALL":
		return ActionAll, nil
	case "DENY", "NONE":
		return 0, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// MemberType restricts a rule member to a kind of bus member.
type MemberType uint8

const (
	MemberNotSpecified MemberType = iota
	MemberMethodCall
	MemberSignal
	MemberProperty
)

var memberTypeNames = []string{"NOT_SPECIFIED", "METHOD_CALL", "SIGNAL", "PROPERTY"}

func (t MemberType) String() string {
	if int(t) < len(memberTypeNames) {
		return memberTypeNames[t]
	}
	return fmt.Sprintf("MemberType(%d)", uint8(t))
}

// ParseMemberType parses a member type name. The empty string is
// MemberNotSpecified.
func ParseMemberType(s string) (MemberType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" || norm == "ANY" {
		return MemberNotSpecified, nil
	}
	norm = strings.ReplaceAll(norm, "-", "_")
	for i, name := range memberTypeNames {
		if name == norm {
			return MemberType(i), nil
		}
	}
	if norm == "METHOD" {
		return MemberMethodCall, nil
	}
	return MemberNotSpecified, fmt.Errorf("unknown member type %q", s)
}

// Member grants actions on one member of an interface. A Name of "*"
// matches every member.
type Member struct {
	Name    string     `cbor:"1,keyasint"`
	Type    MemberType `cbor:"2,keyasint"`
	Actions Action     `cbor:"3,keyasint"`
}

// Rule groups members of one interface.
type Rule struct {
	InterfaceName string   `cbor:"1,keyasint"`
	Members       []Member `cbor:"2,keyasint"`
}

func (r Rule) clone() Rule {
	out := Rule{InterfaceName: r.InterfaceName, Members: make([]Member, len(r.Members))}
	copy(out.Members, r.Members)
	return out
}

func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.InterfaceName)
	b.WriteString(" {")
	for i, m := range r.Members {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s %s", m.Name, m.Type, m.Actions)
	}
	b.WriteString("}")
	return b.String()
}

// entryKey identifies a flattened manifest entry.
type entryKey struct {
	iface string
	name  string
	typ   MemberType
}

func compareEntryKeys(a, b entryKey) int {
	if c := strings.Compare(a.iface, b.iface); c != 0 {
		return c
	}
	if c := strings.Compare(a.name, b.name); c != 0 {
		return c
	}
	switch {
	case a.typ < b.typ:
		return -1
	case a.typ > b.typ:
		return 1
	}
	return 0
}
