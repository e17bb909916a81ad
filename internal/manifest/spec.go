package manifest

import (
	"fmt"
)

// RuleSpec is the textual form of a rule used in YAML and CUE
// manifest templates.
type RuleSpec struct {
	Interface string       `yaml:"interface" json:"interface"`
	Members   []MemberSpec `yaml:"members" json:"members"`
}

// MemberSpec is the textual form of a rule member.
type MemberSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Type    string   `yaml:"type,omitempty" json:"type,omitempty"`
	Actions []string `yaml:"actions" json:"actions"`
}

// FromSpecs builds a manifest from textual rules.
func FromSpecs(specs []RuleSpec) (Manifest, error) {
	rules := make([]Rule, 0, len(specs))
	for i, rs := range specs {
		r := Rule{InterfaceName: rs.Interface, Members: make([]Member, 0, len(rs.Members))}
		for j, ms := range rs.Members {
			typ, err := ParseMemberType(ms.Type)
			if err != nil {
				return Manifest{}, fmt.Errorf("rule %d member %d: %w", i, j, err)
			}
			var actions Action
			for _, a := range ms.Actions {
				bit, err := ParseAction(a)
				if err != nil {
					return Manifest{}, fmt.Errorf("rule %d member %d: %w", i, j, err)
				}
				actions |= bit
			}
			r.Members = append(r.Members, Member{Name: ms.Name, Type: typ, Actions: actions})
		}
		rules = append(rules, r)
	}
	return New(rules...)
}

// Specs returns the textual form of m's canonical rules.
func (m Manifest) Specs() []RuleSpec {
	out := make([]RuleSpec, 0, len(m.rules))
	for _, r := range m.rules {
		rs := RuleSpec{Interface: r.InterfaceName, Members: make([]MemberSpec, 0, len(r.Members))}
		for _, mem := range r.Members {
			ms := MemberSpec{Name: mem.Name, Actions: actionNames(mem.Actions)}
			if mem.Type != MemberNotSpecified {
				ms.Type = mem.Type.String()
			}
			rs.Members = append(rs.Members, ms)
		}
		out = append(out, rs)
	}
	return out
}

func actionNames(a Action) []string {
	names := []string{}
	if a&ActionProvide != 0 {
		names = append(names, "PROVIDE")
	}
	if a&ActionObserve != 0 {
		names = append(names, "OBSERVE")
	}
	if a&ActionModify != 0 {
		names = append(names, "MODIFY")
	}
	return names
}
