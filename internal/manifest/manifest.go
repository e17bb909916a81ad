// Package manifest models the permission manifest an application
// declares and an administrator approves.
//
// A Manifest has two interchangeable forms: a rule list and a byte form.
// The rule list is canonical. Rules are flattened into
// (interface, member, type) entries whose action masks are merged, then
// regrouped per interface in sorted order, so permuted or split rule
// lists describe the same manifest. The byte form is the deterministic
// CBOR encoding of the canonical rules and is derived whenever the rules
// are set.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/trustagent/internal/codec"
)

// wireVersion is the version tag embedded in the byte form.
const wireVersion = 1

var (
	// ErrEmptyInput is returned by SetFromBytes for a zero-length input.
	ErrEmptyInput = errors.New("manifest: empty input")
	// ErrInvalidRule is returned for rules without an interface name or
	// members, and for members with an unknown type.
	ErrInvalidRule = errors.New("manifest: invalid rule")
)

type wireManifest struct {
	Version uint   `cbor:"1,keyasint"`
	Rules   []Rule `cbor:"2,keyasint"`
}

var emptyBytes = mustEncode(nil)

func mustEncode(rules []Rule) []byte {
	b, err := encode(rules)
	if err != nil {
		panic("manifest: encode: " + err.Error())
	}
	return b
}

func encode(rules []Rule) ([]byte, error) {
	if rules == nil {
		rules = []Rule{}
	}
	return codec.Marshal(wireManifest{Version: wireVersion, Rules: rules})
}

// Manifest is an immutable-by-value set of permission rules.
// The zero value is the empty manifest.
type Manifest struct {
	rules []Rule
	raw   []byte
}

// New builds a manifest from rules. See SetFromRules.
func New(rules ...Rule) (Manifest, error) {
	var m Manifest
	if err := m.SetFromRules(rules); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// MustNew is New for static rule sets; it panics on invalid rules.
func MustNew(rules ...Rule) Manifest {
	m, err := New(rules...)
	if err != nil {
		panic(err)
	}
	return m
}

// FromBytes decodes a manifest byte form.
func FromBytes(data []byte) (Manifest, error) {
	var m Manifest
	if err := m.SetFromBytes(data); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// SetFromRules replaces the content of m. On error m is unchanged.
func (m *Manifest) SetFromRules(rules []Rule) error {
	canon, err := canonicalize(rules)
	if err != nil {
		return err
	}
	raw, err := encode(canon)
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	m.rules = canon
	m.raw = raw
	return nil
}

// SetFromBytes replaces the content of m with a decoded byte form.
// On error m is unchanged.
func (m *Manifest) SetFromBytes(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyInput
	}
	var w wireManifest
	if err := codec.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("manifest: decode: %w", err)
	}
	if w.Version != wireVersion {
		return fmt.Errorf("manifest: unsupported version %d", w.Version)
	}
	return m.SetFromRules(w.Rules)
}

// Rules returns a copy of the canonical rules.
func (m Manifest) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.clone()
	}
	return out
}

// Bytes returns a copy of the byte form. The empty manifest has a
// non-empty byte form.
func (m Manifest) Bytes() []byte {
	src := m.raw
	if src == nil {
		src = emptyBytes
	}
	return bytes.Clone(src)
}

// Digest returns the BLAKE3 digest of the byte form.
func (m Manifest) Digest() codec.Digest {
	if m.raw == nil {
		return codec.Sum(codec.ManifestDomain, emptyBytes)
	}
	return codec.Sum(codec.ManifestDomain, m.raw)
}

// Len returns the number of canonical rules.
func (m Manifest) Len() int {
	return len(m.rules)
}

// IsEmpty reports whether m grants nothing.
func (m Manifest) IsEmpty() bool {
	return len(m.rules) == 0
}

// Equal reports whether both manifests describe the same canonical rules.
func (m Manifest) Equal(o Manifest) bool {
	return bytes.Equal(m.Bytes(), o.Bytes())
}

// Difference returns the entries of m that o does not fully grant: an
// entry survives unless o holds the same (interface, member, type) with
// a superset of its actions. Surviving entries keep their full mask.
func (m Manifest) Difference(o Manifest) Manifest {
	other := flatten(o.rules)
	var out []flatEntry
	for _, e := range flatten(m.rules) {
		if !covered(other, e) {
			out = append(out, e)
		}
	}
	return fromFlat(out)
}

// Intersection returns the entries of m that o fully grants. Every entry
// of m lands in exactly one of m.Difference(o) and m.Intersection(o).
func (m Manifest) Intersection(o Manifest) Manifest {
	other := flatten(o.rules)
	var out []flatEntry
	for _, e := range flatten(m.rules) {
		if covered(other, e) {
			out = append(out, e)
		}
	}
	return fromFlat(out)
}

// Union merges both manifests.
func (m Manifest) Union(o Manifest) Manifest {
	all := append(flatten(m.rules), flatten(o.rules)...)
	return fromFlat(all)
}

func (m Manifest) String() string {
	if len(m.rules) == 0 {
		return "manifest{}"
	}
	parts := make([]string, len(m.rules))
	for i, r := range m.rules {
		parts[i] = r.String()
	}
	return "manifest{" + strings.Join(parts, "; ") + "}"
}

type flatEntry struct {
	key     entryKey
	actions Action
}

// flatten expands rules into sorted entries with merged action masks.
func flatten(rules []Rule) []flatEntry {
	merged := make(map[entryKey]Action)
	for _, r := range rules {
		for _, mem := range r.Members {
			k := entryKey{iface: r.InterfaceName, name: mem.Name, typ: mem.Type}
			merged[k] |= mem.Actions
		}
	}
	out := make([]flatEntry, 0, len(merged))
	for k, a := range merged {
		out = append(out, flatEntry{key: k, actions: a})
	}
	slices.SortFunc(out, func(a, b flatEntry) int {
		return compareEntryKeys(a.key, b.key)
	})
	return out
}

func covered(sorted []flatEntry, e flatEntry) bool {
	have, ok := lookup(sorted, e.key)
	return ok && e.actions&^have == 0
}

func lookup(sorted []flatEntry, k entryKey) (Action, bool) {
	i, ok := slices.BinarySearchFunc(sorted, k, func(e flatEntry, k entryKey) int {
		return compareEntryKeys(e.key, k)
	})
	if !ok {
		return 0, false
	}
	return sorted[i].actions, true
}

// regroup turns sorted entries back into one rule per interface.
func regroup(entries []flatEntry) []Rule {
	var rules []Rule
	for _, e := range entries {
		if len(rules) == 0 || rules[len(rules)-1].InterfaceName != e.key.iface {
			rules = append(rules, Rule{InterfaceName: e.key.iface})
		}
		last := &rules[len(rules)-1]
		last.Members = append(last.Members, Member{Name: e.key.name, Type: e.key.typ, Actions: e.actions})
	}
	return rules
}

func canonicalize(rules []Rule) ([]Rule, error) {
	for i, r := range rules {
		if strings.TrimSpace(r.InterfaceName) == "" {
			return nil, fmt.Errorf("%w: rule %d has no interface name", ErrInvalidRule, i)
		}
		if len(r.Members) == 0 {
			return nil, fmt.Errorf("%w: rule %d (%s) has no members", ErrInvalidRule, i, r.InterfaceName)
		}
		for j, mem := range r.Members {
			if mem.Type > MemberProperty {
				return nil, fmt.Errorf("%w: rule %d member %d: %s", ErrInvalidRule, i, j, mem.Type)
			}
			if mem.Name == "" {
				return nil, fmt.Errorf("%w: rule %d member %d has no name", ErrInvalidRule, i, j)
			}
		}
	}
	return regroup(flatten(rules)), nil
}

// fromFlat builds a manifest from entries that already passed validation.
func fromFlat(entries []flatEntry) Manifest {
	var canonEntries []flatEntry
	if len(entries) > 0 {
		// Re-flatten to merge duplicates and restore order.
		canonEntries = flatten(regroup(entries))
	}
	rules := regroup(canonEntries)
	return Manifest{rules: rules, raw: mustEncode(rules)}
}
