package store

import (
	"encoding/json"
	"fmt"
)

// EncodeRefs encodes a reference set for storage in a single property.
func EncodeRefs(refs []Ref) string {
	if refs == nil {
		refs = []Ref{}
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

// DecodeRefs decodes a property written by EncodeRefs. A nil value decodes
// to an empty set.
func DecodeRefs(v any) ([]Ref, error) {
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case string:
		if tv == "" {
			return nil, nil
		}
		var refs []Ref
		if err := json.Unmarshal([]byte(tv), &refs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRefs, err)
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedRefs, v)
	}
}

// Dedupe returns refs with duplicates removed, keeping first occurrences in order.
func Dedupe(refs []Ref) []Ref {
	seen := make(map[Ref]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SameRefs reports whether a and b hold the same references, ignoring order.
func SameRefs(a, b []Ref) bool {
	a, b = Dedupe(a), Dedupe(b)
	if len(a) != len(b) {
		return false
	}
	set := make(map[Ref]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether refs holds r.
func Contains(refs []Ref, r Ref) bool {
	for _, x := range refs {
		if x == r {
			return true
		}
	}
	return false
}

// Diff returns the references in a that are not in b.
func Diff(a, b []Ref) []Ref {
	var out []Ref
	for _, r := range Dedupe(a) {
		if !Contains(b, r) {
			out = append(out, r)
		}
	}
	return out
}
