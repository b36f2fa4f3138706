package storage

import (
	"encoding/json"
	"sort"
	"strings"
)

// Scope is a set of permission strings. The zero value is the empty scope.
type Scope map[string]struct{}

// ParseScope splits a space-delimited scope string (RFC 6749 Section 3.3).
// Repeated and empty entries are collapsed.
func ParseScope(s string) Scope {
	return NewScope(strings.Fields(s)...)
}

// NewScope builds a scope from individual values.
func NewScope(values ...string) Scope {
	sc := make(Scope, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		sc[v] = struct{}{}
	}
	return sc
}

// Contains reports whether every value in required is granted by s.
// The empty requirement is always satisfied.
func (s Scope) Contains(required Scope) bool {
	for v := range required {
		if _, ok := s[v]; !ok {
			return false
		}
	}
	return true
}

// Has reports whether a single value is granted.
func (s Scope) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Values returns the scope values in sorted order.
func (s Scope) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// String renders the scope in its space-delimited wire form.
func (s Scope) String() string {
	return strings.Join(s.Values(), " ")
}

// Clone returns an independent copy.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	c := make(Scope, len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}

// MarshalJSON encodes the scope as a sorted string array.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON decodes a string array.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewScope(values...)
	return nil
}
