// Package auth issues opaque bearer tokens bound to scope sets and
// resolves them back to principals. Tokens live in memory until expiry.
package auth

import (
	"sort"
)

// Kind distinguishes human demo tokens from agent tokens.
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// ScopeSet is an immutable set of capability strings.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from a scope list.
func NewScopeSet(scopes ...string) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

// Contains reports exact-string membership. No wildcard semantics.
func (s ScopeSet) Contains(scope string) bool {
	_, ok := s[scope]
	return ok
}

// Missing returns the required scopes not present in the set, sorted.
func (s ScopeSet) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !s.Contains(r) {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}

// Sorted returns the scopes as a sorted list for wire responses.
func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// Principal is the authenticated party behind a bearer token.
// Principals are immutable after issuance; scopes never grow.
type Principal struct {
	Token     string
	Kind      Kind
	Subject   string
	Scopes    ScopeSet
	ExpiresAt int64 // unix seconds
}

// Allowed reports whether the principal holds every required scope.
func (p *Principal) Allowed(required []string) bool {
	return len(p.Scopes.Missing(required)) == 0
}
