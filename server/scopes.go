package server

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Known scopes
const (
	ScopeProfileRead   = "profile:read"
	ScopeProfileWrite  = "profile:write"
	ScopeActivityRead  = "activity:read"
	ScopeActivityWrite = "activity:write"
	ScopeWellnessRead  = "wellness:read"
	ScopeNutritionRead = "nutrition:read"
)

// DefaultScopes returns the built-in scope registry contents
func DefaultScopes() []string {
	return []string{
		ScopeProfileRead,
		ScopeProfileWrite,
		ScopeActivityRead,
		ScopeActivityWrite,
		ScopeWellnessRead,
		ScopeNutritionRead,
	}
}

// claimScopes maps userinfo claims beyond the base identity to the scope
// that unlocks them.
var claimScopes = map[string]string{
	"ftp":    ScopeProfileRead,
	"weight": ScopeProfileRead,
}

// ScopeSet is a normalized, duplicate-free list of known scopes in the
// order they were first requested.
type ScopeSet []string

// String renders the set in the space-delimited wire form
func (s ScopeSet) String() string {
	return strings.Join(s, " ")
}

// Has reports whether scope is in the set
func (s ScopeSet) Has(scope string) bool {
	return slices.Contains(s, scope)
}

// AllowsClaim reports whether the set unlocks a scope-gated userinfo claim.
// Unknown claims are never allowed.
func (s ScopeSet) AllowsClaim(claim string) bool {
	scope, ok := claimScopes[claim]
	return ok && s.Has(scope)
}

// ScopeRegistry validates scope strings against the supported set. It is
// the only place raw scope strings are parsed.
type ScopeRegistry struct {
	supported    []string
	known        map[string]struct{}
	defaultScope string
}

// NewScopeRegistry creates a registry. defaultScope must be supported.
func NewScopeRegistry(supported []string, defaultScope string) (*ScopeRegistry, error) {
	r := &ScopeRegistry{
		known:        make(map[string]struct{}, len(supported)),
		defaultScope: defaultScope,
	}
	for _, scope := range supported {
		if scope == "" || strings.ContainsFunc(scope, isScopeSeparator) {
			return nil, fmt.Errorf("invalid scope name %q", scope)
		}
		if _, dup := r.known[scope]; dup {
			continue
		}
		r.known[scope] = struct{}{}
		r.supported = append(r.supported, scope)
	}
	if _, ok := r.known[defaultScope]; !ok {
		return nil, fmt.Errorf("default scope %q is not supported", defaultScope)
	}
	return r, nil
}

// Supported returns the registered scopes
func (r *ScopeRegistry) Supported() []string {
	return slices.Clone(r.supported)
}

// ParseScopes splits raw on whitespace and commas, drops duplicates and
// rejects unknown scopes. An empty request yields the default scope.
func (r *ScopeRegistry) ParseScopes(raw string) (ScopeSet, error) {
	fields := strings.FieldsFunc(raw, isScopeSeparator)
	if len(fields) == 0 {
		return ScopeSet{r.defaultScope}, nil
	}

	set := make(ScopeSet, 0, len(fields))
	for _, scope := range fields {
		if _, ok := r.known[scope]; !ok {
			return nil, ValidationError(fmt.Sprintf("Unknown scope: %s", scope))
		}
		if !set.Has(scope) {
			set = append(set, scope)
		}
	}
	return set, nil
}

func isScopeSeparator(r rune) bool {
	return r == ',' || unicode.IsSpace(r)
}
