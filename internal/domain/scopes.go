package domain

import "fmt"

// Scope is a fixed capability enumeration. Tokens carry a set of scopes;
// authorization checks intersect the set against a requirement. Free-form
// strings are rejected at parse time.
type Scope string

const (
	ScopeUpload    Scope = "UPLOAD"
	ScopeApprove   Scope = "APPROVE"
	ScopeReview    Scope = "REVIEW"
	ScopeDownload  Scope = "DOWNLOAD"
	ScopeManage    Scope = "MANAGE"
	ScopeAuditRead Scope = "AUDIT_READ"
)

var allScopes = map[Scope]struct{}{
	ScopeUpload:    {},
	ScopeApprove:   {},
	ScopeReview:    {},
	ScopeDownload:  {},
	ScopeManage:    {},
	ScopeAuditRead: {},
}

func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if _, ok := allScopes[sc]; !ok {
		return "", fmt.Errorf("unknown scope: %q", s)
	}
	return sc, nil
}

func HasScope(scopes []Scope, required Scope) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the set contains at least one of anyOf.
func HasAnyScope(scopes []Scope, anyOf ...Scope) bool {
	for _, want := range anyOf {
		if HasScope(scopes, want) {
			return true
		}
	}
	return false
}
