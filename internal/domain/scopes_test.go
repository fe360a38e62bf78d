package domain

import "testing"

func TestParseScopeRejectsUnknown(t *testing.T) {
	if _, err := ParseScope("APPROVE"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := ParseScope("approve"); err == nil {
		t.Fatalf("expected error for lowercase scope")
	}
	if _, err := ParseScope("DELETE_EVERYTHING"); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}

func TestHasAnyScope(t *testing.T) {
	scopes := []Scope{ScopeReview, ScopeDownload}
	if !HasAnyScope(scopes, ScopeApprove, ScopeReview) {
		t.Fatalf("expected intersection on REVIEW")
	}
	if HasAnyScope(scopes, ScopeApprove, ScopeManage) {
		t.Fatalf("expected no intersection")
	}
	if HasAnyScope(nil, ScopeApprove) {
		t.Fatalf("empty set must not authorize")
	}
}
