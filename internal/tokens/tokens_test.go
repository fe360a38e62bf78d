package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/internal/testutil"
	"github.com/halunken-hans/OpenApprove-sub000/pkg/canonhash"
)

func newService(t *testing.T) (*Service, *store.Memory, *testutil.Clock) {
	t.Helper()
	st := store.NewMemory()
	clock := testutil.NewClock()
	chain := audit.NewChain(st, clock)
	return NewService(st, chain, clock, []byte("session-secret")), st, clock
}

func TestIssueReturnsRawSecretOnce(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueRequest{Scopes: []domain.Scope{domain.ScopeApprove}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if issued.RawSecret == "" || issued.TokenID == "" {
		t.Fatalf("expected secret and id, got %+v", issued)
	}
	stored, err := st.GetTokenByHash(ctx, canonhash.SumString(issued.RawSecret))
	if err != nil {
		t.Fatalf("lookup by hash failed: %v", err)
	}
	if stored.SecretHash == issued.RawSecret {
		t.Fatalf("raw secret must not be stored")
	}
}

func TestValidateUnknownSecret(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Validate(context.Background(), "cap_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()
	issued, err := svc.Issue(ctx, IssueRequest{Scopes: []domain.Scope{domain.ScopeReview}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := svc.Validate(ctx, issued.RawSecret); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestOneTimeTokenSecondUseFails(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	issued, err := svc.Issue(ctx, IssueRequest{Scopes: []domain.Scope{domain.ScopeApprove}, TTL: time.Hour, OneTime: true})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.RawSecret); err != nil {
		t.Fatalf("first validation must succeed: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.RawSecret); !errors.Is(err, ErrUsed) {
		t.Fatalf("expected ErrUsed, got %v", err)
	}
}

func TestReusableTokenValidatesRepeatedly(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	issued, err := svc.Issue(ctx, IssueRequest{Scopes: []domain.Scope{domain.ScopeReview}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Validate(ctx, issued.RawSecret); err != nil {
			t.Fatalf("validation %d failed: %v", i, err)
		}
	}
}

func TestSupersessionInvalidatesBoundToken(t *testing.T) {
	svc, st, clock := newService(t)
	ctx := context.Background()
	if err := st.CreateProcess(ctx, domain.Process{ProcessID: "prc_1", Status: domain.ProcessDraft, CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	issued, err := svc.Issue(ctx, IssueRequest{
		Scopes: []domain.Scope{domain.ScopeApprove}, TTL: time.Hour, ProcessID: "prc_1",
	})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.RawSecret); err != nil {
		t.Fatalf("validation before upload must succeed: %v", err)
	}
	// A version created after the token invalidates it.
	clock.Advance(time.Minute)
	if err := st.CreateFileVersion(ctx, domain.FileVersion{
		FileVersionID: "fv_1", FileID: "fil_1", ProcessID: "prc_1",
		VersionNumber: 1, ApprovalRule: domain.AllApprove, ApprovalRequired: true,
		CreatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("CreateFileVersion: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.RawSecret); !errors.Is(err, ErrReplaced) {
		t.Fatalf("expected ErrReplaced, got %v", err)
	}
}

func TestAuthorizeScopeIntersection(t *testing.T) {
	svc, _, _ := newService(t)
	g := &Grant{Scopes: []domain.Scope{domain.ScopeReview}}
	if err := svc.Authorize(g, domain.ScopeApprove, domain.ScopeReview); err != nil {
		t.Fatalf("expected authorized, got %v", err)
	}
	if err := svc.Authorize(g, domain.ScopeManage); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.Authorize(nil, domain.ScopeManage); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing grant, got %v", err)
	}
}

func TestValidationIsAudited(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	issued, err := svc.Issue(ctx, IssueRequest{Scopes: []domain.Scope{domain.ScopeReview}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := svc.Validate(ctx, issued.RawSecret); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if _, err := svc.Validate(ctx, "cap_bogus"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	events, err := st.ListAuditEvents(ctx, "")
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	var issuedN, accepted, denied int
	for _, ev := range events {
		switch ev.EventType {
		case audit.EventTokenIssued:
			issuedN++
		case audit.EventTokenAccepted:
			accepted++
		case audit.EventTokenDenied:
			denied++
		}
	}
	if issuedN != 1 || accepted != 1 || denied != 1 {
		t.Fatalf("expected 1 issued, 1 accepted, 1 denied; got %d/%d/%d", issuedN, accepted, denied)
	}
	if res := audit.Verify(events); !res.Ok {
		t.Fatalf("audit chain broken: %+v", res)
	}
}
