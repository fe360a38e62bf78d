package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
)

func sessionGrant(clock interface{ Now() time.Time }) *Grant {
	return &Grant{
		TokenID:   "tok_1",
		Scopes:    []domain.Scope{domain.ScopeReview, domain.ScopeDownload},
		ProcessID: "prc_1",
		ExpiresAt: clock.Now().Add(time.Hour),
	}
}

func TestSessionRoundtrip(t *testing.T) {
	svc, _, clock := newService(t)
	g := sessionGrant(clock)
	cookie, err := svc.SignSession(g)
	if err != nil {
		t.Fatalf("SignSession error: %v", err)
	}
	got, ok := svc.ReadSession(cookie)
	if !ok {
		t.Fatalf("expected cookie to read back")
	}
	if got.TokenID != g.TokenID || got.ProcessID != g.ProcessID || len(got.Scopes) != 2 {
		t.Fatalf("grant mismatch: %+v", got)
	}
}

func TestTamperedSessionReadsAsAbsent(t *testing.T) {
	svc, _, clock := newService(t)
	cookie, err := svc.SignSession(sessionGrant(clock))
	if err != nil {
		t.Fatalf("SignSession error: %v", err)
	}
	payload, sig, _ := strings.Cut(cookie, ".")

	// Forged payload under the original signature.
	if _, ok := svc.ReadSession(strings.ToUpper(payload) + "." + sig); ok {
		t.Fatalf("tampered payload must read as absent")
	}
	// Broken signature.
	if _, ok := svc.ReadSession(payload + ".deadbeef"); ok {
		t.Fatalf("wrong signature must read as absent")
	}
}

func TestMalformedSessionReadsAsAbsent(t *testing.T) {
	svc, _, _ := newService(t)
	for _, v := range []string{"", "noseparator", ".onlysig", "payload.", "a.b.c"} {
		if _, ok := svc.ReadSession(v); ok {
			t.Fatalf("malformed cookie %q must read as absent", v)
		}
	}
}

func TestSessionFromOtherSecretRejected(t *testing.T) {
	svcA, _, clock := newService(t)
	svcB, _, _ := newService(t)
	// Different session secrets.
	svcB.sessionSecret = []byte("other-secret")
	cookie, err := svcA.SignSession(sessionGrant(clock))
	if err != nil {
		t.Fatalf("SignSession error: %v", err)
	}
	if _, ok := svcB.ReadSession(cookie); ok {
		t.Fatalf("cookie signed under another secret must not verify")
	}
}

func TestExpiredSessionReadsAsAbsent(t *testing.T) {
	svc, _, clock := newService(t)
	g := sessionGrant(clock)
	g.ExpiresAt = clock.Now().Add(time.Minute)
	cookie, err := svc.SignSession(g)
	if err != nil {
		t.Fatalf("SignSession error: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, ok := svc.ReadSession(cookie); ok {
		t.Fatalf("expired session must read as absent")
	}
}
