// Package tokens issues and validates bearer capability tokens. A token is a
// high-entropy secret returned to the caller exactly once; only its SHA-256
// hash is stored, and lookup is always by hash. Validity is tied to document
// immutability: a token bound to a process is refused once any file version
// in that process postdates the token.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/pkg/canonhash"
)

// secretPrefix marks raw secrets so they are recognizable in logs that
// should never contain them.
const secretPrefix = "cap_"

// Authentication failures, each a distinct reason.
var (
	ErrNotFound = errors.New("token not found")
	ErrExpired  = errors.New("token expired")
	ErrUsed     = errors.New("token already used")
	ErrReplaced = errors.New("token replaced by newer file version")
)

// ErrForbidden is an authorization failure: the token authenticated but its
// scope set does not intersect the requirement.
var ErrForbidden = errors.New("token lacks required scope")

// Reason maps an authentication/authorization error to its stable code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrUsed):
		return "USED"
	case errors.Is(err, ErrReplaced):
		return "REPLACED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	default:
		return "NOT_FOUND"
	}
}

// TokenStore is the slice of the store the service needs.
type TokenStore interface {
	CreateToken(ctx context.Context, t domain.Token) error
	GetTokenByHash(ctx context.Context, secretHash string) (domain.Token, error)
	ConsumeToken(ctx context.Context, tokenID string, at time.Time) error
	TouchToken(ctx context.Context, tokenID string, at time.Time) error
	LatestVersionCreatedAt(ctx context.Context, processID string) (time.Time, bool, error)
}

type Service struct {
	store         TokenStore
	chain         *audit.Chain
	clock         domain.Clock
	sessionSecret []byte
}

func NewService(st TokenStore, chain *audit.Chain, clock domain.Clock, sessionSecret []byte) *Service {
	return &Service{store: st, chain: chain, clock: clock, sessionSecret: sessionSecret}
}

type IssueRequest struct {
	Scopes  []domain.Scope
	TTL     time.Duration
	OneTime bool

	ProcessID      string
	ParticipantID  string
	CustomerNumber string
	UploaderID     string
	RoleAtTime     string
}

type Issued struct {
	TokenID   string    `json:"token_id"`
	RawSecret string    `json:"raw_secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue creates a token and returns the raw secret. The secret cannot be
// recovered later.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if len(req.Scopes) == 0 {
		return Issued{}, fmt.Errorf("at least one scope is required")
	}
	if req.TTL <= 0 {
		return Issued{}, fmt.Errorf("ttl must be positive")
	}
	now := s.clock.Now()
	raw := secretPrefix + canonhash.NewSecret(32)
	t := domain.Token{
		TokenID:        "tok_" + uuid.NewString(),
		SecretHash:     canonhash.SumString(raw),
		Scopes:         req.Scopes,
		ExpiresAt:      now.Add(req.TTL),
		OneTime:        req.OneTime,
		ProcessID:      req.ProcessID,
		ParticipantID:  req.ParticipantID,
		CustomerNumber: req.CustomerNumber,
		UploaderID:     req.UploaderID,
		RoleAtTime:     req.RoleAtTime,
		CreatedAt:      now,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return Issued{}, fmt.Errorf("storing token: %w", err)
	}
	scopes := make([]any, len(req.Scopes))
	for i, sc := range req.Scopes {
		scopes[i] = string(sc)
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:  audit.EventTokenIssued,
		ProcessID:  req.ProcessID,
		TokenID:    t.TokenID,
		RoleAtTime: req.RoleAtTime,
		Payload:    map[string]any{"scopes": scopes, "one_time": req.OneTime, "expires_at": t.ExpiresAt},
	}); err != nil {
		return Issued{}, fmt.Errorf("auditing token issue: %w", err)
	}
	return Issued{TokenID: t.TokenID, RawSecret: raw, ExpiresAt: t.ExpiresAt}, nil
}

// Grant is the validated capability context handed to the caller.
type Grant struct {
	TokenID        string         `json:"token_id"`
	Scopes         []domain.Scope `json:"scopes"`
	ProcessID      string         `json:"process_id,omitempty"`
	ParticipantID  string         `json:"participant_id,omitempty"`
	CustomerNumber string         `json:"customer_number,omitempty"`
	UploaderID     string         `json:"uploader_id,omitempty"`
	RoleAtTime     string         `json:"role_at_time,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Validate authenticates a raw secret. Failures are distinct: ErrNotFound,
// ErrExpired, ErrUsed, ErrReplaced. A one-time token is consumed on success;
// consumption is a compare-and-set, so a retry within the same validated use
// does not double-consume.
func (s *Service) Validate(ctx context.Context, rawSecret string) (*Grant, error) {
	t, err := s.store.GetTokenByHash(ctx, canonhash.SumString(rawSecret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.deny(ctx, "", "", "NOT_FOUND", ErrNotFound)
		}
		return nil, err
	}
	now := s.clock.Now()
	if now.After(t.ExpiresAt) {
		return nil, s.deny(ctx, t.TokenID, t.ProcessID, "EXPIRED", ErrExpired)
	}
	if t.OneTime && t.UsedAt != nil {
		return nil, s.deny(ctx, t.TokenID, t.ProcessID, "USED", ErrUsed)
	}
	if t.ProcessID != "" {
		latest, ok, err := s.store.LatestVersionCreatedAt(ctx, t.ProcessID)
		if err != nil {
			return nil, err
		}
		if ok && latest.After(t.CreatedAt) {
			return nil, s.deny(ctx, t.TokenID, t.ProcessID, "REPLACED", ErrReplaced)
		}
	}
	if t.OneTime {
		if err := s.store.ConsumeToken(ctx, t.TokenID, now); err != nil {
			if errors.Is(err, store.ErrTokenConsumed) {
				// Lost the race to a concurrent validation.
				return nil, s.deny(ctx, t.TokenID, t.ProcessID, "USED", ErrUsed)
			}
			return nil, err
		}
	}
	if err := s.store.TouchToken(ctx, t.TokenID, now); err != nil {
		return nil, err
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:  audit.EventTokenAccepted,
		ProcessID:  t.ProcessID,
		TokenID:    t.TokenID,
		RoleAtTime: t.RoleAtTime,
	}); err != nil {
		return nil, fmt.Errorf("auditing token use: %w", err)
	}
	return &Grant{
		TokenID:        t.TokenID,
		Scopes:         t.Scopes,
		ProcessID:      t.ProcessID,
		ParticipantID:  t.ParticipantID,
		CustomerNumber: t.CustomerNumber,
		UploaderID:     t.UploaderID,
		RoleAtTime:     t.RoleAtTime,
		ExpiresAt:      t.ExpiresAt,
	}, nil
}

// deny records the refusal and returns cause. A failed append surfaces
// instead of the reason: the log must not miss privileged-access attempts.
func (s *Service) deny(ctx context.Context, tokenID, processID, reason string, cause error) error {
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType: audit.EventTokenDenied,
		ProcessID: processID,
		TokenID:   tokenID,
		Payload:   map[string]any{"reason": reason},
	}); err != nil {
		return fmt.Errorf("auditing token denial: %w", err)
	}
	return cause
}

// Authorize checks the grant's scope set against the requirement: the grant
// passes when it holds any of the given scopes. Authorization failure is
// distinct from authentication failure.
func (s *Service) Authorize(g *Grant, anyOf ...domain.Scope) error {
	if g == nil {
		return ErrNotFound
	}
	if !domain.HasAnyScope(g.Scopes, anyOf...) {
		return ErrForbidden
	}
	return nil
}
