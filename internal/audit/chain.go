// Package audit maintains the hash-chained, append-only log of every
// state-changing or privileged-read action. Each event hashes its canonical
// payload together with the previous event's hash; verification recomputes
// the whole chain and reports the first broken link.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/pkg/canonhash"
)

// Event types appended by the services.
const (
	EventProcessCreated       = "PROCESS_CREATED"
	EventFileVersionUploaded  = "FILE_VERSION_UPLOADED"
	EventFileDownloaded       = "FILE_DOWNLOADED"
	EventCyclesConfigured     = "CYCLES_CONFIGURED"
	EventDecisionRecorded     = "DECISION_RECORDED"
	EventParticipantHandedOff = "PARTICIPANT_HANDED_OFF"
	EventParticipantRemoved   = "PARTICIPANT_REMOVED"
	EventTokenIssued          = "TOKEN_ISSUED"
	EventTokenAccepted        = "TOKEN_ACCEPTED"
	EventTokenDenied          = "TOKEN_DENIED"
)

// Entry is what callers append; hashes and identity are filled in by the
// chain.
type Entry struct {
	EventType     string
	ProcessID     string
	CycleID       string
	FileID        string
	FileVersionID string
	TokenID       string
	RoleAtTime    string
	RequesterID   string
	Payload       map[string]any
}

// Appender is the slice of the store the chain writes through.
type Appender interface {
	AppendAuditEvent(ctx context.Context, build func(prevHash string) (domain.AuditEvent, error)) (domain.AuditEvent, error)
}

type Chain struct {
	store Appender
	clock domain.Clock
}

func NewChain(store Appender, clock domain.Clock) *Chain {
	return &Chain{store: store, clock: clock}
}

// hashable is the portion of an event covered by its hash. Field order is
// fixed; the payload map serializes with sorted keys.
type hashable struct {
	EventType     string         `json:"event_type"`
	ProcessID     string         `json:"process_id"`
	CycleID       string         `json:"cycle_id"`
	FileID        string         `json:"file_id"`
	FileVersionID string         `json:"file_version_id"`
	TokenID       string         `json:"token_id"`
	RoleAtTime    string         `json:"role_at_time"`
	RequesterID   string         `json:"requester_id"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
}

func eventHash(ev domain.AuditEvent) (string, error) {
	// Normalized to what a timestamptz round-trip preserves, so a reloaded
	// chain verifies against the hashes computed at append time.
	created := ev.CreatedAt.UTC().Truncate(time.Microsecond)
	_, canonical, err := canonhash.SumObject(hashable{
		EventType:     ev.EventType,
		ProcessID:     ev.ProcessID,
		CycleID:       ev.CycleID,
		FileID:        ev.FileID,
		FileVersionID: ev.FileVersionID,
		TokenID:       ev.TokenID,
		RoleAtTime:    ev.RoleAtTime,
		RequesterID:   ev.RequesterID,
		Payload:       ev.Payload,
		CreatedAt:     created,
	})
	if err != nil {
		return "", err
	}
	return canonhash.SumBytes(append(canonical, []byte(ev.PrevHash)...)), nil
}

// Append links a new event onto the chain. The read-prev/insert step is
// serialized by the store, so concurrent appends cannot fork the chain.
func (c *Chain) Append(ctx context.Context, e Entry) (domain.AuditEvent, error) {
	return c.store.AppendAuditEvent(ctx, func(prevHash string) (domain.AuditEvent, error) {
		ev := domain.AuditEvent{
			EventID:       "evt_" + uuid.NewString(),
			EventType:     e.EventType,
			ProcessID:     e.ProcessID,
			CycleID:       e.CycleID,
			FileID:        e.FileID,
			FileVersionID: e.FileVersionID,
			TokenID:       e.TokenID,
			RoleAtTime:    e.RoleAtTime,
			RequesterID:   e.RequesterID,
			Payload:       e.Payload,
			PrevHash:      prevHash,
			CreatedAt:     c.clock.Now(),
		}
		h, err := eventHash(ev)
		if err != nil {
			return domain.AuditEvent{}, fmt.Errorf("hashing audit event: %w", err)
		}
		ev.EventHash = h
		return ev, nil
	})
}

// VerifyResult reports chain integrity. When Ok is false, FailedAt is the
// index of the first event that broke the chain and Reason names the check
// that failed.
type VerifyResult struct {
	Ok       bool   `json:"ok"`
	FailedAt int    `json:"failed_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes every hash from scratch. Verification fails globally at
// the first broken link; it never skips a bad event and resumes.
func Verify(events []domain.AuditEvent) VerifyResult {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return VerifyResult{Ok: false, FailedAt: i, Reason: "prev_hash mismatch"}
		}
		computed, err := eventHash(ev)
		if err != nil {
			return VerifyResult{Ok: false, FailedAt: i, Reason: "payload not hashable"}
		}
		if computed != ev.EventHash {
			return VerifyResult{Ok: false, FailedAt: i, Reason: "event_hash mismatch"}
		}
		prev = ev.EventHash
	}
	return VerifyResult{Ok: true}
}
