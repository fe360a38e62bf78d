package store

import (
	"context"
	"errors"
	"time"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
)

// Sentinel errors shared by every backend. Services translate them into
// their own reason-coded errors.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicateDecision = errors.New("store: decision already recorded")
	ErrDuplicateVersion  = errors.New("store: version number already taken")
	ErrCyclesInUse       = errors.New("store: cycles referenced by decisions")
	ErrTokenConsumed     = errors.New("store: token already consumed")
)

// Store is the persistence port of the engine. The postgres implementation
// backs the invariants with constraints (duplicate decisions, single current
// version); the in-memory implementation enforces the same under one mutex.
type Store interface {
	// Processes.
	CreateProcess(ctx context.Context, p domain.Process) error
	GetProcess(ctx context.Context, processID string) (domain.Process, error)
	UpdateProcessStatus(ctx context.Context, processID string, status domain.ProcessStatus) error

	// Files and versions. CreateFileVersion flips the prior current version
	// of the same file to superseded (stamping superseded_at and the
	// successor id) and inserts the new row as current, atomically.
	GetFileByName(ctx context.Context, processID, normalizedName string) (domain.File, error)
	CreateFile(ctx context.Context, f domain.File) error
	GetFileVersion(ctx context.Context, fileVersionID string) (domain.FileVersion, error)
	CreateFileVersion(ctx context.Context, fv domain.FileVersion) error
	MaxVersionNumber(ctx context.Context, fileID string) (int, error)
	// LatestVersionCreatedAt reports the newest file-version creation time
	// in the process; ok is false when the process has no versions.
	LatestVersionCreatedAt(ctx context.Context, processID string) (t time.Time, ok bool, err error)

	// Cycles. ReplaceCycles swaps the whole cycle/participant configuration
	// in one transaction and fails with ErrCyclesInUse when any recorded
	// decision references a cycle of the process.
	ReplaceCycles(ctx context.Context, processID string, cycles []domain.ApprovalCycle, participants []domain.Participant) error
	GetParticipant(ctx context.Context, participantID string) (domain.Participant, error)
	UpdateParticipantStatus(ctx context.Context, participantID string, status domain.ParticipantStatus) error

	// Decisions. InsertDecision fails with ErrDuplicateDecision when a
	// decision for the same (cycle, participant, file version) exists.
	InsertDecision(ctx context.Context, d domain.Decision) error

	// LoadProcessState returns everything the snapshot calculator needs:
	// cycles ascending by order, the full roster, decisions ascending by
	// time, and the current file versions.
	LoadProcessState(ctx context.Context, processID string) (*domain.ProcessState, error)

	// Tokens.
	CreateToken(ctx context.Context, t domain.Token) error
	GetTokenByHash(ctx context.Context, secretHash string) (domain.Token, error)
	// ConsumeToken sets used_at once (compare-and-set). A second call fails
	// with ErrTokenConsumed.
	ConsumeToken(ctx context.Context, tokenID string, at time.Time) error
	TouchToken(ctx context.Context, tokenID string, at time.Time) error

	// Audit. AppendAuditEvent serializes the read-prev/insert step: build
	// receives the hash of the latest event (empty for the first) and
	// returns the fully hashed event to persist. The chain cannot fork.
	AppendAuditEvent(ctx context.Context, build func(prevHash string) (domain.AuditEvent, error)) (domain.AuditEvent, error)
	// ListAuditEvents returns events in append order; processID narrows to
	// one process, empty returns the whole chain.
	ListAuditEvents(ctx context.Context, processID string) ([]domain.AuditEvent, error)
}
