package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
)

type Service struct {
	store store.Store
	chain *audit.Chain
	clock domain.Clock
	log   *logrus.Logger
}

func NewService(st store.Store, chain *audit.Chain, clock domain.Clock, log *logrus.Logger) *Service {
	return &Service{store: st, chain: chain, clock: clock, log: log}
}

type DecisionRequest struct {
	ProcessID     string
	ParticipantID string
	FileVersionID string
	Decision      domain.DecisionKind
	Reason        string
}

// RecordDecision commits exactly one approval/rejection, or fails with a
// distinct reason code. Validation runs against a fresh snapshot; the
// duplicate-decision race is closed by the store's uniqueness guarantee on
// (cycle, participant, file version), so two concurrent attempts at the same
// pair yield one success and one ALREADY_DECIDED.
func (s *Service) RecordDecision(ctx context.Context, req DecisionRequest) (domain.ProcessStatus, error) {
	reason := strings.TrimSpace(req.Reason)
	switch req.Decision {
	case domain.DecisionApprove:
	case domain.DecisionReject:
		if reason == "" {
			return "", errf(CodeReasonRequired, "a rejection needs a non-empty reason")
		}
	default:
		return "", errf(CodeBadInput, "decision must be APPROVE or REJECT")
	}

	state, err := s.store.LoadProcessState(ctx, req.ProcessID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errf(CodeProcessNotFound, "process %s not found", req.ProcessID)
		}
		return "", fmt.Errorf("loading process state: %w", err)
	}

	participant, ok := findParticipant(state.Participants, req.ParticipantID)
	if !ok {
		return "", errf(CodeParticipantNotFound, "participant %s not found in process %s", req.ParticipantID, req.ProcessID)
	}
	if participant.Role != domain.RoleApprover {
		return "", errf(CodeNotApprover, "participant %s is a %s; only approvers decide", req.ParticipantID, participant.Role)
	}
	if !participant.Eligible() {
		return "", errf(CodeParticipantInactive, "participant %s is %s", req.ParticipantID, participant.Status)
	}

	snap := Calculate(state)
	if snap.ActiveCycleID == "" || snap.ActiveCycleID != participant.CycleID {
		return "", errf(CodeCycleNotActive, "cycle %s is not the active cycle", participant.CycleID)
	}
	fileStatus, ok := snap.FileStatuses[req.FileVersionID]
	if !ok {
		return "", errf(CodeFileNotFound, "file version %s is not a current version of process %s", req.FileVersionID, req.ProcessID)
	}
	if fileStatus != domain.FilePending {
		return "", errf(CodeFileFinalized, "file version %s already evaluates to %s", req.FileVersionID, fileStatus)
	}

	d := domain.Decision{
		DecisionID:    "dec_" + uuid.NewString(),
		ProcessID:     req.ProcessID,
		CycleID:       participant.CycleID,
		ParticipantID: participant.ParticipantID,
		FileVersionID: req.FileVersionID,
		Kind:          req.Decision,
		Reason:        reason,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.InsertDecision(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicateDecision) {
			return "", errf(CodeAlreadyDecided, "participant %s already decided on file version %s", participant.ParticipantID, req.FileVersionID)
		}
		return "", fmt.Errorf("inserting decision: %w", err)
	}

	status, err := s.refreshStatus(ctx, req.ProcessID, state.Process.Status)
	if err != nil {
		return "", err
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:     audit.EventDecisionRecorded,
		ProcessID:     req.ProcessID,
		CycleID:       participant.CycleID,
		FileVersionID: req.FileVersionID,
		RoleAtTime:    string(participant.Role),
		Payload: map[string]any{
			"participant_id": participant.ParticipantID,
			"decision":       string(req.Decision),
			"reason":         reason,
			"process_status": string(status),
		},
	}); err != nil {
		return "", fmt.Errorf("auditing decision: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"process":      req.ProcessID,
		"participant":  participant.ParticipantID,
		"file_version": req.FileVersionID,
		"decision":     req.Decision,
		"status":       status,
	}).Info("decision recorded")
	return status, nil
}

// refreshStatus recomputes the snapshot and updates the cached process
// status only when it changed. Returns the fresh status.
func (s *Service) refreshStatus(ctx context.Context, processID string, cached domain.ProcessStatus) (domain.ProcessStatus, error) {
	state, err := s.store.LoadProcessState(ctx, processID)
	if err != nil {
		return "", fmt.Errorf("reloading process state: %w", err)
	}
	snap := Calculate(state)
	if snap.ProcessStatus != cached {
		if err := s.store.UpdateProcessStatus(ctx, processID, snap.ProcessStatus); err != nil {
			return "", fmt.Errorf("updating cached status: %w", err)
		}
	}
	return snap.ProcessStatus, nil
}

// ProcessSnapshot is the pure read of §6: derive, never mutate.
func (s *Service) ProcessSnapshot(ctx context.Context, processID string) (Snapshot, error) {
	state, err := s.store.LoadProcessState(ctx, processID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, errf(CodeProcessNotFound, "process %s not found", processID)
		}
		return Snapshot{}, err
	}
	return Calculate(state), nil
}

// HandOff excludes a participant from quorum without deleting them.
func (s *Service) HandOff(ctx context.Context, participantID string) error {
	return s.transitionParticipant(ctx, participantID, domain.ParticipantHandedOff, audit.EventParticipantHandedOff)
}

// Remove excludes a participant permanently.
func (s *Service) Remove(ctx context.Context, participantID string) error {
	return s.transitionParticipant(ctx, participantID, domain.ParticipantRemoved, audit.EventParticipantRemoved)
}

func (s *Service) transitionParticipant(ctx context.Context, participantID string, status domain.ParticipantStatus, eventType string) error {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errf(CodeParticipantNotFound, "participant %s not found", participantID)
		}
		return err
	}
	// Handed-off and removed are terminal; neither can be re-applied or
	// stacked on the other.
	if !p.Eligible() {
		return errf(CodeParticipantFinalized, "participant %s is already %s", participantID, p.Status)
	}
	if err := s.store.UpdateParticipantStatus(ctx, participantID, status); err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	// Quorum shrank; the cached status may flip (e.g. last missing approver
	// handed off).
	if _, err := s.refreshStatus(ctx, p.ProcessID, ""); err != nil {
		return err
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:  eventType,
		ProcessID:  p.ProcessID,
		CycleID:    p.CycleID,
		RoleAtTime: string(p.Role),
		Payload:    map[string]any{"participant_id": participantID, "status": string(status)},
	}); err != nil {
		return fmt.Errorf("auditing participant transition: %w", err)
	}
	return nil
}

func findParticipant(participants []domain.Participant, id string) (domain.Participant, bool) {
	for _, p := range participants {
		if p.ParticipantID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}
