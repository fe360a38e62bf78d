package approvals

import (
	"context"
	"errors"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
)

type FileEntry struct {
	FileVersionID string              `json:"file_version_id"`
	FileID        string              `json:"file_id"`
	VersionNumber int                 `json:"version_number"`
	ContentHash   string              `json:"content_hash"`
	MimeType      string              `json:"mime_type"`
	Status        domain.FileStatus   `json:"status"`
	Rule          domain.ApprovalRule `json:"rule"`
}

type PendingApprover struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Summary is the consistent read view: derived status, the files with their
// per-version evaluation, who still has to act, and the full decision
// history. Absent pieces come back as empty lists.
type Summary struct {
	ProcessID        string                 `json:"process_id"`
	CustomerNumber   string                 `json:"customer_number"`
	Status           domain.ProcessStatus   `json:"status"`
	ActiveCycleID    string                 `json:"active_cycle_id,omitempty"`
	Cycles           []domain.ApprovalCycle `json:"cycles"`
	Files            []FileEntry            `json:"files"`
	PendingApprovers []PendingApprover      `json:"pending_approvers"`
	History          []domain.Decision      `json:"history"`
}

// Summary assembles the read projection. The cached process status is
// refreshed opportunistically when the derivation disagrees with it; a
// failed refresh only degrades the cache, not the response.
func (s *Service) Summary(ctx context.Context, processID string) (Summary, error) {
	state, err := s.store.LoadProcessState(ctx, processID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Summary{}, errf(CodeProcessNotFound, "process %s not found", processID)
		}
		return Summary{}, err
	}
	snap := Calculate(state)
	if snap.ProcessStatus != state.Process.Status {
		if err := s.store.UpdateProcessStatus(ctx, processID, snap.ProcessStatus); err != nil {
			s.log.WithError(err).WithField("process", processID).Warn("status cache refresh failed")
		}
	}

	out := Summary{
		ProcessID:        processID,
		CustomerNumber:   state.Process.CustomerNumber,
		Status:           snap.ProcessStatus,
		ActiveCycleID:    snap.ActiveCycleID,
		Cycles:           append([]domain.ApprovalCycle{}, state.Cycles...),
		Files:            []FileEntry{},
		PendingApprovers: []PendingApprover{},
		History:          append([]domain.Decision{}, state.Decisions...),
	}
	for _, fv := range state.CurrentVersions {
		out.Files = append(out.Files, FileEntry{
			FileVersionID: fv.FileVersionID,
			FileID:        fv.FileID,
			VersionNumber: fv.VersionNumber,
			ContentHash:   fv.ContentHash,
			MimeType:      fv.MimeType,
			Status:        snap.FileStatuses[fv.FileVersionID],
			Rule:          fv.ApprovalRule,
		})
	}
	if snap.ActiveCycleID != "" {
		out.PendingApprovers = pendingApprovers(state, snap)
	}
	return out, nil
}

// pendingApprovers lists eligible approvers of the active cycle who still
// owe a decision on at least one pending file.
func pendingApprovers(state *domain.ProcessState, snap Snapshot) []PendingApprover {
	decided := make(map[string]map[string]bool) // participant -> file version -> true
	for _, d := range state.Decisions {
		if d.CycleID != snap.ActiveCycleID {
			continue
		}
		if decided[d.ParticipantID] == nil {
			decided[d.ParticipantID] = make(map[string]bool)
		}
		decided[d.ParticipantID][d.FileVersionID] = true
	}

	out := []PendingApprover{}
	for _, p := range eligibleApprovers(state.Participants, snap.ActiveCycleID) {
		owes := false
		for fvID, st := range snap.FileStatuses {
			if st == domain.FilePending && !decided[p.ParticipantID][fvID] {
				owes = true
				break
			}
		}
		if owes {
			out = append(out, PendingApprover{ParticipantID: p.ParticipantID, DisplayName: p.DisplayName, Email: p.Email})
		}
	}
	return out
}
