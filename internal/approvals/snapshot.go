// Package approvals is the approval orchestration core: the snapshot
// calculator that derives file and process status from recorded facts, the
// decision recording protocol, cycle configuration, and the summary read
// projection.
package approvals

import "github.com/halunken-hans/OpenApprove-sub000/internal/domain"

// Snapshot is the derived approval state of a process. It is recomputed from
// persisted facts on demand and never stored as authoritative; the process
// row's status field is only a cache of ProcessStatus.
type Snapshot struct {
	ProcessStatus domain.ProcessStatus         `json:"process_status"`
	ActiveCycleID string                       `json:"active_cycle_id,omitempty"`
	FileStatuses  map[string]domain.FileStatus `json:"file_statuses"`
}

// Calculate derives the snapshot. It is a pure function of the given state:
// running it twice on unchanged data yields identical results.
//
// Cycles are evaluated in ascending order. Within a cycle every current file
// version is evaluated independently; any REJECT by an eligible approver is
// terminal for the file and stops the walk at that cycle. A cycle with every
// file APPROVED resolves and the walk continues; a PENDING file parks the
// process IN_REVIEW at that cycle.
func Calculate(state *domain.ProcessState) Snapshot {
	var current []domain.FileVersion
	for _, fv := range state.CurrentVersions {
		if fv.IsCurrent {
			current = append(current, fv)
		}
	}
	if len(current) == 0 {
		return Snapshot{ProcessStatus: domain.ProcessDraft, FileStatuses: map[string]domain.FileStatus{}}
	}

	if len(state.Cycles) == 0 {
		// Uploaded but not configured: everything awaits a cycle set.
		statuses := make(map[string]domain.FileStatus, len(current))
		for _, fv := range current {
			statuses[fv.FileVersionID] = domain.FilePending
		}
		return Snapshot{ProcessStatus: domain.ProcessInReview, FileStatuses: statuses}
	}

	var statuses map[string]domain.FileStatus
	for _, cycle := range state.Cycles {
		approvers := eligibleApprovers(state.Participants, cycle.CycleID)
		statuses = make(map[string]domain.FileStatus, len(current))
		rejected, pending := false, false
		for _, fv := range current {
			st := evaluateVersion(fv, approvers, state.Decisions, cycle.CycleID)
			statuses[fv.FileVersionID] = st
			switch st {
			case domain.FileRejected:
				rejected = true
			case domain.FilePending:
				pending = true
			}
		}
		if rejected {
			return Snapshot{ProcessStatus: domain.ProcessRejected, ActiveCycleID: cycle.CycleID, FileStatuses: statuses}
		}
		if pending {
			return Snapshot{ProcessStatus: domain.ProcessInReview, ActiveCycleID: cycle.CycleID, FileStatuses: statuses}
		}
	}
	return Snapshot{ProcessStatus: domain.ProcessApproved, FileStatuses: statuses}
}

func eligibleApprovers(participants []domain.Participant, cycleID string) []domain.Participant {
	var out []domain.Participant
	for _, p := range participants {
		if p.CycleID == cycleID && p.Role == domain.RoleApprover && p.Eligible() {
			out = append(out, p)
		}
	}
	return out
}

// evaluateVersion derives one file version's status within one cycle. The
// version's own approval rule wins over the cycle default. A version that
// needs no approval, or a cycle with no eligible approvers, approves
// vacuously.
func evaluateVersion(fv domain.FileVersion, approvers []domain.Participant, decisions []domain.Decision, cycleID string) domain.FileStatus {
	if !fv.ApprovalRequired {
		return domain.FileApproved
	}
	if len(approvers) == 0 {
		return domain.FileApproved
	}

	// Latest decision per approver, scoped to this cycle and version.
	// Decisions arrive in ascending time order, so last write wins.
	latest := make(map[string]domain.DecisionKind, len(approvers))
	for _, d := range decisions {
		if d.CycleID == cycleID && d.FileVersionID == fv.FileVersionID {
			latest[d.ParticipantID] = d.Kind
		}
	}

	approvals := 0
	for _, a := range approvers {
		switch latest[a.ParticipantID] {
		case domain.DecisionReject:
			// Terminal override regardless of other approvals.
			return domain.FileRejected
		case domain.DecisionApprove:
			approvals++
		}
	}
	switch fv.ApprovalRule {
	case domain.AnyApprove:
		if approvals >= 1 {
			return domain.FileApproved
		}
	default: // ALL_APPROVE
		if approvals == len(approvers) {
			return domain.FileApproved
		}
	}
	return domain.FilePending
}
