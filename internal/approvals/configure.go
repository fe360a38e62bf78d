package approvals

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
)

type ParticipantConfig struct {
	Role        domain.ParticipantRole `json:"role"`
	Email       string                 `json:"email,omitempty"`
	DisplayName string                 `json:"display_name,omitempty"`
}

type CycleConfig struct {
	Order        int                 `json:"order"`
	Rule         domain.ApprovalRule `json:"rule"`
	Participants []ParticipantConfig `json:"participants"`
}

// ConfigureCycles replaces a process's whole cycle/participant set in one
// transaction. Replacement is refused with CYCLES_IN_USE once any decision
// references a cycle of the process, so recorded facts are never orphaned.
func (s *Service) ConfigureCycles(ctx context.Context, processID string, configs []CycleConfig) error {
	seen := make(map[int]struct{}, len(configs))
	for i, c := range configs {
		if _, dup := seen[c.Order]; dup {
			return errf(CodeBadInput, "duplicate cycle order %d", c.Order)
		}
		seen[c.Order] = struct{}{}
		if c.Rule != domain.AllApprove && c.Rule != domain.AnyApprove {
			return errf(CodeBadInput, "cycle %d: rule must be ALL_APPROVE or ANY_APPROVE", i)
		}
		for j, p := range c.Participants {
			if p.Role != domain.RoleApprover && p.Role != domain.RoleReviewer {
				return errf(CodeBadInput, "cycle %d participant %d: role must be APPROVER or REVIEWER", i, j)
			}
		}
	}

	now := s.clock.Now()
	cycles := make([]domain.ApprovalCycle, 0, len(configs))
	var participants []domain.Participant
	for _, c := range configs {
		cycle := domain.ApprovalCycle{
			CycleID:     "cyc_" + uuid.NewString(),
			ProcessID:   processID,
			Order:       c.Order,
			DefaultRule: c.Rule,
			CreatedAt:   now,
		}
		cycles = append(cycles, cycle)
		for _, p := range c.Participants {
			participants = append(participants, domain.Participant{
				ParticipantID: "prt_" + uuid.NewString(),
				CycleID:       cycle.CycleID,
				ProcessID:     processID,
				Role:          p.Role,
				Email:         p.Email,
				DisplayName:   p.DisplayName,
				Status:        domain.ParticipantPending,
				CreatedAt:     now,
			})
		}
	}

	if err := s.store.ReplaceCycles(ctx, processID, cycles, participants); err != nil {
		switch {
		case errors.Is(err, store.ErrCyclesInUse):
			return errf(CodeCyclesInUse, "process %s has recorded decisions; cycles cannot be replaced", processID)
		case errors.Is(err, store.ErrNotFound):
			return errf(CodeProcessNotFound, "process %s not found", processID)
		}
		return fmt.Errorf("replacing cycles: %w", err)
	}
	if _, err := s.refreshStatus(ctx, processID, ""); err != nil {
		return err
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType: audit.EventCyclesConfigured,
		ProcessID: processID,
		Payload:   map[string]any{"cycles": len(cycles), "participants": len(participants)},
	}); err != nil {
		return fmt.Errorf("auditing cycle configuration: %w", err)
	}
	return nil
}
