package approvals

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/internal/testutil"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	svc   *Service
	store *store.Memory
	clock *testutil.Clock
}

// newFixture seeds one process with one current ALL_APPROVE version and one
// cycle with approvers prt_x, prt_y and reviewer prt_r.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	clock := testutil.NewClock()
	svc := NewService(st, audit.NewChain(st, clock), clock, quietLogger())
	ctx := context.Background()

	if err := st.CreateProcess(ctx, domain.Process{
		ProcessID: "prc_1", CustomerNumber: "C-100", Status: domain.ProcessDraft, CreatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if err := st.CreateFile(ctx, domain.File{FileID: "fil_1", ProcessID: "prc_1", NormalizedName: "contract.pdf", CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := st.CreateFileVersion(ctx, domain.FileVersion{
		FileVersionID: "fv_1", FileID: "fil_1", ProcessID: "prc_1", VersionNumber: 1,
		ApprovalRule: domain.AllApprove, ApprovalRequired: true, CreatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("CreateFileVersion: %v", err)
	}
	cycles := []domain.ApprovalCycle{
		{CycleID: "cyc_1", ProcessID: "prc_1", Order: 1, DefaultRule: domain.AllApprove, CreatedAt: clock.Now()},
	}
	participants := []domain.Participant{
		{ParticipantID: "prt_x", CycleID: "cyc_1", ProcessID: "prc_1", Role: domain.RoleApprover, Status: domain.ParticipantPending, CreatedAt: clock.Now()},
		{ParticipantID: "prt_y", CycleID: "cyc_1", ProcessID: "prc_1", Role: domain.RoleApprover, Status: domain.ParticipantPending, CreatedAt: clock.Now()},
		{ParticipantID: "prt_r", CycleID: "cyc_1", ProcessID: "prc_1", Role: domain.RoleReviewer, Status: domain.ParticipantPending, CreatedAt: clock.Now()},
	}
	if err := st.ReplaceCycles(ctx, "prc_1", cycles, participants); err != nil {
		t.Fatalf("ReplaceCycles: %v", err)
	}
	return &fixture{svc: svc, store: st, clock: clock}
}

func (f *fixture) decide(t *testing.T, participant, fv string, kind domain.DecisionKind, reason string) (domain.ProcessStatus, error) {
	t.Helper()
	return f.svc.RecordDecision(context.Background(), DecisionRequest{
		ProcessID: "prc_1", ParticipantID: participant, FileVersionID: fv,
		Decision: kind, Reason: reason,
	})
}

func TestEndToEndApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if status != domain.ProcessInReview {
		t.Fatalf("after one of two approvals expected IN_REVIEW, got %s", status)
	}
	snap, err := f.svc.ProcessSnapshot(ctx, "prc_1")
	if err != nil {
		t.Fatalf("ProcessSnapshot: %v", err)
	}
	if snap.FileStatuses["fv_1"] != domain.FilePending {
		t.Fatalf("expected file PENDING, got %v", snap.FileStatuses["fv_1"])
	}

	status, err = f.decide(t, "prt_y", "fv_1", domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("second approval failed: %v", err)
	}
	if status != domain.ProcessApproved {
		t.Fatalf("expected APPROVED, got %s", status)
	}
	p, err := f.store.GetProcess(ctx, "prc_1")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if p.Status != domain.ProcessApproved {
		t.Fatalf("cached status not refreshed, got %s", p.Status)
	}

	// A third attempt cannot touch the finalized state.
	if _, err := f.decide(t, "prt_y", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeCycleNotActive {
		t.Fatalf("expected CYCLE_NOT_ACTIVE after completion, got %v", err)
	}
	if p, _ := f.store.GetProcess(ctx, "prc_1"); p.Status != domain.ProcessApproved {
		t.Fatalf("state must be unchanged after failed attempt")
	}
}

func TestDuplicateDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, ""); err != nil {
		t.Fatalf("first decision failed: %v", err)
	}
	_, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, "")
	if CodeOf(err) != CodeAlreadyDecided {
		t.Fatalf("expected ALREADY_DECIDED, got %v", err)
	}
	if !CodeOf(err).Conflict() {
		t.Fatalf("ALREADY_DECIDED must classify as conflict")
	}
}

func TestRejectNeedsReason(t *testing.T) {
	f := newFixture(t)
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionReject, "  "); CodeOf(err) != CodeReasonRequired {
		t.Fatalf("expected REASON_REQUIRED, got %v", err)
	}
	status, err := f.decide(t, "prt_x", "fv_1", domain.DecisionReject, "missing signature page")
	if err != nil {
		t.Fatalf("rejection with reason failed: %v", err)
	}
	if status != domain.ProcessRejected {
		t.Fatalf("expected REJECTED, got %s", status)
	}
}

func TestRejectedFileIsFinal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionReject, "wrong revision"); err != nil {
		t.Fatalf("rejection failed: %v", err)
	}
	if _, err := f.decide(t, "prt_y", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeFileFinalized {
		t.Fatalf("expected FILE_FINALIZED, got %v", err)
	}
}

func TestReviewerCannotDecide(t *testing.T) {
	f := newFixture(t)
	if _, err := f.decide(t, "prt_r", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeNotApprover {
		t.Fatalf("expected NOT_APPROVER, got %v", err)
	}
}

func TestInactiveParticipantCannotDecide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.HandOff(ctx, "prt_x"); err != nil {
		t.Fatalf("HandOff: %v", err)
	}
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeParticipantInactive {
		t.Fatalf("expected PARTICIPANT_INACTIVE, got %v", err)
	}
	// Remaining approver alone satisfies ALL_APPROVE.
	status, err := f.decide(t, "prt_y", "fv_1", domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("remaining approver failed: %v", err)
	}
	if status != domain.ProcessApproved {
		t.Fatalf("expected APPROVED after quorum shrank, got %s", status)
	}
}

func TestUnknownParticipantAndVersion(t *testing.T) {
	f := newFixture(t)
	if _, err := f.decide(t, "prt_ghost", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeParticipantNotFound {
		t.Fatalf("expected PARTICIPANT_NOT_FOUND, got %v", err)
	}
	if _, err := f.decide(t, "prt_x", "fv_ghost", domain.DecisionApprove, ""); CodeOf(err) != CodeFileNotFound {
		t.Fatalf("expected FILE_VERSION_NOT_FOUND, got %v", err)
	}
}

func TestDecisionAgainstLaterCycleRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cycles := []domain.ApprovalCycle{
		{CycleID: "cyc_1", ProcessID: "prc_1", Order: 1, DefaultRule: domain.AllApprove, CreatedAt: f.clock.Now()},
		{CycleID: "cyc_2", ProcessID: "prc_1", Order: 2, DefaultRule: domain.AllApprove, CreatedAt: f.clock.Now()},
	}
	participants := []domain.Participant{
		{ParticipantID: "prt_x", CycleID: "cyc_1", ProcessID: "prc_1", Role: domain.RoleApprover, Status: domain.ParticipantPending, CreatedAt: f.clock.Now()},
		{ParticipantID: "prt_z", CycleID: "cyc_2", ProcessID: "prc_1", Role: domain.RoleApprover, Status: domain.ParticipantPending, CreatedAt: f.clock.Now()},
	}
	if err := f.store.ReplaceCycles(ctx, "prc_1", cycles, participants); err != nil {
		t.Fatalf("ReplaceCycles: %v", err)
	}
	if _, err := f.decide(t, "prt_z", "fv_1", domain.DecisionApprove, ""); CodeOf(err) != CodeCycleNotActive {
		t.Fatalf("expected CYCLE_NOT_ACTIVE for not-yet-reached cycle, got %v", err)
	}
}

func TestDecisionsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, ""); err != nil {
		t.Fatalf("decision failed: %v", err)
	}
	events, err := f.store.ListAuditEvents(ctx, "prc_1")
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == audit.EventDecisionRecorded && ev.FileVersionID == "fv_1" {
			found = true
			if ev.Payload["decision"] != "APPROVE" {
				t.Fatalf("unexpected payload: %+v", ev.Payload)
			}
		}
	}
	if !found {
		t.Fatalf("decision audit event missing; got %+v", events)
	}
	all, _ := f.store.ListAuditEvents(ctx, "")
	if res := audit.Verify(all); !res.Ok {
		t.Fatalf("audit chain broken: %+v", res)
	}
}

func TestConfigureCyclesGuardedReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ConfigureCycles(ctx, "prc_1", []CycleConfig{
		{Order: 1, Rule: domain.AnyApprove, Participants: []ParticipantConfig{
			{Role: domain.RoleApprover, Email: "a@example.com", DisplayName: "A"},
		}},
		{Order: 2, Rule: domain.AllApprove, Participants: []ParticipantConfig{
			{Role: domain.RoleApprover, Email: "b@example.com"},
			{Role: domain.RoleReviewer, Email: "r@example.com"},
		}},
	})
	if err != nil {
		t.Fatalf("ConfigureCycles: %v", err)
	}
	state, err := f.store.LoadProcessState(ctx, "prc_1")
	if err != nil {
		t.Fatalf("LoadProcessState: %v", err)
	}
	if len(state.Cycles) != 2 || len(state.Participants) != 3 {
		t.Fatalf("unexpected configuration: %d cycles, %d participants", len(state.Cycles), len(state.Participants))
	}
	// The reconfiguration refreshed the cached status.
	if state.Process.Status != domain.ProcessInReview {
		t.Fatalf("expected cached IN_REVIEW, got %s", state.Process.Status)
	}

	// Once a decision exists the set is frozen.
	approverID := ""
	for _, p := range state.Participants {
		if p.CycleID == state.Cycles[0].CycleID && p.Role == domain.RoleApprover {
			approverID = p.ParticipantID
		}
	}
	if _, err := f.decide(t, approverID, "fv_1", domain.DecisionApprove, ""); err != nil {
		t.Fatalf("decision failed: %v", err)
	}
	err = f.svc.ConfigureCycles(ctx, "prc_1", []CycleConfig{{Order: 1, Rule: domain.AllApprove}})
	if CodeOf(err) != CodeCyclesInUse {
		t.Fatalf("expected CYCLES_IN_USE, got %v", err)
	}
}

func TestConfigureCyclesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.svc.ConfigureCycles(ctx, "prc_1", []CycleConfig{
		{Order: 1, Rule: domain.AllApprove}, {Order: 1, Rule: domain.AnyApprove},
	})
	if CodeOf(err) != CodeBadInput {
		t.Fatalf("expected BAD_INPUT for duplicate order, got %v", err)
	}
	err = f.svc.ConfigureCycles(ctx, "prc_1", []CycleConfig{{Order: 1, Rule: "SOMETIMES"}})
	if CodeOf(err) != CodeBadInput {
		t.Fatalf("expected BAD_INPUT for unknown rule, got %v", err)
	}
}

func TestSummaryProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.decide(t, "prt_x", "fv_1", domain.DecisionApprove, ""); err != nil {
		t.Fatalf("decision failed: %v", err)
	}
	sum, err := f.svc.Summary(ctx, "prc_1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Status != domain.ProcessInReview || sum.ActiveCycleID != "cyc_1" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sum.Files) != 1 || sum.Files[0].Status != domain.FilePending {
		t.Fatalf("unexpected files: %+v", sum.Files)
	}
	if len(sum.PendingApprovers) != 1 || sum.PendingApprovers[0].ParticipantID != "prt_y" {
		t.Fatalf("expected prt_y pending, got %+v", sum.PendingApprovers)
	}
	if len(sum.History) != 1 || sum.History[0].Kind != domain.DecisionApprove {
		t.Fatalf("unexpected history: %+v", sum.History)
	}
}

func TestSummaryDegradesToEmptyLists(t *testing.T) {
	st := store.NewMemory()
	clock := testutil.NewClock()
	svc := NewService(st, audit.NewChain(st, clock), clock, quietLogger())
	ctx := context.Background()
	if err := st.CreateProcess(ctx, domain.Process{ProcessID: "prc_bare", Status: domain.ProcessDraft, CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	sum, err := svc.Summary(ctx, "prc_bare")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Files == nil || sum.PendingApprovers == nil || sum.History == nil || sum.Cycles == nil {
		t.Fatalf("lists must be empty, not nil: %+v", sum)
	}
	if len(sum.Files)+len(sum.PendingApprovers)+len(sum.History)+len(sum.Cycles) != 0 {
		t.Fatalf("expected empty projection, got %+v", sum)
	}
	if _, err := svc.Summary(ctx, "prc_ghost"); CodeOf(err) != CodeProcessNotFound {
		t.Fatalf("expected PROCESS_NOT_FOUND for unknown process, got %v", err)
	}
}

func TestParticipantTransitionsAreTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Remove(ctx, "prt_x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := f.svc.HandOff(ctx, "prt_x")
	if CodeOf(err) != CodeParticipantFinalized {
		t.Fatalf("expected PARTICIPANT_FINALIZED, got %v", err)
	}
	if !CodeOf(err).Conflict() {
		t.Fatalf("PARTICIPANT_FINALIZED must be a conflict")
	}
	if err := f.svc.Remove(ctx, "prt_x"); CodeOf(err) != CodeParticipantFinalized {
		t.Fatalf("expected PARTICIPANT_FINALIZED on repeat, got %v", err)
	}
	p, err := f.store.GetParticipant(ctx, "prt_x")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.Status != domain.ParticipantRemoved {
		t.Fatalf("status mutated to %s", p.Status)
	}
}

func TestConcurrentDuplicateDecision(t *testing.T) {
	f := newFixture(t)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.svc.RecordDecision(context.Background(), DecisionRequest{
				ProcessID: "prc_1", ParticipantID: "prt_x", FileVersionID: "fv_1",
				Decision: domain.DecisionApprove,
			})
			errs <- err
		}()
	}
	var ok, dup int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case CodeOf(err) == CodeAlreadyDecided:
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("want one success and one conflict, got %d and %d", ok, dup)
	}
}
