package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
)

// Memory is an in-memory Store. It backs tests and the "memory" backend and
// is safe for concurrent use: one mutex covers every operation, which gives
// the same serialization the postgres backend gets from its constraints and
// the audit advisory lock.
type Memory struct {
	mu sync.Mutex

	processes    map[string]domain.Process
	files        map[string]domain.File
	versions     map[string]domain.FileVersion
	cycles       map[string]domain.ApprovalCycle
	participants map[string]domain.Participant
	decisions    []domain.Decision
	tokens       map[string]domain.Token
	audit        []domain.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{
		processes:    make(map[string]domain.Process),
		files:        make(map[string]domain.File),
		versions:     make(map[string]domain.FileVersion),
		cycles:       make(map[string]domain.ApprovalCycle),
		participants: make(map[string]domain.Participant),
		tokens:       make(map[string]domain.Token),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateProcess(_ context.Context, p domain.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.ProcessID] = p
	return nil
}

func (m *Memory) GetProcess(_ context.Context, processID string) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	if !ok {
		return domain.Process{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpdateProcessStatus(_ context.Context, processID string, status domain.ProcessStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	m.processes[processID] = p
	return nil
}

func (m *Memory) GetFileByName(_ context.Context, processID, normalizedName string) (domain.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.ProcessID == processID && f.NormalizedName == normalizedName {
			return f, nil
		}
	}
	return domain.File{}, ErrNotFound
}

func (m *Memory) CreateFile(_ context.Context, f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.FileID] = f
	return nil
}

func (m *Memory) GetFileVersion(_ context.Context, fileVersionID string) (domain.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fv, ok := m.versions[fileVersionID]
	if !ok {
		return domain.FileVersion{}, ErrNotFound
	}
	return fv, nil
}

func (m *Memory) CreateFileVersion(_ context.Context, fv domain.FileVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.versions {
		if prev.FileID == fv.FileID && prev.VersionNumber == fv.VersionNumber {
			return ErrDuplicateVersion
		}
	}
	for id, prev := range m.versions {
		if prev.FileID == fv.FileID && prev.IsCurrent {
			at := fv.CreatedAt
			prev.IsCurrent = false
			prev.SupersededAt = &at
			prev.SupersededByID = fv.FileVersionID
			m.versions[id] = prev
		}
	}
	fv.IsCurrent = true
	m.versions[fv.FileVersionID] = fv
	return nil
}

func (m *Memory) MaxVersionNumber(_ context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, fv := range m.versions {
		if fv.FileID == fileID && fv.VersionNumber > max {
			max = fv.VersionNumber
		}
	}
	return max, nil
}

func (m *Memory) LatestVersionCreatedAt(_ context.Context, processID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, fv := range m.versions {
		if fv.ProcessID == processID && (!found || fv.CreatedAt.After(latest)) {
			latest = fv.CreatedAt
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) ReplaceCycles(_ context.Context, processID string, cycles []domain.ApprovalCycle, participants []domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[processID]; !ok {
		return ErrNotFound
	}
	for _, d := range m.decisions {
		if d.ProcessID == processID {
			return ErrCyclesInUse
		}
	}
	for id, c := range m.cycles {
		if c.ProcessID == processID {
			delete(m.cycles, id)
		}
	}
	for id, p := range m.participants {
		if p.ProcessID == processID {
			delete(m.participants, id)
		}
	}
	for _, c := range cycles {
		m.cycles[c.CycleID] = c
	}
	for _, p := range participants {
		m.participants[p.ParticipantID] = p
	}
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, participantID string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpdateParticipantStatus(_ context.Context, participantID string, status domain.ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	m.participants[participantID] = p
	return nil
}

func (m *Memory) InsertDecision(_ context.Context, d domain.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.decisions {
		if prev.CycleID == d.CycleID && prev.ParticipantID == d.ParticipantID && prev.FileVersionID == d.FileVersionID {
			return ErrDuplicateDecision
		}
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *Memory) LoadProcessState(_ context.Context, processID string) (*domain.ProcessState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	if !ok {
		return nil, ErrNotFound
	}
	state := &domain.ProcessState{Process: p}
	for _, c := range m.cycles {
		if c.ProcessID == processID {
			state.Cycles = append(state.Cycles, c)
		}
	}
	sort.Slice(state.Cycles, func(i, j int) bool { return state.Cycles[i].Order < state.Cycles[j].Order })
	for _, pt := range m.participants {
		if pt.ProcessID == processID {
			state.Participants = append(state.Participants, pt)
		}
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		return state.Participants[i].ParticipantID < state.Participants[j].ParticipantID
	})
	for _, d := range m.decisions {
		if d.ProcessID == processID {
			state.Decisions = append(state.Decisions, d)
		}
	}
	for _, fv := range m.versions {
		if fv.ProcessID == processID && fv.IsCurrent {
			state.CurrentVersions = append(state.CurrentVersions, fv)
		}
	}
	sort.Slice(state.CurrentVersions, func(i, j int) bool {
		return state.CurrentVersions[i].FileVersionID < state.CurrentVersions[j].FileVersionID
	})
	return state, nil
}

func (m *Memory) CreateToken(_ context.Context, t domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.TokenID] = t
	return nil
}

func (m *Memory) GetTokenByHash(_ context.Context, secretHash string) (domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.SecretHash == secretHash {
			return t, nil
		}
	}
	return domain.Token{}, ErrNotFound
}

func (m *Memory) ConsumeToken(_ context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	if t.UsedAt != nil {
		return ErrTokenConsumed
	}
	t.UsedAt = &at
	m.tokens[tokenID] = t
	return nil
}

func (m *Memory) TouchToken(_ context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = &at
	m.tokens[tokenID] = t
	return nil
}

func (m *Memory) AppendAuditEvent(_ context.Context, build func(prevHash string) (domain.AuditEvent, error)) (domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := ""
	if n := len(m.audit); n > 0 {
		prev = m.audit[n-1].EventHash
	}
	ev, err := build(prev)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	m.audit = append(m.audit, ev)
	return ev, nil
}

func (m *Memory) ListAuditEvents(_ context.Context, processID string) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, 0, len(m.audit))
	for _, ev := range m.audit {
		if processID == "" || ev.ProcessID == processID {
			out = append(out, ev)
		}
	}
	return out, nil
}
