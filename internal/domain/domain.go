package domain

import "time"

// ProcessStatus is the cached, process-wide approval state. It is refreshed
// from the snapshot calculation and is never the source of truth.
type ProcessStatus string

const (
	ProcessDraft    ProcessStatus = "DRAFT"
	ProcessInReview ProcessStatus = "IN_REVIEW"
	ProcessApproved ProcessStatus = "APPROVED"
	ProcessRejected ProcessStatus = "REJECTED"
)

// FileStatus is the derived approval state of one current file version.
type FileStatus string

const (
	FilePending  FileStatus = "PENDING"
	FileApproved FileStatus = "APPROVED"
	FileRejected FileStatus = "REJECTED"
)

// ApprovalRule decides how many eligible approvers a file version needs.
type ApprovalRule string

const (
	AllApprove ApprovalRule = "ALL_APPROVE"
	AnyApprove ApprovalRule = "ANY_APPROVE"
)

type ParticipantRole string

const (
	RoleApprover ParticipantRole = "APPROVER"
	RoleReviewer ParticipantRole = "REVIEWER"
)

type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "PENDING"
	ParticipantApproved  ParticipantStatus = "APPROVED"
	ParticipantHandedOff ParticipantStatus = "HANDED_OFF"
	ParticipantRemoved   ParticipantStatus = "REMOVED"
)

type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionReject  DecisionKind = "REJECT"
)

type Process struct {
	ProcessID      string            `json:"process_id"`
	CustomerNumber string            `json:"customer_number"`
	UploaderName   string            `json:"uploader_name"`
	Status         ProcessStatus     `json:"status"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// File groups versions of the same document. NormalizedName is the grouping
// key: a new upload with the same normalized name becomes a new version of
// this file.
type File struct {
	FileID         string    `json:"file_id"`
	ProcessID      string    `json:"process_id"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileVersion is one uploaded revision. Exactly one version per file is
// current at any moment; uploading a successor flips the prior current
// version to superseded in the same transaction.
type FileVersion struct {
	FileVersionID string `json:"file_version_id"`
	FileID        string `json:"file_id"`
	ProcessID     string `json:"process_id"`
	VersionNumber int    `json:"version_number"`

	DownloadHandle string `json:"download_handle"`
	ContentHash    string `json:"content_hash"`
	SizeBytes      int64  `json:"size_bytes"`
	MimeType       string `json:"mime_type"`

	// View artifact is optional (render-safe copy); empty handle means none.
	ViewHandle string `json:"view_handle,omitempty"`
	ViewHash   string `json:"view_hash,omitempty"`
	ViewSize   int64  `json:"view_size,omitempty"`

	// Fixed at upload time. The version's own rule wins over the cycle
	// default when the two differ.
	ApprovalRule     ApprovalRule `json:"approval_rule"`
	ApprovalRequired bool         `json:"approval_required"`

	IsCurrent      bool       `json:"is_current"`
	CreatedAt      time.Time  `json:"created_at"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
	SupersededByID string     `json:"superseded_by_id,omitempty"`
}

// ApprovalCycle is an ordered approval stage. Cycles are evaluated in strictly
// ascending Order.
type ApprovalCycle struct {
	CycleID     string       `json:"cycle_id"`
	ProcessID   string       `json:"process_id"`
	Order       int          `json:"order"`
	DefaultRule ApprovalRule `json:"default_rule"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Participant struct {
	ParticipantID string            `json:"participant_id"`
	CycleID       string            `json:"cycle_id"`
	ProcessID     string            `json:"process_id"`
	Role          ParticipantRole   `json:"role"`
	Email         string            `json:"email,omitempty"`
	DisplayName   string            `json:"display_name,omitempty"`
	Status        ParticipantStatus `json:"status"`
	TokenID       string            `json:"token_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Eligible reports whether the participant counts toward quorum.
func (p Participant) Eligible() bool {
	return p.Status != ParticipantHandedOff && p.Status != ParticipantRemoved
}

// Decision is an immutable fact. At most one decision may exist per
// (cycle, participant, file version) triple.
type Decision struct {
	DecisionID    string       `json:"decision_id"`
	ProcessID     string       `json:"process_id"`
	CycleID       string       `json:"cycle_id"`
	ParticipantID string       `json:"participant_id"`
	FileVersionID string       `json:"file_version_id"`
	Kind          DecisionKind `json:"kind"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Token holds capability-token metadata. The raw secret is never stored,
// only its one-way hash.
type Token struct {
	TokenID    string    `json:"token_id"`
	SecretHash string    `json:"-"`
	Scopes     []Scope   `json:"scopes"`
	ExpiresAt  time.Time `json:"expires_at"`
	OneTime    bool      `json:"one_time"`

	ProcessID      string `json:"process_id,omitempty"`
	ParticipantID  string `json:"participant_id,omitempty"`
	CustomerNumber string `json:"customer_number,omitempty"`
	UploaderID     string `json:"uploader_id,omitempty"`
	RoleAtTime     string `json:"role_at_time,omitempty"`

	UsedAt     *time.Time `json:"used_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEvent is one hash-chained, append-only log entry. Events reference
// other entities weakly, by id only.
type AuditEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	ProcessID     string         `json:"process_id,omitempty"`
	CycleID       string         `json:"cycle_id,omitempty"`
	FileID        string         `json:"file_id,omitempty"`
	FileVersionID string         `json:"file_version_id,omitempty"`
	TokenID       string         `json:"token_id,omitempty"`
	RoleAtTime    string         `json:"role_at_time,omitempty"`
	RequesterID   string         `json:"requester_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	EventHash     string         `json:"event_hash"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ProcessState is the full persisted state the snapshot calculator derives
// from: cycles in ascending order, the roster, every decision, and the
// current file versions.
type ProcessState struct {
	Process         Process
	Cycles          []ApprovalCycle
	Participants    []Participant
	Decisions       []Decision
	CurrentVersions []FileVersion
}

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
