// Package uploads owns process creation and the file version lifecycle:
// normalized filenames group uploads into files, each upload becomes the
// file's new current version, and content lives in the blob store addressed
// by its sha256 hash.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/halunken-hans/OpenApprove-sub000/internal/approvals"
	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/blob"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/pkg/canonhash"
)

type Service struct {
	store store.Store
	blobs blob.Store
	chain *audit.Chain
	clock domain.Clock
	log   *logrus.Logger
}

func NewService(st store.Store, blobs blob.Store, chain *audit.Chain, clock domain.Clock, log *logrus.Logger) *Service {
	return &Service{store: st, blobs: blobs, chain: chain, clock: clock, log: log}
}

type CreateProcessRequest struct {
	CustomerNumber string            `json:"customer_number"`
	UploaderName   string            `json:"uploader_name"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// CreateProcess opens a new process in DRAFT.
func (s *Service) CreateProcess(ctx context.Context, req CreateProcessRequest) (domain.Process, error) {
	if strings.TrimSpace(req.CustomerNumber) == "" {
		return domain.Process{}, approvals.Errf(approvals.CodeBadInput, "customer number is required")
	}
	p := domain.Process{
		ProcessID:      "prc_" + uuid.NewString(),
		CustomerNumber: strings.TrimSpace(req.CustomerNumber),
		UploaderName:   strings.TrimSpace(req.UploaderName),
		Status:         domain.ProcessDraft,
		Attributes:     req.Attributes,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.CreateProcess(ctx, p); err != nil {
		return domain.Process{}, fmt.Errorf("creating process: %w", err)
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType: audit.EventProcessCreated,
		ProcessID: p.ProcessID,
		Payload:   map[string]any{"customer_number": p.CustomerNumber, "uploader": p.UploaderName},
	}); err != nil {
		return domain.Process{}, fmt.Errorf("auditing process creation: %w", err)
	}
	s.log.WithFields(logrus.Fields{"process": p.ProcessID, "customer": p.CustomerNumber}).Info("process created")
	return p, nil
}

type UploadRequest struct {
	ProcessID string
	Filename  string
	MimeType  string
	Content   io.Reader

	// Optional render-safe copy shown to approvers instead of the raw
	// download artifact.
	ViewContent io.Reader

	Rule             domain.ApprovalRule
	ApprovalRequired bool
}

// UploadVersion stores a new revision. Uploads with the same normalized
// filename land on the same file; the new version becomes current and the
// prior one is superseded in the same transaction.
func (s *Service) UploadVersion(ctx context.Context, req UploadRequest) (domain.FileVersion, error) {
	var zero domain.FileVersion
	name := NormalizeFilename(req.Filename)
	if name == "" {
		return zero, approvals.Errf(approvals.CodeBadInput, "filename is required")
	}
	if req.Rule != domain.AllApprove && req.Rule != domain.AnyApprove {
		return zero, approvals.Errf(approvals.CodeBadInput, "approval rule must be ALL_APPROVE or ANY_APPROVE")
	}
	if req.Content == nil {
		return zero, approvals.Errf(approvals.CodeBadInput, "content is required")
	}
	if _, err := s.store.GetProcess(ctx, req.ProcessID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, approvals.Errf(approvals.CodeProcessNotFound, "process %s not found", req.ProcessID)
		}
		return zero, fmt.Errorf("loading process: %w", err)
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return zero, fmt.Errorf("reading upload: %w", err)
	}
	if len(content) == 0 {
		return zero, approvals.Errf(approvals.CodeBadInput, "upload is empty")
	}
	contentHash := canonhash.SumBytes(content)

	file, err := s.store.GetFileByName(ctx, req.ProcessID, name)
	if errors.Is(err, store.ErrNotFound) {
		file = domain.File{
			FileID:         "fil_" + uuid.NewString(),
			ProcessID:      req.ProcessID,
			NormalizedName: name,
			CreatedAt:      s.clock.Now(),
		}
		if err := s.store.CreateFile(ctx, file); err != nil {
			return zero, fmt.Errorf("creating file: %w", err)
		}
	} else if err != nil {
		return zero, fmt.Errorf("looking up file: %w", err)
	}

	maxVersion, err := s.store.MaxVersionNumber(ctx, file.FileID)
	if err != nil {
		return zero, fmt.Errorf("reading version counter: %w", err)
	}

	if err := s.blobs.Put(ctx, contentHash, bytes.NewReader(content), int64(len(content))); err != nil {
		return zero, fmt.Errorf("storing content: %w", err)
	}

	fv := domain.FileVersion{
		FileVersionID:    "fv_" + uuid.NewString(),
		FileID:           file.FileID,
		ProcessID:        req.ProcessID,
		VersionNumber:    maxVersion + 1,
		DownloadHandle:   contentHash,
		ContentHash:      contentHash,
		SizeBytes:        int64(len(content)),
		MimeType:         req.MimeType,
		ApprovalRule:     req.Rule,
		ApprovalRequired: req.ApprovalRequired,
		IsCurrent:        true,
		CreatedAt:        s.clock.Now(),
	}

	if req.ViewContent != nil {
		view, err := io.ReadAll(req.ViewContent)
		if err != nil {
			return zero, fmt.Errorf("reading view artifact: %w", err)
		}
		viewHash := canonhash.SumBytes(view)
		if err := s.blobs.Put(ctx, viewHash, bytes.NewReader(view), int64(len(view))); err != nil {
			return zero, fmt.Errorf("storing view artifact: %w", err)
		}
		fv.ViewHandle = viewHash
		fv.ViewHash = viewHash
		fv.ViewSize = int64(len(view))
	}

	if err := s.store.CreateFileVersion(ctx, fv); err != nil {
		if errors.Is(err, store.ErrDuplicateVersion) {
			return zero, approvals.Errf(approvals.CodeVersionConflict,
				"version %d of %s was taken by a concurrent upload", fv.VersionNumber, name)
		}
		return zero, fmt.Errorf("creating file version: %w", err)
	}
	s.refreshStatus(ctx, req.ProcessID)

	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:     audit.EventFileVersionUploaded,
		ProcessID:     req.ProcessID,
		FileVersionID: fv.FileVersionID,
		Payload: map[string]any{
			"file_id":        file.FileID,
			"filename":       name,
			"version_number": fv.VersionNumber,
			"content_hash":   contentHash,
			"size_bytes":     fv.SizeBytes,
		},
	}); err != nil {
		return zero, fmt.Errorf("auditing upload: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"process":      req.ProcessID,
		"file":         file.FileID,
		"file_version": fv.FileVersionID,
		"version":      fv.VersionNumber,
	}).Info("file version uploaded")
	return fv, nil
}

// Download returns the artifact bytes for a version; view selects the
// render-safe copy when one exists. Every download is audited.
func (s *Service) Download(ctx context.Context, fileVersionID string, view bool) ([]byte, domain.FileVersion, error) {
	var zero domain.FileVersion
	fv, err := s.store.GetFileVersion(ctx, fileVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, zero, approvals.Errf(approvals.CodeFileNotFound, "file version %s not found", fileVersionID)
		}
		return nil, zero, fmt.Errorf("loading file version: %w", err)
	}
	handle := fv.DownloadHandle
	if view {
		if fv.ViewHandle == "" {
			return nil, zero, approvals.Errf(approvals.CodeBadInput, "file version %s has no view artifact", fileVersionID)
		}
		handle = fv.ViewHandle
	}

	var buf bytes.Buffer
	if err := s.blobs.Get(ctx, handle, &buf); err != nil {
		return nil, zero, fmt.Errorf("fetching content %s: %w", handle, err)
	}
	if _, err := s.chain.Append(ctx, audit.Entry{
		EventType:     audit.EventFileDownloaded,
		ProcessID:     fv.ProcessID,
		FileVersionID: fv.FileVersionID,
		Payload:       map[string]any{"view": view, "content_hash": fv.ContentHash},
	}); err != nil {
		return nil, zero, fmt.Errorf("auditing download: %w", err)
	}
	return buf.Bytes(), fv, nil
}

// refreshStatus keeps the cached process status in step with the snapshot;
// a failed refresh degrades the cache, not the upload.
func (s *Service) refreshStatus(ctx context.Context, processID string) {
	state, err := s.store.LoadProcessState(ctx, processID)
	if err != nil {
		s.log.WithError(err).WithField("process", processID).Warn("status refresh load failed")
		return
	}
	snap := approvals.Calculate(state)
	if snap.ProcessStatus == state.Process.Status {
		return
	}
	if err := s.store.UpdateProcessStatus(ctx, processID, snap.ProcessStatus); err != nil {
		s.log.WithError(err).WithField("process", processID).Warn("status cache refresh failed")
	}
}

// NormalizeFilename lowercases, trims and collapses runs of whitespace so
// "Contract  Final.PDF" and "contract final.pdf" are the same file.
func NormalizeFilename(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
