// Package server is the thin HTTP surface over the approval engine. Handlers
// decode, call a service, and render httpx envelopes; every domain rule
// lives below this layer.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/halunken-hans/OpenApprove-sub000/internal/approvals"
	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/internal/tokens"
	"github.com/halunken-hans/OpenApprove-sub000/internal/uploads"
	"github.com/halunken-hans/OpenApprove-sub000/pkg/httpx"
)

type Server struct {
	tokens    *tokens.Service
	approvals *approvals.Service
	uploads   *uploads.Service
	store     store.Store
	log       *logrus.Logger
}

func New(tok *tokens.Service, app *approvals.Service, up *uploads.Service, st store.Store, log *logrus.Logger) *Server {
	return &Server{tokens: tok, approvals: app, uploads: up, store: st, log: log}
}

type grantKey struct{}

func grantFrom(ctx context.Context) *tokens.Grant {
	g, _ := ctx.Value(grantKey{}).(*tokens.Grant)
	return g
}

// checkProcessBinding refuses a process-bound grant aimed at any other
// process. Unbound grants pass.
func checkProcessBinding(r *http.Request, processID string) error {
	g := grantFrom(r.Context())
	if g != nil && g.ProcessID != "" && g.ProcessID != processID {
		return approvals.Errf(approvals.CodeWrongProcess, "token is bound to another process")
	}
	return nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/session", s.handleSession)

	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)

		api.Post("/processes", s.require(s.handleCreateProcess, domain.ScopeUpload, domain.ScopeManage))
		api.Post("/processes/{process_id}/files", s.require(s.boundToProcess(s.handleUpload), domain.ScopeUpload))
		api.Put("/processes/{process_id}/cycles", s.require(s.boundToProcess(s.handleConfigureCycles), domain.ScopeManage))
		api.Post("/processes/{process_id}/decisions", s.require(s.boundToProcess(s.handleRecordDecision), domain.ScopeApprove))
		api.Get("/processes/{process_id}/summary", s.require(s.boundToProcess(s.handleSummary), domain.ScopeReview, domain.ScopeApprove, domain.ScopeManage))
		api.Get("/processes/{process_id}/snapshot", s.require(s.boundToProcess(s.handleSnapshot), domain.ScopeReview, domain.ScopeApprove, domain.ScopeManage))

		api.Get("/file-versions/{file_version_id}/content", s.require(s.handleDownload, domain.ScopeDownload, domain.ScopeReview))

		api.Post("/participants/{participant_id}/handoff", s.require(s.handleHandOff, domain.ScopeManage))
		api.Post("/participants/{participant_id}/removal", s.require(s.handleRemove, domain.ScopeManage))

		api.Post("/tokens", s.require(s.handleIssueToken, domain.ScopeManage))

		api.Get("/audit/events", s.require(s.handleAuditEvents, domain.ScopeAuditRead))
		api.Get("/audit/verify", s.require(s.handleAuditVerify, domain.ScopeAuditRead))
	})
	return r
}

// authenticate resolves the caller to a grant, from the bearer secret or the
// signed session cookie. Each authentication failure keeps its own reason.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret, ok := httpx.BearerToken(r); ok {
			grant, err := s.tokens.Validate(r.Context(), secret)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, tokens.Reason(err), err.Error(), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), grantKey{}, grant)))
			return
		}
		if c, err := r.Cookie(tokens.SessionCookieName); err == nil {
			if grant, ok := s.tokens.ReadSession(c.Value); ok {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), grantKey{}, grant)))
				return
			}
			httpx.WriteError(w, http.StatusUnauthorized, "NOT_FOUND", "session is invalid or expired", nil)
			return
		}
		httpx.WriteError(w, http.StatusUnauthorized, "NOT_FOUND", "credentials required", nil)
	})
}

// boundToProcess fences process-bound tokens to their own process on routes
// addressed by process id.
func (s *Server) boundToProcess(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := checkProcessBinding(r, chi.URLParam(r, "process_id")); err != nil {
			s.writeServiceError(w, err)
			return
		}
		h(w, r)
	}
}

// checkVersionBinding applies the grant's process binding to the process
// owning a file version. Unbound grants skip the lookup.
func (s *Server) checkVersionBinding(r *http.Request, fileVersionID string) error {
	g := grantFrom(r.Context())
	if g == nil || g.ProcessID == "" {
		return nil
	}
	fv, err := s.store.GetFileVersion(r.Context(), fileVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return approvals.Errf(approvals.CodeFileNotFound, "file version %s not found", fileVersionID)
		}
		return err
	}
	return checkProcessBinding(r, fv.ProcessID)
}

// checkParticipantBinding applies the grant's process binding to the process
// owning a participant.
func (s *Server) checkParticipantBinding(r *http.Request, participantID string) error {
	g := grantFrom(r.Context())
	if g == nil || g.ProcessID == "" {
		return nil
	}
	p, err := s.store.GetParticipant(r.Context(), participantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return approvals.Errf(approvals.CodeParticipantNotFound, "participant %s not found", participantID)
		}
		return err
	}
	return checkProcessBinding(r, p.ProcessID)
}

func (s *Server) require(h http.HandlerFunc, anyOf ...domain.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.tokens.Authorize(grantFrom(r.Context()), anyOf...); err != nil {
			httpx.WriteError(w, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
			return
		}
		h(w, r)
	}
}

// handleSession exchanges a bearer secret for a signed session cookie, so
// browser clients authenticate once per link visit.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	secret, ok := httpx.BearerToken(r)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "NOT_FOUND", "bearer credential required", nil)
		return
	}
	grant, err := s.tokens.Validate(r.Context(), secret)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, tokens.Reason(err), err.Error(), nil)
		return
	}
	cookie, err := s.tokens.SignSession(grant)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokens.SessionCookieName,
		Value:    cookie,
		Path:     "/",
		Expires:  grant.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "grant": grant})
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req uploads.CreateProcessRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	p, err := s.uploads.CreateProcess(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request_id": httpx.NewRequestID(), "process": p})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename         string `json:"filename"`
		MimeType         string `json:"mime_type"`
		ContentBase64    string `json:"content_base64"`
		ViewBase64       string `json:"view_base64,omitempty"`
		Rule             string `json:"rule"`
		ApprovalRequired *bool  `json:"approval_required,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_INPUT", "content_base64 is not valid base64", nil)
		return
	}
	up := uploads.UploadRequest{
		ProcessID:        chi.URLParam(r, "process_id"),
		Filename:         req.Filename,
		MimeType:         req.MimeType,
		Content:          bytes.NewReader(content),
		Rule:             domain.ApprovalRule(req.Rule),
		ApprovalRequired: true,
	}
	if req.ApprovalRequired != nil {
		up.ApprovalRequired = *req.ApprovalRequired
	}
	if req.ViewBase64 != "" {
		view, err := base64.StdEncoding.DecodeString(req.ViewBase64)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_INPUT", "view_base64 is not valid base64", nil)
			return
		}
		up.ViewContent = bytes.NewReader(view)
	}
	fv, err := s.uploads.UploadVersion(r.Context(), up)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request_id": httpx.NewRequestID(), "file_version": fv})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileVersionID := chi.URLParam(r, "file_version_id")
	if err := s.checkVersionBinding(r, fileVersionID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	view := r.URL.Query().Get("view") == "true"
	data, fv, err := s.uploads.Download(r.Context(), fileVersionID, view)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if fv.MimeType != "" {
		w.Header().Set("content-type", fv.MimeType)
	} else {
		w.Header().Set("content-type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleConfigureCycles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cycles []approvals.CycleConfig `json:"cycles"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	processID := chi.URLParam(r, "process_id")
	if err := s.approvals.ConfigureCycles(r.Context(), processID, req.Cycles); err != nil {
		s.writeServiceError(w, err)
		return
	}
	sum, err := s.approvals.Summary(r.Context(), processID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "summary": sum})
}

func (s *Server) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participant_id"`
		FileVersionID string `json:"file_version_id"`
		Decision      string `json:"decision"`
		Reason        string `json:"reason,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	participantID := req.ParticipantID
	if g := grantFrom(r.Context()); g != nil && g.ParticipantID != "" {
		// A participant-bound token decides as itself, whatever the body says.
		participantID = g.ParticipantID
	}
	status, err := s.approvals.RecordDecision(r.Context(), approvals.DecisionRequest{
		ProcessID:     chi.URLParam(r, "process_id"),
		ParticipantID: participantID,
		FileVersionID: req.FileVersionID,
		Decision:      domain.DecisionKind(req.Decision),
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "process_status": status})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.approvals.Summary(r.Context(), chi.URLParam(r, "process_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "summary": sum})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.approvals.ProcessSnapshot(r.Context(), chi.URLParam(r, "process_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "snapshot": snap})
}

func (s *Server) handleHandOff(w http.ResponseWriter, r *http.Request) {
	if err := s.checkParticipantBinding(r, chi.URLParam(r, "participant_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.approvals.HandOff(r.Context(), chi.URLParam(r, "participant_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "status": string(domain.ParticipantHandedOff)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.checkParticipantBinding(r, chi.URLParam(r, "participant_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.approvals.Remove(r.Context(), chi.URLParam(r, "participant_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "status": string(domain.ParticipantRemoved)})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scopes         []string `json:"scopes"`
		TTLSeconds     int64    `json:"ttl_seconds"`
		OneTime        bool     `json:"one_time,omitempty"`
		ProcessID      string   `json:"process_id,omitempty"`
		ParticipantID  string   `json:"participant_id,omitempty"`
		CustomerNumber string   `json:"customer_number,omitempty"`
		UploaderID     string   `json:"uploader_id,omitempty"`
		RoleAtTime     string   `json:"role_at_time,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	scopes := make([]domain.Scope, 0, len(req.Scopes))
	for _, raw := range req.Scopes {
		sc, err := domain.ParseScope(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "BAD_INPUT", err.Error(), nil)
			return
		}
		scopes = append(scopes, sc)
	}
	issued, err := s.tokens.Issue(r.Context(), tokens.IssueRequest{
		Scopes:         scopes,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		OneTime:        req.OneTime,
		ProcessID:      req.ProcessID,
		ParticipantID:  req.ParticipantID,
		CustomerNumber: req.CustomerNumber,
		UploaderID:     req.UploaderID,
		RoleAtTime:     req.RoleAtTime,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_INPUT", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"token":      issued,
		"token_hint": "store the raw secret now; it is not retrievable again",
	})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	processID := r.URL.Query().Get("process_id")
	if g := grantFrom(r.Context()); g != nil && g.ProcessID != "" {
		// A bound token only sees its own process's trail.
		if processID != "" && processID != g.ProcessID {
			s.writeServiceError(w, approvals.Errf(approvals.CodeWrongProcess, "token is bound to another process"))
			return
		}
		processID = g.ProcessID
	}
	events, err := s.store.ListAuditEvents(r.Context(), processID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
}

// handleAuditVerify recomputes the whole chain. A broken chain is an
// integrity failure, surfaced as 500 with the first broken link.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), "")
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	res := audit.Verify(events)
	if !res.Ok {
		s.log.WithFields(logrus.Fields{"failed_at": res.FailedAt, "reason": res.Reason}).Error("audit chain verification failed")
		httpx.WriteError(w, http.StatusInternalServerError, "CHAIN_BROKEN", res.Reason, map[string]any{"failed_at": res.FailedAt})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "ok": true, "events": len(events)})
}

// writeServiceError maps reason codes onto the status classes: missing
// entities 404, role and eligibility failures 403, state conflicts 409,
// everything else with a code 400, uncoded errors 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var ae *approvals.Error
	if !errors.As(err, &ae) {
		s.log.WithError(err).Error("internal error")
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	status := http.StatusBadRequest
	switch {
	case ae.Code.NotFound():
		status = http.StatusNotFound
	case ae.Code.Conflict():
		status = http.StatusConflict
	case ae.Code == approvals.CodeNotApprover || ae.Code == approvals.CodeParticipantInactive || ae.Code == approvals.CodeWrongProcess:
		status = http.StatusForbidden
	}
	httpx.WriteError(w, status, string(ae.Code), ae.Message, nil)
}
