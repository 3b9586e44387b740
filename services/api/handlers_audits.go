package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"warden/services/dispatch"
	"warden/services/orchestrator"
)

func (a *API) handleStartAudit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID           uuid.UUID `json:"server_id"`
		TemplateVersionID  uuid.UUID `json:"template_version_id"`
		ExcludedControlIDs []string  `json:"excluded_control_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ServerID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("server_id is required"))
		return
	}
	if req.TemplateVersionID == uuid.Nil {
		respondError(w, http.StatusBadRequest, errors.New("template_version_id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.engine.CreateRun(ctx, req.ServerID, req.TemplateVersionID, req.ExcludedControlIDs)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"audit_run": run})
}

func (a *API) auditRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "auditRunID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid audit run id is required"))
		return uuid.Nil, false
	}
	return runID, true
}

func (a *API) handleAuditProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.auditRunID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	progress, err := a.engine.RunProgress(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

// auditReport is the data handed to the audit_report template.
type auditReport struct {
	Progress        orchestrator.Progress
	ServerName      string
	TemplateName    string
	TemplateVersion int
	Risk            string
	GeneratedAt     time.Time
}

// handleAuditReport renders the run's current progress as a plain-text
// document suitable for tickets and email.
func (a *API) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.auditRunID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	progress, err := a.engine.RunProgress(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var server serverModel
	if err := a.store.ORM.WithContext(ctx).First(&server, "id = ?", progress.Run.ServerID).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	var tmpl templateVersionModel
	if err := a.store.ORM.WithContext(ctx).First(&tmpl, "id = ?", progress.Run.TemplateVersionID).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	doc, err := a.reports.Render("audit_report.tmpl", auditReport{
		Progress:        progress,
		ServerName:      server.Name,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		Risk:            orchestrator.RiskLevel(progress.Score),
		GeneratedAt:     time.Now(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (a *API) handleCompleteAudit(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.auditRunID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.engine.CompleteRun(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"audit_run": run})
}

func (a *API) handleRescoreAudit(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.auditRunID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.engine.Rescore(ctx, runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"audit_run": run})
}

// handleAdhocCheck runs one screened command on a server and waits for the
// agent's answer. The request blocks up to the configured wait; a silent
// agent yields 504, not a dangling queue entry.
func (a *API) handleAdhocCheck(w http.ResponseWriter, r *http.Request) {
	serverID, err := uuid.Parse(chi.URLParam(r, "serverID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid server id is required"))
		return
	}

	var spec dispatch.CheckSpec
	if err := decodeJSON(r, &spec); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.Title == "" {
		respondError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	if spec.Command == "" && spec.Script == "" {
		respondError(w, http.StatusBadRequest, errors.New("command or script is required"))
		return
	}

	// Ad-hoc commands face the same screening as template imports.
	for _, cmd := range []string{spec.Command, spec.Script} {
		if cmd == "" {
			continue
		}
		if c := a.validator.Classify(cmd); !c.Allowed {
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "command failed safety screening",
				"severity": c.Severity,
				"reasons":  c.Reasons,
			})
			return
		}
	}

	// No withTimeout here: the dispatch wait is the timeout.
	result, err := a.dispatcher.Dispatch(r.Context(), serverID, spec)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        result.Status,
		"output":        result.Output,
		"error_message": result.ErrorMessage,
	})
}
