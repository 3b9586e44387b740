package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"warden/services/orchestrator"
)

func (a *API) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid task id is required"))
		return uuid.Nil, false
	}
	return taskID, true
}

func (a *API) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.taskID(w, r)
	if !ok {
		return
	}

	var req struct {
		Kind      string `json:"kind"`
		Reference string `json:"reference"`
		Note      string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.engine.SubmitEvidence(ctx, taskID, strings.TrimSpace(req.Kind),
		strings.TrimSpace(req.Reference), req.Note)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"task": task})
}

// handlePresignEvidence hands the operator a one-time upload URL for a piece
// of file evidence. The returned key is what gets submitted as the evidence
// reference afterwards.
func (a *API) handlePresignEvidence(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.taskID(w, r)
	if !ok {
		return
	}
	if a.store.S3 == nil || a.config.EvidenceBucket == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("evidence storage is not configured"))
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	filename := path.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		respondError(w, http.StatusBadRequest, errors.New("filename is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	key := fmt.Sprintf("evidence/%s/%s/%s", taskID, uuid.NewString(), filename)
	url, err := a.store.S3.PresignPut(ctx, a.config.EvidenceBucket, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"key":        key,
		"upload_url": url,
		"kind":       orchestrator.EvidenceKindUpload,
	})
}

func (a *API) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.taskID(w, r)
	if !ok {
		return
	}

	var req struct {
		Approve  bool   `json:"approve"`
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Reviewer = strings.TrimSpace(req.Reviewer)
	if req.Reviewer == "" {
		respondError(w, http.StatusBadRequest, errors.New("reviewer is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.engine.ReviewTask(ctx, taskID, req.Approve, req.Reviewer, req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (a *API) handleResetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.taskID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.engine.ResetTask(ctx, taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}
