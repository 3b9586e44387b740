package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/pkg/bus"
	"warden/services/dispatch"
	"warden/services/monitor"
	"warden/services/orchestrator"
)

// adhocRunID marks poll entries and result submissions that belong to an
// ad-hoc dispatch rather than a persisted audit run.
const adhocRunID = "ADHOC"

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnrollToken string `json:"enroll_token"`
		Version     string `json:"version"`
		OSInfo      string `json:"os_info"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.EnrollToken = strings.TrimSpace(req.EnrollToken)
	if req.EnrollToken == "" {
		respondError(w, http.StatusBadRequest, errors.New("enroll_token is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var identity identityModel
	err := a.store.ORM.WithContext(ctx).First(&identity, "enroll_secret = ?", req.EnrollToken).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondDomainError(w, errUnauthorized)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	agentToken, err := newAgentSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UTC()
	// The guard on enroll_secret makes the token single use even under
	// concurrent enroll attempts: only one update can consume it.
	res := a.store.ORM.WithContext(ctx).Model(&identityModel{}).
		Where("id = ? AND enroll_secret = ?", identity.ID, req.EnrollToken).
		Updates(map[string]any{
			"enroll_secret": nil,
			"secret_hash":   hashSecret(agentToken),
			"version":       strings.TrimSpace(req.Version),
			"os_info":       strings.TrimSpace(req.OSInfo),
			"last_seen_at":  now,
		})
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondDomainError(w, errUnauthorized)
		return
	}

	var server serverModel
	if err := a.store.ORM.WithContext(ctx).First(&server, "id = ?", identity.ServerID).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.store.ORM.WithContext(ctx).Model(&serverModel{}).
		Where("id = ? AND status = ?", server.ID, serverStatusUnenrolled).
		Update("status", serverStatusEnrolled).Error; err != nil {
		a.logf("enroll: status update for server %s failed: %v", server.ID, err)
	}

	a.publishJSON(ctx, bus.SubjectServerEnrolled, map[string]any{
		"server_id": server.ID,
		"name":      server.Name,
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"server_id":   server.ID,
		"server_name": server.Name,
		"agent_token": agentToken,
	})
}

func (a *API) agentServerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	serverID, err := uuid.Parse(chi.URLParam(r, "serverID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid server id is required"))
		return uuid.Nil, false
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if _, err := a.authenticateAgent(ctx, serverID, r.Header.Get(agentTokenHeader)); err != nil {
		respondDomainError(w, err)
		return uuid.Nil, false
	}
	return serverID, true
}

func (a *API) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.agentServerID(w, r)
	if !ok {
		return
	}

	var sample monitor.Metrics
	if err := decodeJSON(r, &sample); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.monitor.Ingest(ctx, serverID, sample); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleAgentInventory(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.agentServerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Snapshot map[string]any `json:"snapshot"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Snapshot) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("snapshot is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	// Persistence and change detection happen asynchronously in the inventory
	// consumer.
	a.publishJSON(ctx, bus.SubjectInventory, map[string]any{
		"server_id": serverID,
		"snapshot":  req.Snapshot,
	})
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// pendingCheckItem is one unit of work in a poll response. Persisted checks
// carry real UUIDs; ad-hoc entries carry the ADHOC marker and a correlation ID
// in the automated_check_id slot.
type pendingCheckItem struct {
	AuditRunID       string `json:"audit_run_id"`
	AutomatedCheckID string `json:"automated_check_id"`
	ControlID        string `json:"control_id,omitempty"`
	Title            string `json:"title"`
	Command          string `json:"command,omitempty"`
	Script           string `json:"script,omitempty"`
	ExpectedResult   string `json:"expected_result,omitempty"`
	CheckType        string `json:"check_type,omitempty"`
	Comparison       string `json:"comparison,omitempty"`
	Parser           string `json:"parser,omitempty"`
	Normalize        string `json:"normalize,omitempty"`
	OnFailMessage    string `json:"on_fail_message,omitempty"`
	PlatformScope    string `json:"platform_scope,omitempty"`
}

func (a *API) handleAgentPending(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.agentServerID(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	pending, err := a.engine.PendingChecks(ctx, serverID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	items := make([]pendingCheckItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, pendingCheckItem{
			AuditRunID:       p.AuditRunID.String(),
			AutomatedCheckID: p.ID.String(),
			ControlID:        p.ControlID.String(),
			Title:            p.Title,
			Command:          p.Command,
			Script:           p.Script,
			ExpectedResult:   p.ExpectedResult,
			CheckType:        p.CheckType,
			Comparison:       p.Comparison,
			Parser:           p.Parser,
			Normalize:        p.Normalize,
			OnFailMessage:    p.OnFailMessage,
			PlatformScope:    p.PlatformScope,
		})
	}

	// Drained ad-hoc entries ride the same poll response; handing them out
	// removes them from the queue for good.
	for _, entry := range a.dispatcher.Drain(serverID) {
		items = append(items, pendingCheckItem{
			AuditRunID:       adhocRunID,
			AutomatedCheckID: entry.CorrelationID,
			Title:            entry.Spec.Title,
			Command:          entry.Spec.Command,
			Script:           entry.Spec.Script,
			ExpectedResult:   entry.Spec.ExpectedResult,
			CheckType:        entry.Spec.CheckType,
			Comparison:       entry.Spec.Comparison,
			Parser:           entry.Spec.Parser,
			Normalize:        entry.Spec.Normalize,
			OnFailMessage:    entry.Spec.OnFailMessage,
			PlatformScope:    entry.Spec.PlatformScope,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"checks": items})
}

type resultSubmissionItem struct {
	AutomatedCheckID string `json:"automated_check_id"`
	Status           string `json:"status"`
	Output           string `json:"output"`
	ErrorMessage     string `json:"error_message"`
}

func (a *API) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	serverID, ok := a.agentServerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Results []resultSubmissionItem `json:"results"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Results) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("results are required"))
		return
	}

	runParam := chi.URLParam(r, "auditRunID")
	if runParam == adhocRunID {
		a.deliverAdhocResults(w, req.Results)
		return
	}

	runID, err := uuid.Parse(runParam)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid audit run id is required"))
		return
	}

	submissions := make([]orchestrator.ResultSubmission, 0, len(req.Results))
	var parseErrors []map[string]any
	for _, item := range req.Results {
		checkID, err := uuid.Parse(item.AutomatedCheckID)
		if err != nil {
			parseErrors = append(parseErrors, map[string]any{
				"automated_check_id": item.AutomatedCheckID,
				"reason":             "invalid check id",
			})
			continue
		}
		submissions = append(submissions, orchestrator.ResultSubmission{
			AutomatedCheckID: checkID,
			Status:           item.Status,
			Output:           item.Output,
			ErrorMessage:     item.ErrorMessage,
		})
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	report, err := a.engine.IngestResults(ctx, serverID, runID, submissions)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	errs := parseErrors
	for _, e := range report.Errors {
		errs = append(errs, map[string]any{
			"automated_check_id": e.AutomatedCheckID,
			"reason":             e.Reason,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"accepted":  report.Accepted,
		"errors":    errs,
		"completed": report.Completed,
	})
}

// deliverAdhocResults routes ad-hoc outcomes to their blocked dispatch calls.
// A result whose caller already gave up is reported stale, not an error: the
// agent did nothing wrong.
func (a *API) deliverAdhocResults(w http.ResponseWriter, results []resultSubmissionItem) {
	delivered, stale := 0, 0
	for _, item := range results {
		ok := a.dispatcher.Deliver(dispatch.Result{
			CorrelationID: item.AutomatedCheckID,
			Status:        item.Status,
			Output:        item.Output,
			ErrorMessage:  item.ErrorMessage,
		})
		if ok {
			delivered++
		} else {
			stale++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"delivered": delivered,
		"stale":     stale,
	})
}
