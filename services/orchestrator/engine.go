package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"warden/pkg/bus"
)

// Engine owns the audit-run lifecycle: creation, result reconciliation,
// scoring, and completion. All agent- and operator-triggered mutations of a
// run flow through it.
type Engine struct {
	orm    *gorm.DB
	bus    *bus.Bus
	logger *log.Logger
}

// NewEngine creates an engine bound to the provided dependencies. The bus and
// logger are optional; event emission and logging degrade to no-ops.
func NewEngine(orm *gorm.DB, b *bus.Bus, logger *log.Logger) (*Engine, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Engine{orm: orm, bus: b, logger: logger}, nil
}

// Run is the API view of an audit run.
type Run struct {
	ID                 uuid.UUID  `json:"id"`
	ServerID           uuid.UUID  `json:"server_id"`
	TemplateVersionID  uuid.UUID  `json:"template_version_id"`
	Status             string     `json:"status"`
	ExcludedControlIDs []string   `json:"excluded_control_ids,omitempty"`
	AutomatedPct       float64    `json:"automated_compliance_percent"`
	ManualPct          float64    `json:"manual_completion_percent"`
	OverallStatus      string     `json:"overall_status,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func (m runModel) toAPI() Run {
	return Run{
		ID:                 m.ID,
		ServerID:           m.ServerID,
		TemplateVersionID:  m.TemplateVersionID,
		Status:             m.Status,
		ExcludedControlIDs: m.ExcludedControlIDs,
		AutomatedPct:       m.AutomatedPct,
		ManualPct:          m.ManualPct,
		OverallStatus:      m.OverallStatus,
		StartedAt:          m.StartedAt,
		CompletedAt:        m.CompletedAt,
	}
}

// CreateRun starts an audit of one server against one template version.
// Servers must be ONLINE when the catalog contains automated checks: an audit
// must not wait forever for an agent that cannot poll. Runs without any
// checks complete immediately; manual-only runs go straight to RUNNING since
// human review needs no agent connectivity.
func (e *Engine) CreateRun(ctx context.Context, serverID, templateVersionID uuid.UUID, excludedControlIDs []string) (Run, error) {
	var server serverModel
	if err := e.orm.WithContext(ctx).First(&server, "id = ?", serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("server %s: %w", serverID, ErrNotFound)
		}
		return Run{}, err
	}

	var template templateVersionModel
	if err := e.orm.WithContext(ctx).First(&template, "id = ?", templateVersionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("template version %s: %w", templateVersionID, ErrNotFound)
		}
		return Run{}, err
	}

	catalog, err := ResolveCatalog(ctx, e.orm, templateVersionID, excludedControlIDs)
	if err != nil {
		return Run{}, err
	}

	if len(catalog.Automated) > 0 && server.Status != ServerStatusOnline {
		return Run{}, fmt.Errorf("server %s is %s, automated checks need an online agent: %w",
			server.Name, server.Status, ErrBadRequest)
	}

	now := time.Now().UTC()
	run := runModel{
		ID:                 uuid.New(),
		ServerID:           serverID,
		TemplateVersionID:  templateVersionID,
		Status:             RunStatusPending,
		ExcludedControlIDs: datatypes.NewJSONSlice(excludedControlIDs),
	}

	switch {
	case len(catalog.Automated) == 0 && len(catalog.Manual) == 0:
		score := ComputeScore(nil, 0, nil)
		run.Status = RunStatusCompleted
		run.AutomatedPct = score.AutomatedPct
		run.ManualPct = score.ManualPct
		run.OverallStatus = score.OverallStatus
		run.StartedAt = &now
		run.CompletedAt = &now
	default:
		run.Status = RunStatusRunning
		run.StartedAt = &now
	}

	err = e.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		for _, manual := range catalog.Manual {
			task := taskModel{
				ID:            uuid.New(),
				AuditRunID:    run.ID,
				ManualCheckID: manual.ID,
				Status:        TaskStatusPending,
			}
			if err := tx.Create(&task).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}

	e.publish(ctx, bus.SubjectAuditStarted, map[string]any{
		"audit_run_id": run.ID,
		"server_id":    serverID,
		"status":       run.Status,
	})
	if run.Status == RunStatusCompleted {
		metricRunsCompleted.Inc()
		e.publish(ctx, bus.SubjectAuditCompleted, map[string]any{
			"audit_run_id":   run.ID,
			"server_id":      serverID,
			"overall_status": run.OverallStatus,
		})
	}

	return run.toAPI(), nil
}

// ResultSubmission is one agent-posted automated check outcome.
type ResultSubmission struct {
	AutomatedCheckID uuid.UUID `json:"automated_check_id"`
	Status           string    `json:"status"`
	Output           string    `json:"output"`
	ErrorMessage     string    `json:"error_message"`
}

// ResultError records why one submission in a batch was not accepted.
type ResultError struct {
	AutomatedCheckID uuid.UUID `json:"automated_check_id"`
	Reason           string    `json:"reason"`
}

// IngestReport summarises one submission batch.
type IngestReport struct {
	Accepted  int           `json:"accepted"`
	Errors    []ResultError `json:"errors,omitempty"`
	Completed bool          `json:"completed"`
}

// IngestResults reconciles a batch of agent results into a run. Each result
// upserts by (run, check) so agent retries are harmless; a malformed result
// is reported per-check and never aborts the rest of the batch. When every
// active automated check has a result the run completes automatically.
func (e *Engine) IngestResults(ctx context.Context, serverID, runID uuid.UUID, submissions []ResultSubmission) (IngestReport, error) {
	var run runModel
	if err := e.orm.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return IngestReport{}, fmt.Errorf("audit run %s: %w", runID, ErrNotFound)
		}
		return IngestReport{}, err
	}
	if run.ServerID != serverID {
		return IngestReport{}, fmt.Errorf("audit run %s does not belong to server %s: %w", runID, serverID, ErrBadRequest)
	}
	if run.Status != RunStatusRunning {
		return IngestReport{}, fmt.Errorf("audit run %s is %s: %w", runID, run.Status, ErrBadRequest)
	}

	catalog, err := ResolveCatalog(ctx, e.orm, run.TemplateVersionID, run.ExcludedControlIDs)
	if err != nil {
		return IngestReport{}, err
	}
	allowed := catalog.AutomatedByID()

	report := IngestReport{}
	for _, sub := range submissions {
		if _, ok := allowed[sub.AutomatedCheckID]; !ok {
			report.Errors = append(report.Errors, ResultError{
				AutomatedCheckID: sub.AutomatedCheckID,
				Reason:           "check is not part of this audit's catalog",
			})
			metricResultsRejected.Inc()
			continue
		}

		status, err := normalizeCheckStatus(sub.Status)
		if err != nil {
			report.Errors = append(report.Errors, ResultError{
				AutomatedCheckID: sub.AutomatedCheckID,
				Reason:           err.Error(),
			})
			metricResultsRejected.Inc()
			continue
		}

		row := checkResultModel{
			ID:               uuid.New(),
			AuditRunID:       runID,
			AutomatedCheckID: sub.AutomatedCheckID,
			Status:           status,
			Output:           sub.Output,
			ErrorMessage:     sub.ErrorMessage,
		}
		err = e.orm.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "audit_run_id"}, {Name: "automated_check_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "output", "error_message", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			e.logf("ingest: result for check %s in run %s failed: %v", sub.AutomatedCheckID, runID, err)
			report.Errors = append(report.Errors, ResultError{
				AutomatedCheckID: sub.AutomatedCheckID,
				Reason:           "storage error",
			})
			metricResultsRejected.Inc()
			continue
		}

		report.Accepted++
		metricResultsIngested.Inc()
	}

	done, err := e.allResultsIn(ctx, runID, catalog)
	if err != nil {
		e.logf("ingest: completion check for run %s failed: %v", runID, err)
		return report, nil
	}
	if done {
		// Completion failures do not roll back already-ingested results; the
		// run stays queryable and can be completed manually.
		if _, err := e.CompleteRun(ctx, runID); err != nil {
			e.logf("ingest: auto-completion of run %s failed: %v", runID, err)
		} else {
			report.Completed = true
		}
	}

	return report, nil
}

func (e *Engine) allResultsIn(ctx context.Context, runID uuid.UUID, catalog Catalog) (bool, error) {
	if len(catalog.Automated) == 0 {
		return false, nil
	}
	ids := make([]uuid.UUID, 0, len(catalog.Automated))
	for _, check := range catalog.Automated {
		ids = append(ids, check.ID)
	}

	var count int64
	err := e.orm.WithContext(ctx).Model(&checkResultModel{}).
		Where("audit_run_id = ? AND automated_check_id IN ?", runID, ids).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count >= int64(len(catalog.Automated)), nil
}

// CompleteRun finalizes a run: it scores the current result set, persists the
// percentages and verdict, and stamps the server's derived risk level.
// Completing an already-COMPLETED run is a no-op, which makes the
// auto-completion trigger safe to fire more than once under concurrent
// submissions.
func (e *Engine) CompleteRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	var run runModel
	if err := e.orm.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("audit run %s: %w", runID, ErrNotFound)
		}
		return Run{}, err
	}

	switch run.Status {
	case RunStatusCompleted:
		return run.toAPI(), nil
	case RunStatusFailed:
		return Run{}, fmt.Errorf("audit run %s already failed: %w", runID, ErrBadRequest)
	}

	score, err := e.scoreRun(ctx, run)
	if err != nil {
		return Run{}, err
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":         RunStatusCompleted,
		"automated_pct":  score.AutomatedPct,
		"manual_pct":     score.ManualPct,
		"overall_status": score.OverallStatus,
		"completed_at":   now,
	}
	// The status guard keeps a concurrent completion from overwriting a
	// terminal row.
	res := e.orm.WithContext(ctx).Model(&runModel{}).
		Where("id = ? AND status IN ?", runID, []string{RunStatusPending, RunStatusRunning}).
		Updates(updates)
	if res.Error != nil {
		return Run{}, res.Error
	}
	if res.RowsAffected == 0 {
		if err := e.orm.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
			return Run{}, err
		}
		return run.toAPI(), nil
	}

	if err := e.orm.WithContext(ctx).Model(&serverModel{}).
		Where("id = ?", run.ServerID).
		Update("risk_level", RiskLevel(score)).Error; err != nil {
		e.logf("complete: risk level update for server %s failed: %v", run.ServerID, err)
	}

	metricRunsCompleted.Inc()
	e.publish(ctx, bus.SubjectAuditCompleted, map[string]any{
		"audit_run_id":   runID,
		"server_id":      run.ServerID,
		"overall_status": score.OverallStatus,
		"automated_pct":  score.AutomatedPct,
		"manual_pct":     score.ManualPct,
	})

	run.Status = RunStatusCompleted
	run.AutomatedPct = score.AutomatedPct
	run.ManualPct = score.ManualPct
	run.OverallStatus = score.OverallStatus
	run.CompletedAt = &now
	return run.toAPI(), nil
}

// Rescore recomputes percentages and the verdict from current persisted state
// without any terminal transition. It is the explicit follow-up for evidence
// or approval changes after a run has completed.
func (e *Engine) Rescore(ctx context.Context, runID uuid.UUID) (Run, error) {
	var run runModel
	if err := e.orm.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("audit run %s: %w", runID, ErrNotFound)
		}
		return Run{}, err
	}
	if run.Status == RunStatusFailed {
		return Run{}, fmt.Errorf("audit run %s already failed: %w", runID, ErrBadRequest)
	}

	score, err := e.scoreRun(ctx, run)
	if err != nil {
		return Run{}, err
	}

	updates := map[string]any{
		"automated_pct":  score.AutomatedPct,
		"manual_pct":     score.ManualPct,
		"overall_status": score.OverallStatus,
	}
	if err := e.orm.WithContext(ctx).Model(&runModel{}).Where("id = ?", runID).Updates(updates).Error; err != nil {
		return Run{}, err
	}

	if run.Status == RunStatusCompleted {
		if err := e.orm.WithContext(ctx).Model(&serverModel{}).
			Where("id = ?", run.ServerID).
			Update("risk_level", RiskLevel(score)).Error; err != nil {
			e.logf("rescore: risk level update for server %s failed: %v", run.ServerID, err)
		}
	}

	run.AutomatedPct = score.AutomatedPct
	run.ManualPct = score.ManualPct
	run.OverallStatus = score.OverallStatus
	return run.toAPI(), nil
}

// scoreRun gathers the run's current outcome set and computes its score. The
// exclusion list is applied through the same catalog resolution used at
// creation and polling time.
func (e *Engine) scoreRun(ctx context.Context, run runModel) (Score, error) {
	catalog, err := ResolveCatalog(ctx, e.orm, run.TemplateVersionID, run.ExcludedControlIDs)
	if err != nil {
		return Score{}, err
	}
	allowed := catalog.AutomatedByID()

	var results []checkResultModel
	if err := e.orm.WithContext(ctx).
		Where("audit_run_id = ?", run.ID).
		Find(&results).Error; err != nil {
		return Score{}, err
	}

	outcomes := make([]CheckOutcome, 0, len(results))
	for _, r := range results {
		check, ok := allowed[r.AutomatedCheckID]
		if !ok {
			continue
		}
		outcomes = append(outcomes, CheckOutcome{Status: r.Status, Severity: check.Severity})
	}

	activeManual := make(map[uuid.UUID]struct{}, len(catalog.Manual))
	for _, m := range catalog.Manual {
		activeManual[m.ID] = struct{}{}
	}

	var taskRows []taskModel
	if err := e.orm.WithContext(ctx).
		Where("audit_run_id = ?", run.ID).
		Find(&taskRows).Error; err != nil {
		return Score{}, err
	}

	tasks := make([]TaskOutcome, 0, len(taskRows))
	for _, t := range taskRows {
		if _, ok := activeManual[t.ManualCheckID]; !ok {
			continue
		}
		tasks = append(tasks, TaskOutcome{Status: t.Status})
	}

	return ComputeScore(outcomes, len(catalog.Automated), tasks), nil
}

// PendingCheck is one unit of catalog-derived work awaiting an agent.
type PendingCheck struct {
	AuditRunID uuid.UUID `json:"audit_run_id"`
	AutomatedCheck
}

// PendingChecks lists every automated check still owed by the server's
// RUNNING audits, excluding checks that already have an ingested result.
func (e *Engine) PendingChecks(ctx context.Context, serverID uuid.UUID) ([]PendingCheck, error) {
	var runs []runModel
	if err := e.orm.WithContext(ctx).
		Where("server_id = ? AND status = ?", serverID, RunStatusRunning).
		Find(&runs).Error; err != nil {
		return nil, err
	}

	var pending []PendingCheck
	for _, run := range runs {
		catalog, err := ResolveCatalog(ctx, e.orm, run.TemplateVersionID, run.ExcludedControlIDs)
		if err != nil {
			return nil, err
		}
		if len(catalog.Automated) == 0 {
			continue
		}

		var done []uuid.UUID
		if err := e.orm.WithContext(ctx).Model(&checkResultModel{}).
			Where("audit_run_id = ?", run.ID).
			Pluck("automated_check_id", &done).Error; err != nil {
			return nil, err
		}
		ingested := make(map[uuid.UUID]struct{}, len(done))
		for _, id := range done {
			ingested[id] = struct{}{}
		}

		for _, check := range catalog.Automated {
			if _, ok := ingested[check.ID]; ok {
				continue
			}
			pending = append(pending, PendingCheck{AuditRunID: run.ID, AutomatedCheck: check})
		}
	}

	return pending, nil
}

// Progress is the operator-facing view of how far along a run is.
type Progress struct {
	Run               Run   `json:"run"`
	AutomatedTotal    int   `json:"automated_total"`
	AutomatedIngested int   `json:"automated_ingested"`
	ManualTotal       int   `json:"manual_total"`
	ManualCompleted   int   `json:"manual_completed"`
	ManualOpen        int   `json:"manual_open"`
	Score             Score `json:"score"`
}

// RunProgress reports catalog totals, ingestion counts, and the score a
// completion would currently yield.
func (e *Engine) RunProgress(ctx context.Context, runID uuid.UUID) (Progress, error) {
	var run runModel
	if err := e.orm.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Progress{}, fmt.Errorf("audit run %s: %w", runID, ErrNotFound)
		}
		return Progress{}, err
	}

	catalog, err := ResolveCatalog(ctx, e.orm, run.TemplateVersionID, run.ExcludedControlIDs)
	if err != nil {
		return Progress{}, err
	}
	allowed := catalog.AutomatedByID()

	var results []checkResultModel
	if err := e.orm.WithContext(ctx).Where("audit_run_id = ?", run.ID).Find(&results).Error; err != nil {
		return Progress{}, err
	}
	ingested := 0
	for _, r := range results {
		if _, ok := allowed[r.AutomatedCheckID]; ok {
			ingested++
		}
	}

	var tasks []taskModel
	if err := e.orm.WithContext(ctx).Where("audit_run_id = ?", run.ID).Find(&tasks).Error; err != nil {
		return Progress{}, err
	}
	completed, open := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusCompleted:
			completed++
		case TaskStatusPending, TaskStatusInProgress:
			open++
		}
	}

	score, err := e.scoreRun(ctx, run)
	if err != nil {
		return Progress{}, err
	}

	return Progress{
		Run:               run.toAPI(),
		AutomatedTotal:    len(catalog.Automated),
		AutomatedIngested: ingested,
		ManualTotal:       len(catalog.Manual),
		ManualCompleted:   completed,
		ManualOpen:        open,
		Score:             score,
	}, nil
}

func normalizeCheckStatus(status string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case CheckStatusPass:
		return CheckStatusPass, nil
	case CheckStatusFail:
		return CheckStatusFail, nil
	case CheckStatusError:
		return CheckStatusError, nil
	case CheckStatusNA, "SKIPPED":
		return CheckStatusNA, nil
	default:
		return "", fmt.Errorf("unknown check status %q", status)
	}
}

func (e *Engine) publish(ctx context.Context, subject string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, payload); err != nil {
		e.logf("publish %s failed: %v", subject, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
