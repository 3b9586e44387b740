package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Evidence kinds accepted for manual tasks.
const (
	EvidenceKindUpload      = "upload"
	EvidenceKindLink        = "link"
	EvidenceKindAttestation = "attestation"
)

// Task is the API view of a manual task result.
type Task struct {
	ID            uuid.UUID  `json:"id"`
	AuditRunID    uuid.UUID  `json:"audit_run_id"`
	ManualCheckID uuid.UUID  `json:"manual_check_id"`
	Status        string     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	Reviewer      string     `json:"reviewer,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
}

func (m taskModel) toAPI() Task {
	return Task{
		ID:            m.ID,
		AuditRunID:    m.AuditRunID,
		ManualCheckID: m.ManualCheckID,
		Status:        m.Status,
		Notes:         m.Notes,
		Reviewer:      m.Reviewer,
		ReviewedAt:    m.ReviewedAt,
	}
}

// SubmitEvidence attaches an evidence record to a task and advances it:
// PENDING moves to COMPLETED when the underlying check needs no approval,
// otherwise to IN_PROGRESS awaiting review. A RUNNING run is rescored right
// away; a COMPLETED run keeps its persisted score until an explicit rescore.
func (e *Engine) SubmitEvidence(ctx context.Context, taskID uuid.UUID, kind, reference, note string) (Task, error) {
	switch kind {
	case EvidenceKindUpload, EvidenceKindLink, EvidenceKindAttestation:
	default:
		return Task{}, fmt.Errorf("unknown evidence kind %q: %w", kind, ErrBadRequest)
	}
	if reference == "" {
		return Task{}, fmt.Errorf("evidence reference is required: %w", ErrBadRequest)
	}

	task, run, err := e.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if run.Status == RunStatusFailed {
		return Task{}, fmt.Errorf("audit run %s already failed: %w", run.ID, ErrBadRequest)
	}
	if task.Status == TaskStatusCompleted || task.Status == TaskStatusRejected {
		return Task{}, fmt.Errorf("task %s is already %s: %w", taskID, task.Status, ErrBadRequest)
	}

	var check manualCheckModel
	if err := e.orm.WithContext(ctx).First(&check, "id = ?", task.ManualCheckID).Error; err != nil {
		return Task{}, err
	}

	next := task.Status
	if task.Status == TaskStatusPending {
		if check.RequiresApproval {
			next = TaskStatusInProgress
		} else {
			next = TaskStatusCompleted
		}
	}

	err = e.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := evidenceModel{
			ID:        uuid.New(),
			TaskID:    taskID,
			Kind:      kind,
			Reference: reference,
			Note:      note,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&taskModel{}).Where("id = ?", taskID).Update("status", next).Error
	})
	if err != nil {
		return Task{}, err
	}
	task.Status = next

	e.rescoreIfRunning(ctx, run)
	return task.toAPI(), nil
}

// ReviewTask decides an IN_PROGRESS task: approval completes it, denial
// rejects it; either way the reviewer identity and time are stamped.
func (e *Engine) ReviewTask(ctx context.Context, taskID uuid.UUID, approve bool, reviewer, notes string) (Task, error) {
	task, run, err := e.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if run.Status == RunStatusFailed {
		return Task{}, fmt.Errorf("audit run %s already failed: %w", run.ID, ErrBadRequest)
	}
	if task.Status != TaskStatusInProgress {
		return Task{}, fmt.Errorf("task %s is %s, only IN_PROGRESS tasks can be reviewed: %w", taskID, task.Status, ErrBadRequest)
	}

	status := TaskStatusRejected
	if approve {
		status = TaskStatusCompleted
	}
	now := time.Now().UTC()

	updates := map[string]any{
		"status":      status,
		"reviewer":    reviewer,
		"reviewed_at": now,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	if err := e.orm.WithContext(ctx).Model(&taskModel{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return Task{}, err
	}

	task.Status = status
	task.Reviewer = reviewer
	task.ReviewedAt = &now
	if notes != "" {
		task.Notes = notes
	}

	e.rescoreIfRunning(ctx, run)
	return task.toAPI(), nil
}

// ResetTask returns a task to PENDING, clearing the review stamps. Notes are
// preserved as an audit trail of the earlier review. COMPLETED and REJECTED
// tasks may always be reset; a task already PENDING has nothing to reset.
func (e *Engine) ResetTask(ctx context.Context, taskID uuid.UUID) (Task, error) {
	task, run, err := e.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if run.Status == RunStatusFailed {
		return Task{}, fmt.Errorf("audit run %s already failed: %w", run.ID, ErrBadRequest)
	}
	if task.Status == TaskStatusPending {
		return Task{}, fmt.Errorf("task %s is already PENDING: %w", taskID, ErrBadRequest)
	}

	updates := map[string]any{
		"status":      TaskStatusPending,
		"reviewer":    "",
		"reviewed_at": nil,
	}
	if err := e.orm.WithContext(ctx).Model(&taskModel{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return Task{}, err
	}

	task.Status = TaskStatusPending
	task.Reviewer = ""
	task.ReviewedAt = nil

	e.rescoreIfRunning(ctx, run)
	return task.toAPI(), nil
}

func (e *Engine) loadTask(ctx context.Context, taskID uuid.UUID) (taskModel, runModel, error) {
	var task taskModel
	if err := e.orm.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskModel{}, runModel{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return taskModel{}, runModel{}, err
	}

	var run runModel
	if err := e.orm.WithContext(ctx).First(&run, "id = ?", task.AuditRunID).Error; err != nil {
		return taskModel{}, runModel{}, err
	}

	return task, run, nil
}

func (e *Engine) rescoreIfRunning(ctx context.Context, run runModel) {
	if run.Status != RunStatusRunning {
		return
	}
	if _, err := e.Rescore(ctx, run.ID); err != nil {
		e.logf("rescore of run %s failed: %v", run.ID, err)
	}
}
