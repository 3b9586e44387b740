package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"warden/pkg/bus"
)

const (
	// DefaultStaleWindow bounds both how long a run may stay RUNNING and how
	// long an agent may go unseen before its runs are failed. The source
	// system shares one constant for both; see DESIGN.md.
	DefaultStaleWindow = 2 * time.Hour
	// DefaultReapInterval is how often the sweep runs.
	DefaultReapInterval = 5 * time.Minute
)

// Reaper is the backstop against silent agent loss: no audit may remain
// RUNNING indefinitely. It only ever transitions RUNNING runs to FAILED, so
// it cannot race destructively with normal completion.
type Reaper struct {
	orm      *gorm.DB
	bus      *bus.Bus
	logger   *log.Logger
	window   time.Duration
	interval time.Duration
}

// NewReaper creates a reaper with the given staleness window and sweep
// interval; zero values fall back to the defaults.
func NewReaper(orm *gorm.DB, b *bus.Bus, logger *log.Logger, window, interval time.Duration) (*Reaper, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if window <= 0 {
		window = DefaultStaleWindow
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{orm: orm, bus: b, logger: logger, window: window, interval: interval}, nil
}

// Run sweeps on the reaper's own cadence until ctx is cancelled. It never
// blocks agent-facing request handling.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				r.logf("reaper sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce fails every RUNNING run that started before the staleness window
// or whose agent has not been seen within it, and returns how many runs were
// reaped. The RUNNING status guard on the update makes each run reapable at
// most once.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.window)

	var stale []runModel
	err := r.orm.WithContext(ctx).
		Select("audit_runs.*").
		Joins("LEFT JOIN agent_identities ON agent_identities.server_id = audit_runs.server_id").
		Where("audit_runs.status = ?", RunStatusRunning).
		Where("audit_runs.started_at < ? OR (agent_identities.last_seen_at IS NOT NULL AND agent_identities.last_seen_at < ?)",
			cutoff, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, run := range stale {
		now := time.Now().UTC()
		res := r.orm.WithContext(ctx).Model(&runModel{}).
			Where("id = ? AND status = ?", run.ID, RunStatusRunning).
			Updates(map[string]any{
				"status":         RunStatusFailed,
				"automated_pct":  0.0,
				"manual_pct":     0.0,
				"overall_status": VerdictNonCompliant,
				"completed_at":   now,
			})
		if res.Error != nil {
			r.logf("reaper: failing run %s: %v", run.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			// Completed between the select and the update; skip.
			continue
		}

		reaped++
		metricRunsReaped.Inc()
		r.logf("reaper: run %s on server %s failed as stale", run.ID, run.ServerID)
		r.publish(ctx, bus.SubjectAuditFailed, map[string]any{
			"audit_run_id": run.ID,
			"server_id":    run.ServerID,
			"reason":       "stale",
		})
	}

	return reaped, nil
}

func (r *Reaper) publish(ctx context.Context, subject string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, subject, payload); err != nil {
		r.logf("publish %s failed: %v", subject, err)
	}
}

func (r *Reaper) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
