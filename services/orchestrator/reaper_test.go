package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSweepOnceFailsStaleRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.engine.CreateRun(ctx, f.serverID, f.autoTemplateID, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Backdate the start far past the staleness window.
	old := time.Now().UTC().Add(-3 * time.Hour)
	if err := f.orm.Model(&runModel{}).Where("id = ?", run.ID).
		Update("started_at", old).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reaper, err := NewReaper(f.orm, nil, nil, 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	reaped, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	var stored runModel
	if err := f.orm.First(&stored, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if stored.Status != RunStatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if stored.AutomatedPct != 0 || stored.ManualPct != 0 {
		t.Fatalf("pcts = %v/%v, want 0/0", stored.AutomatedPct, stored.ManualPct)
	}
	if stored.OverallStatus != VerdictNonCompliant {
		t.Fatalf("overall = %s, want NON_COMPLIANT", stored.OverallStatus)
	}
	if stored.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// A second sweep finds nothing: FAILED is terminal.
	reaped, err = reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second SweepOnce: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("second sweep reaped %d, want 0", reaped)
	}
}

func TestSweepOnceSparesFreshRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.engine.CreateRun(ctx, f.serverID, f.autoTemplateID, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	reaper, err := NewReaper(f.orm, nil, nil, 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	reaped, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}

	var stored runModel
	if err := f.orm.First(&stored, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if stored.Status != RunStatusRunning {
		t.Fatalf("status = %s, want RUNNING untouched", stored.Status)
	}
}

func TestSweepOnceFailsRunsOfSilentAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lastSeen := time.Now().UTC().Add(-3 * time.Hour)
	mustCreate(t, f.orm, &identityModel{
		ID:         uuid.New(),
		ServerID:   f.serverID,
		SecretHash: "irrelevant",
		LastSeenAt: &lastSeen,
	})

	run, err := f.engine.CreateRun(ctx, f.serverID, f.autoTemplateID, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	reaper, err := NewReaper(f.orm, nil, nil, 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	// The run itself is fresh but the agent went silent hours ago.
	reaped, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	var stored runModel
	if err := f.orm.First(&stored, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if stored.Status != RunStatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
}

func TestSweepOnceIgnoresNeverSeenAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mustCreate(t, f.orm, &identityModel{
		ID:         uuid.New(),
		ServerID:   f.serverID,
		SecretHash: "irrelevant",
	})

	if _, err := f.engine.CreateRun(ctx, f.serverID, f.manualTemplateID, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	reaper, err := NewReaper(f.orm, nil, nil, 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	// A fresh manual-only run on a server whose agent never reported must not
	// be reaped just because last_seen_at is NULL.
	reaped, err := reaper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if reaped != 0 {
		t.Fatalf("reaped = %d, want 0", reaped)
	}
}
