package orchestrator

import "testing"

func outcomes(statuses ...string) []CheckOutcome {
	out := make([]CheckOutcome, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, CheckOutcome{Status: s, Severity: SeverityMedium})
	}
	return out
}

func TestComputeScoreAllPass(t *testing.T) {
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusPass), 2, nil)
	if s.AutomatedPct != 100 || s.ManualPct != 100 {
		t.Fatalf("score = %+v, want 100/100", s)
	}
	if s.OverallStatus != VerdictCompliant {
		t.Fatalf("overall = %s, want COMPLIANT", s.OverallStatus)
	}
}

func TestComputeScoreNoChecksNoTasks(t *testing.T) {
	s := ComputeScore(nil, 0, nil)
	if s.AutomatedPct != 100 || s.ManualPct != 100 || s.OverallStatus != VerdictCompliant {
		t.Fatalf("empty run score = %+v, want 100/100 COMPLIANT", s)
	}
}

func TestComputeScoreNARemovedFromDenominator(t *testing.T) {
	// 4 active checks, 1 NA: denominator shrinks to 3.
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusPass, CheckStatusPass, CheckStatusNA), 4, nil)
	if s.AutomatedPct != 100 {
		t.Fatalf("automated = %v, want 100 with NA excluded", s.AutomatedPct)
	}
	if s.OverallStatus != VerdictCompliant {
		t.Fatalf("overall = %s, want COMPLIANT", s.OverallStatus)
	}
}

func TestComputeScoreAllNA(t *testing.T) {
	s := ComputeScore(outcomes(CheckStatusNA, CheckStatusNA), 2, nil)
	if s.AutomatedPct != 100 || s.OverallStatus != VerdictCompliant {
		t.Fatalf("all-NA score = %+v, want vacuous 100 COMPLIANT", s)
	}
}

func TestComputeScoreErrorCountsAsFail(t *testing.T) {
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusError), 2, nil)
	if s.AutomatedPct != 50 {
		t.Fatalf("automated = %v, want 50", s.AutomatedPct)
	}
	if s.OverallStatus != VerdictNonCompliant {
		t.Fatalf("overall = %s, want NON_COMPLIANT below floor", s.OverallStatus)
	}
}

func TestComputeScoreMissingResultsLowerScore(t *testing.T) {
	// Only 2 of 4 active checks reported; the unreported half counts against
	// the percentage.
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusPass), 4, nil)
	if s.AutomatedPct != 50 {
		t.Fatalf("automated = %v, want 50", s.AutomatedPct)
	}
}

func TestComputeScorePartialComplianceFloor(t *testing.T) {
	// 4/5 passing = 80.00, exactly on the floor: still PARTIALLY_COMPLIANT.
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusPass, CheckStatusPass, CheckStatusPass, CheckStatusFail), 5, nil)
	if s.AutomatedPct != 80 {
		t.Fatalf("automated = %v, want 80", s.AutomatedPct)
	}
	if s.OverallStatus != VerdictPartiallyCompliant {
		t.Fatalf("overall = %s, want PARTIALLY_COMPLIANT at the floor", s.OverallStatus)
	}

	// 3/4 passing = 75, below the floor with a failure: NON_COMPLIANT.
	s = ComputeScore(outcomes(CheckStatusPass, CheckStatusPass, CheckStatusPass, CheckStatusFail), 4, nil)
	if s.OverallStatus != VerdictNonCompliant {
		t.Fatalf("overall = %s, want NON_COMPLIANT below the floor", s.OverallStatus)
	}
}

func TestComputeScoreCriticalFailureDominates(t *testing.T) {
	out := outcomes(CheckStatusPass, CheckStatusPass, CheckStatusPass, CheckStatusPass)
	out = append(out, CheckOutcome{Status: CheckStatusFail, Severity: SeverityCritical})
	s := ComputeScore(out, 5, []TaskOutcome{{Status: TaskStatusPending}})
	if s.OverallStatus != VerdictNonCompliant {
		t.Fatalf("overall = %s, want NON_COMPLIANT on critical failure", s.OverallStatus)
	}
}

func TestComputeScoreOpenTasksForcePartial(t *testing.T) {
	tasks := []TaskOutcome{
		{Status: TaskStatusCompleted},
		{Status: TaskStatusInProgress},
	}
	s := ComputeScore(outcomes(CheckStatusPass), 1, tasks)
	if s.ManualPct != 50 {
		t.Fatalf("manual = %v, want 50", s.ManualPct)
	}
	if s.OverallStatus != VerdictPartiallyCompliant {
		t.Fatalf("overall = %s, want PARTIALLY_COMPLIANT with open tasks", s.OverallStatus)
	}
}

func TestComputeScoreRejectedTaskNotOpen(t *testing.T) {
	tasks := []TaskOutcome{
		{Status: TaskStatusCompleted},
		{Status: TaskStatusRejected},
	}
	s := ComputeScore(outcomes(CheckStatusPass), 1, tasks)
	if s.ManualPct != 50 {
		t.Fatalf("manual = %v, want 50", s.ManualPct)
	}
	// No open tasks and no automated failures: the rejected task lowers the
	// manual percentage but does not hold the verdict at partial.
	if s.OverallStatus != VerdictCompliant {
		t.Fatalf("overall = %s, want COMPLIANT", s.OverallStatus)
	}
}

func TestComputeScoreDeterministic(t *testing.T) {
	out := outcomes(CheckStatusPass, CheckStatusFail, CheckStatusNA, CheckStatusError, CheckStatusPass)
	tasks := []TaskOutcome{{Status: TaskStatusCompleted}, {Status: TaskStatusPending}}

	first := ComputeScore(out, 6, tasks)
	for i := 0; i < 100; i++ {
		if got := ComputeScore(out, 6, tasks); got != first {
			t.Fatalf("iteration %d: score %+v differs from %+v", i, got, first)
		}
	}
}

func TestComputeScoreRounding(t *testing.T) {
	// 1/3 = 33.333...; persisted value is rounded to 2 decimals.
	s := ComputeScore(outcomes(CheckStatusPass, CheckStatusFail, CheckStatusFail), 3, nil)
	if s.AutomatedPct != 33.33 {
		t.Fatalf("automated = %v, want 33.33", s.AutomatedPct)
	}
}

func TestRiskLevel(t *testing.T) {
	cases := []struct {
		score Score
		want  string
	}{
		{Score{AutomatedPct: 100, ManualPct: 100, OverallStatus: VerdictCompliant}, "low"},
		{Score{AutomatedPct: 85, ManualPct: 50, OverallStatus: VerdictPartiallyCompliant}, "medium"},
		{Score{AutomatedPct: 60, ManualPct: 100, OverallStatus: VerdictNonCompliant}, "high"},
		{Score{AutomatedPct: 40, ManualPct: 100, OverallStatus: VerdictNonCompliant}, "critical"},
	}
	for _, tc := range cases {
		if got := RiskLevel(tc.score); got != tc.want {
			t.Fatalf("RiskLevel(%+v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
