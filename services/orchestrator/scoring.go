package orchestrator

import "math"

// CheckOutcome is one ingested automated result plus the severity of the
// control it verifies.
type CheckOutcome struct {
	Status   string
	Severity string
}

// TaskOutcome is the current sub-state of one manual task.
type TaskOutcome struct {
	Status string
}

// Score is the derived compliance picture of a run at one point in time.
type Score struct {
	AutomatedPct  float64
	ManualPct     float64
	OverallStatus string
}

const partialComplianceFloor = 80.0

// ComputeScore derives both percentages and the overall verdict from the
// current outcome set. It is a pure function: re-running it against the same
// inputs always yields the same Score, so callers may rescore at any time.
//
// activeAutomated is the catalog's automated-check total after exclusions;
// checks with an NA outcome are removed from the denominator.
func ComputeScore(outcomes []CheckOutcome, activeAutomated int, tasks []TaskOutcome) Score {
	var passed, na int
	var anyFail, criticalFail bool
	for _, o := range outcomes {
		switch o.Status {
		case CheckStatusPass:
			passed++
		case CheckStatusNA:
			na++
		case CheckStatusFail, CheckStatusError:
			anyFail = true
			if o.Severity == SeverityCritical {
				criticalFail = true
			}
		}
	}

	denom := activeAutomated - na
	automatedPct := 100.0
	if denom > 0 {
		automatedPct = round2(100 * float64(passed) / float64(denom))
	}

	var completed, open int
	for _, t := range tasks {
		switch t.Status {
		case TaskStatusCompleted:
			completed++
		case TaskStatusPending, TaskStatusInProgress:
			open++
		}
	}

	manualPct := 100.0
	if len(tasks) > 0 {
		manualPct = round2(100 * float64(completed) / float64(len(tasks)))
	}

	return Score{
		AutomatedPct:  automatedPct,
		ManualPct:     manualPct,
		OverallStatus: overallStatus(criticalFail, anyFail, open, automatedPct),
	}
}

// overallStatus applies the verdict rules in strict priority order; the first
// match wins.
func overallStatus(criticalFail, anyFail bool, openTasks int, automatedPct float64) string {
	switch {
	case criticalFail:
		return VerdictNonCompliant
	case openTasks > 0:
		return VerdictPartiallyCompliant
	case anyFail && automatedPct >= partialComplianceFloor:
		return VerdictPartiallyCompliant
	case anyFail:
		return VerdictNonCompliant
	default:
		return VerdictCompliant
	}
}

// RiskLevel maps a score onto the server risk level recorded at completion.
func RiskLevel(s Score) string {
	switch s.OverallStatus {
	case VerdictNonCompliant:
		if s.AutomatedPct < 50 {
			return "critical"
		}
		return "high"
	case VerdictPartiallyCompliant:
		return "medium"
	default:
		return "low"
	}
}

// round2 keeps persisted and displayed percentages stable.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
