package agent

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Check result statuses on the wire. SKIPPED is normalized to NA server-side.
const (
	statusPass    = "PASS"
	statusFail    = "FAIL"
	statusError   = "ERROR"
	statusSkipped = "SKIPPED"
)

const checkTimeout = 30 * time.Second

// runShell executes a command line under the system shell. It is a field on
// the service so tests can substitute a fake.
func runShell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	return string(out), err
}

// executeCheck runs one pending check end to end: platform gate, execution,
// and verdict evaluation. Execution problems become ERROR results rather than
// dropped work; the server counts ERROR as a failure.
func (s *Service) executeCheck(ctx context.Context, check pendingCheck) checkResult {
	result := checkResult{AutomatedCheckID: check.AutomatedCheckID}

	if !platformMatches(check.PlatformScope) {
		result.Status = statusSkipped
		result.Output = fmt.Sprintf("platform scope %q does not match %s", check.PlatformScope, runtime.GOOS)
		return result
	}

	command := check.Command
	if strings.EqualFold(check.CheckType, "script") && check.Script != "" {
		command = check.Script
	}
	if strings.TrimSpace(command) == "" {
		result.Status = statusError
		result.ErrorMessage = "check has no command or script"
		return result
	}

	output, err := s.run(ctx, command)
	result.Output = truncate(output, 8192)
	if err != nil {
		result.Status = statusError
		result.ErrorMessage = err.Error()
		return result
	}

	status, reason := evaluate(output, check)
	result.Status = status
	if status == statusFail {
		result.ErrorMessage = reason
	}
	return result
}

// evaluate compares command output against the check's expectation. With no
// expected result a clean exit already passed. The reason string is only
// meaningful for FAIL.
func evaluate(output string, check pendingCheck) (string, string) {
	if strings.TrimSpace(check.ExpectedResult) == "" {
		return statusPass, ""
	}

	actual := applyNormalize(applyParser(output, check.Parser), check.Normalize)
	expected := applyNormalize(check.ExpectedResult, check.Normalize)

	matched := false
	switch strings.ToLower(strings.TrimSpace(check.Comparison)) {
	case "", "equals":
		matched = actual == expected
	case "contains":
		matched = strings.Contains(actual, expected)
	case "not_contains":
		matched = !strings.Contains(actual, expected)
	case "regex":
		re, err := regexp.Compile(check.ExpectedResult)
		if err != nil {
			return statusError, ""
		}
		matched = re.MatchString(actual)
	default:
		return statusError, ""
	}

	if matched {
		return statusPass, ""
	}

	reason := check.OnFailMessage
	if reason == "" {
		reason = fmt.Sprintf("expected %q (%s), got %q", check.ExpectedResult, comparisonOrDefault(check.Comparison), truncate(actual, 256))
	}
	return statusFail, reason
}

func comparisonOrDefault(comparison string) string {
	if strings.TrimSpace(comparison) == "" {
		return "equals"
	}
	return strings.ToLower(strings.TrimSpace(comparison))
}

// applyParser reduces raw output to the portion the comparison should see.
func applyParser(output, parser string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	switch strings.ToLower(strings.TrimSpace(parser)) {
	case "first_line":
		return lines[0]
	case "last_line":
		return lines[len(lines)-1]
	case "line_count":
		if len(lines) == 1 && lines[0] == "" {
			return "0"
		}
		return strconv.Itoa(len(lines))
	default:
		return output
	}
}

// applyNormalize applies a comma-separated list of transforms to both sides
// of a comparison.
func applyNormalize(value, normalize string) string {
	for _, step := range strings.Split(normalize, ",") {
		switch strings.ToLower(strings.TrimSpace(step)) {
		case "trim":
			value = strings.TrimSpace(value)
		case "lowercase":
			value = strings.ToLower(value)
		case "collapse_whitespace":
			value = strings.Join(strings.Fields(value), " ")
		}
	}
	return value
}

// platformMatches gates a check on the agent's platform. An empty or "any"
// scope always runs.
func platformMatches(scope string) bool {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" || scope == "any" {
		return true
	}
	for _, candidate := range strings.Split(scope, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == runtime.GOOS || candidate == osReleaseID() {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
