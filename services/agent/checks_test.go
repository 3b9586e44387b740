package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name   string
		output string
		check  pendingCheck
		want   string
	}{
		{
			name:   "equals default comparison",
			output: "enforcing\n",
			check:  pendingCheck{ExpectedResult: "enforcing", Normalize: "trim"},
			want:   statusPass,
		},
		{
			name:   "equals mismatch",
			output: "permissive\n",
			check:  pendingCheck{ExpectedResult: "enforcing", Normalize: "trim"},
			want:   statusFail,
		},
		{
			name:   "contains",
			output: "PermitRootLogin no\nPasswordAuthentication no\n",
			check:  pendingCheck{ExpectedResult: "permitrootlogin no", Comparison: "contains", Normalize: "lowercase"},
			want:   statusPass,
		},
		{
			name:   "not_contains",
			output: "tcp LISTEN 0.0.0.0:22",
			check:  pendingCheck{ExpectedResult: "0.0.0.0:23", Comparison: "not_contains"},
			want:   statusPass,
		},
		{
			name:   "regex",
			output: "OpenSSH_9.6p1",
			check:  pendingCheck{ExpectedResult: `OpenSSH_9\.\d+`, Comparison: "regex"},
			want:   statusPass,
		},
		{
			name:   "bad regex is an error",
			output: "whatever",
			check:  pendingCheck{ExpectedResult: `([`, Comparison: "regex"},
			want:   statusError,
		},
		{
			name:   "unknown comparison is an error",
			output: "whatever",
			check:  pendingCheck{ExpectedResult: "x", Comparison: "approximately"},
			want:   statusError,
		},
		{
			name:   "no expectation passes on clean exit",
			output: "any output at all",
			check:  pendingCheck{},
			want:   statusPass,
		},
		{
			name:   "first_line parser",
			output: "3\nsome trailing noise\n",
			check:  pendingCheck{ExpectedResult: "3", Parser: "first_line", Normalize: "trim"},
			want:   statusPass,
		},
		{
			name:   "line_count parser",
			output: "a\nb\nc\n",
			check:  pendingCheck{ExpectedResult: "3", Parser: "line_count"},
			want:   statusPass,
		},
		{
			name:   "collapse_whitespace",
			output: "root   0   0\n",
			check:  pendingCheck{ExpectedResult: "root 0 0", Normalize: "trim,collapse_whitespace"},
			want:   statusPass,
		},
	}

	for _, tc := range cases {
		got, _ := evaluate(tc.output, tc.check)
		if got != tc.want {
			t.Fatalf("%s: evaluate = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestEvaluateFailReason(t *testing.T) {
	_, reason := evaluate("permissive", pendingCheck{
		ExpectedResult: "enforcing",
		OnFailMessage:  "SELinux must be enforcing",
	})
	if reason != "SELinux must be enforcing" {
		t.Fatalf("reason = %q, want the check's on-fail message", reason)
	}

	_, reason = evaluate("permissive", pendingCheck{ExpectedResult: "enforcing"})
	if !strings.Contains(reason, "enforcing") || !strings.Contains(reason, "permissive") {
		t.Fatalf("generated reason %q should name both sides", reason)
	}
}

func TestExecuteCheck(t *testing.T) {
	svc := &Service{
		run: func(ctx context.Context, command string) (string, error) {
			switch command {
			case "boom":
				return "partial output", errors.New("exit status 1")
			default:
				return "enforcing\n", nil
			}
		},
	}

	res := svc.executeCheck(context.Background(), pendingCheck{
		AutomatedCheckID: "c1",
		Command:          "getenforce",
		ExpectedResult:   "enforcing",
		Normalize:        "trim",
	})
	if res.Status != statusPass {
		t.Fatalf("status = %s, want PASS", res.Status)
	}
	if res.AutomatedCheckID != "c1" {
		t.Fatalf("check id = %s", res.AutomatedCheckID)
	}

	res = svc.executeCheck(context.Background(), pendingCheck{Command: "boom"})
	if res.Status != statusError {
		t.Fatalf("status = %s, want ERROR", res.Status)
	}
	if res.ErrorMessage == "" || res.Output != "partial output" {
		t.Fatalf("error result = %+v, want message and captured output", res)
	}

	res = svc.executeCheck(context.Background(), pendingCheck{Title: "empty"})
	if res.Status != statusError {
		t.Fatalf("status = %s, want ERROR for missing command", res.Status)
	}
}

func TestExecuteCheckPlatformScope(t *testing.T) {
	svc := &Service{
		run: func(ctx context.Context, command string) (string, error) {
			t.Fatal("out-of-scope check must not execute")
			return "", nil
		},
	}

	res := svc.executeCheck(context.Background(), pendingCheck{
		Command:       "reg query",
		PlatformScope: "windows",
	})
	if res.Status != statusSkipped {
		t.Fatalf("status = %s, want SKIPPED", res.Status)
	}
}

func TestExecuteCheckScriptType(t *testing.T) {
	var executed string
	svc := &Service{
		run: func(ctx context.Context, command string) (string, error) {
			executed = command
			return "ok", nil
		},
	}

	svc.executeCheck(context.Background(), pendingCheck{
		CheckType: "script",
		Command:   "ignored",
		Script:    "#!/bin/sh\necho ok",
	})
	if !strings.HasPrefix(executed, "#!/bin/sh") {
		t.Fatalf("executed %q, want the script body", executed)
	}
}

func TestApplyParser(t *testing.T) {
	if got := applyParser("", "line_count"); got != "0" {
		t.Fatalf("empty line_count = %q, want 0", got)
	}
	if got := applyParser("only\n", "last_line"); got != "only" {
		t.Fatalf("last_line = %q", got)
	}
}

func TestPlatformMatches(t *testing.T) {
	if !platformMatches("") || !platformMatches("any") {
		t.Fatal("empty and any scopes must always match")
	}
	if platformMatches("windows") {
		t.Fatal("windows scope must not match this platform")
	}
}
