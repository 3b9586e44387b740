package inventory

import (
	"reflect"
	"testing"
)

func TestComputeDiff(t *testing.T) {
	previous := map[string]any{
		"kernel":   "5.14.0-362",
		"packages": float64(812),
		"sshd":     "running",
	}
	current := map[string]any{
		"kernel":   "5.14.0-427",
		"packages": float64(812),
		"firewall": "enabled",
	}

	diff := computeDiff(previous, current)

	want := map[string]map[string]any{
		"kernel":   {"old": "5.14.0-362", "new": "5.14.0-427"},
		"sshd":     {"old": "running", "new": nil},
		"firewall": {"old": nil, "new": "enabled"},
	}
	if !reflect.DeepEqual(diff, want) {
		t.Fatalf("diff = %#v, want %#v", diff, want)
	}
}

func TestComputeDiffIdenticalSnapshots(t *testing.T) {
	snapshot := map[string]any{"kernel": "5.14.0", "selinux": "enforcing"}
	if diff := computeDiff(snapshot, snapshot); len(diff) != 0 {
		t.Fatalf("diff = %#v, want empty", diff)
	}
}

func TestComputeDiffNilMaps(t *testing.T) {
	diff := computeDiff(nil, map[string]any{"kernel": "5.14.0"})
	if len(diff) != 1 || diff["kernel"]["old"] != nil {
		t.Fatalf("diff = %#v", diff)
	}
	if diff = computeDiff(nil, nil); len(diff) != 0 {
		t.Fatalf("diff = %#v, want empty", diff)
	}
}

func TestNewIngestorValidation(t *testing.T) {
	if _, err := NewIngestor(nil, nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
