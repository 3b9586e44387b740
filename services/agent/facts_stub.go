//go:build !linux

package agent

import (
	"os"
	"runtime"
	"time"
)

// Non-Linux builds exist for development only; the collectors degrade to
// minimal snapshots instead of refusing to run.

func collectMetrics() (map[string]any, error) {
	return map[string]any{
		"cpu_percent":      0.0,
		"mem_used_bytes":   0,
		"mem_total_bytes":  0,
		"disk_used_bytes":  0,
		"disk_total_bytes": 0,
	}, nil
}

func collectInventory() map[string]any {
	snapshot := map[string]any{
		"collected_at": time.Now().UTC().Format(time.RFC3339),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		snapshot["hostname"] = hostname
	}
	return snapshot
}

func osInfoString() string { return runtime.GOOS }

func osReleaseID() string { return runtime.GOOS }
