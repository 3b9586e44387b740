//go:build linux

package agent

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// collectMetrics samples the host's resource usage for a metrics report.
func collectMetrics() (map[string]any, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	memTotal := uint64(si.Totalram) * unit
	memUsed := memTotal - uint64(si.Freeram)*unit - uint64(si.Bufferram)*unit

	var fs unix.Statfs_t
	var diskTotal, diskUsed uint64
	if err := unix.Statfs("/", &fs); err == nil {
		diskTotal = fs.Blocks * uint64(fs.Bsize)
		diskUsed = diskTotal - fs.Bavail*uint64(fs.Bsize)
	}

	netIn, netOut := readNetCounters()

	const loadScale = 65536.0
	return map[string]any{
		"cpu_percent":     cpuPercent(),
		"mem_used_bytes":  memUsed,
		"mem_total_bytes": memTotal,
		"disk_used_bytes": diskUsed,
		"disk_total_bytes": diskTotal,
		"net_in_bytes":    netIn,
		"net_out_bytes":   netOut,
		"load_avg_1":      float64(si.Loads[0]) / loadScale,
		"load_avg_5":      float64(si.Loads[1]) / loadScale,
		"load_avg_15":     float64(si.Loads[2]) / loadScale,
	}, nil
}

var cpuMu sync.Mutex
var lastCPUBusy, lastCPUTotal uint64

// cpuPercent derives utilisation from /proc/stat deltas between calls. The
// first call has no baseline and reports zero.
func cpuPercent() float64 {
	busy, total, err := readCPUStat()
	if err != nil {
		return 0
	}

	cpuMu.Lock()
	defer cpuMu.Unlock()

	prevBusy, prevTotal := lastCPUBusy, lastCPUTotal
	lastCPUBusy, lastCPUTotal = busy, total

	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	return 100 * float64(busy-prevBusy) / float64(total-prevTotal)
}

func readCPUStat() (busy, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat line %q", scanner.Text())
	}

	var values []uint64
	for _, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			break
		}
		values = append(values, v)
	}
	for i, v := range values {
		total += v
		// Index 3 is idle, 4 is iowait; everything else counts as busy.
		if i != 3 && i != 4 {
			busy += v
		}
	}
	return busy, total, nil
}

func readNetCounters() (in, out uint64) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		if rx, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			in += rx
		}
		if tx, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			out += tx
		}
	}
	return in, out
}

// collectInventory builds the configuration snapshot reported alongside
// metrics.
func collectInventory() map[string]any {
	snapshot := map[string]any{
		"collected_at": time.Now().UTC().Format(time.RFC3339),
		"selinux":      readSELinuxStatus(),
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		snapshot["kernel"] = utsString(uts.Release)
		snapshot["arch"] = utsString(uts.Machine)
	}
	if hostname, err := os.Hostname(); err == nil {
		snapshot["hostname"] = hostname
	}
	if pretty := osReleaseField("PRETTY_NAME"); pretty != "" {
		snapshot["os"] = pretty
	}
	return snapshot
}

func osInfoString() string {
	if pretty := osReleaseField("PRETTY_NAME"); pretty != "" {
		return pretty
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		return utsString(uts.Sysname) + " " + utsString(uts.Release)
	}
	return "linux"
}

func osReleaseID() string {
	return strings.ToLower(osReleaseField("ID"))
}

func osReleaseField(key string) string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, key+"=") {
			continue
		}
		return strings.Trim(strings.TrimPrefix(line, key+"="), `"`)
	}
	return ""
}

func readSELinuxStatus() string {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return "disabled"
	}
	switch strings.TrimSpace(string(data)) {
	case "1":
		return "enforcing"
	case "0":
		return "permissive"
	default:
		return strings.TrimSpace(string(data))
	}
}

func utsString(field [65]byte) string {
	end := 0
	for end < len(field) && field[end] != 0 {
		end++
	}
	return string(field[:end])
}
