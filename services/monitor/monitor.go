package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"warden/pkg/bus"
)

// Threshold levels for resource alerts.
const (
	cpuWarnPct      = 80.0
	cpuCritPct      = 90.0
	memWarnPct      = 80.0
	memCritPct      = 90.0
	diskWarnPct     = 85.0
	diskCritPct     = 90.0
	liveDeltaPoints = 1.0
)

// DefaultOfflineWindow is how long a server may go without metrics before the
// sweep marks it OFFLINE.
const DefaultOfflineWindow = 5 * time.Minute

// DefaultSweepInterval is the offline-detection cadence.
const DefaultSweepInterval = time.Minute

// Metrics is one agent-reported resource sample.
type Metrics struct {
	CPUPercent       float64          `json:"cpu_percent"`
	MemUsedBytes     uint64           `json:"mem_used_bytes"`
	MemTotalBytes    uint64           `json:"mem_total_bytes"`
	DiskUsedBytes    uint64           `json:"disk_used_bytes"`
	DiskTotalBytes   uint64           `json:"disk_total_bytes"`
	NetInBytes       uint64           `json:"net_in_bytes"`
	NetOutBytes      uint64           `json:"net_out_bytes"`
	LoadAvg1         float64          `json:"load_avg_1"`
	LoadAvg5         float64          `json:"load_avg_5"`
	LoadAvg15        float64          `json:"load_avg_15"`
	TopProcesses     []map[string]any `json:"top_processes,omitempty"`
	OpenPortsSummary string           `json:"open_ports_summary,omitempty"`
}

type sample struct {
	cpuPct  float64
	memPct  float64
	diskPct float64
}

type serverModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;uniqueIndex;not null"`
	Address   string    `gorm:"type:text"`
	Status    string    `gorm:"type:text;not null"`
	RiskLevel string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (serverModel) TableName() string { return "servers" }

type identityModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ServerID   uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	LastSeenAt *time.Time `gorm:"type:timestamptz"`
}

func (identityModel) TableName() string { return "agent_identities" }

const statusOnline = "ONLINE"
const statusOffline = "OFFLINE"

// Monitor owns the metrics-intake policy: ONLINE transitions, delta-gated
// live broadcasts, resource threshold alerts, and the offline-detection
// sweep. Last samples live in process memory; losing them only means the next
// sample broadcasts unconditionally.
type Monitor struct {
	orm    *gorm.DB
	bus    *bus.Bus
	logger *log.Logger

	window   time.Duration
	interval time.Duration

	mu   sync.Mutex
	last map[uuid.UUID]sample
}

// New creates a Monitor; zero durations fall back to the defaults.
func New(orm *gorm.DB, b *bus.Bus, logger *log.Logger, window, interval time.Duration) (*Monitor, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if window <= 0 {
		window = DefaultOfflineWindow
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		orm:      orm,
		bus:      b,
		logger:   logger,
		window:   window,
		interval: interval,
		last:     make(map[uuid.UUID]sample),
	}, nil
}

// Ingest processes one metrics sample: it flips the server ONLINE, emits a
// live broadcast when CPU, memory, or disk moved more than one percentage
// point since the previous sample, and raises threshold alerts.
func (m *Monitor) Ingest(ctx context.Context, serverID uuid.UUID, metrics Metrics) error {
	res := m.orm.WithContext(ctx).Model(&serverModel{}).
		Where("id = ? AND status <> ?", serverID, statusOnline).
		Update("status", statusOnline)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		m.publish(ctx, bus.SubjectServerOnline, map[string]any{"server_id": serverID})
	}

	cur := sample{
		cpuPct:  metrics.CPUPercent,
		memPct:  pct(metrics.MemUsedBytes, metrics.MemTotalBytes),
		diskPct: pct(metrics.DiskUsedBytes, metrics.DiskTotalBytes),
	}

	m.mu.Lock()
	prev, seen := m.last[serverID]
	m.last[serverID] = cur
	m.mu.Unlock()

	if !seen || moved(prev, cur) {
		m.publish(ctx, bus.SubjectMetricsLive, map[string]any{
			"server_id":    serverID,
			"cpu_percent":  cur.cpuPct,
			"mem_percent":  cur.memPct,
			"disk_percent": cur.diskPct,
			"load_avg_1":   metrics.LoadAvg1,
		})
	}

	for _, alert := range thresholdAlerts(cur) {
		m.publish(ctx, bus.SubjectThresholdAlert, map[string]any{
			"server_id": serverID,
			"metric":    alert.metric,
			"level":     alert.level,
			"value":     alert.value,
		})
	}

	return nil
}

// Run sweeps for silent servers until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.SweepOffline(ctx); err != nil {
				m.logf("offline sweep failed: %v", err)
			}
		}
	}
}

// SweepOffline marks ONLINE servers whose agent has not been seen within the
// window as OFFLINE.
func (m *Monitor) SweepOffline(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.window)

	var silent []serverModel
	err := m.orm.WithContext(ctx).
		Select("servers.*").
		Joins("JOIN agent_identities ON agent_identities.server_id = servers.id").
		Where("servers.status = ?", statusOnline).
		Where("agent_identities.last_seen_at IS NULL OR agent_identities.last_seen_at < ?", cutoff).
		Find(&silent).Error
	if err != nil {
		return err
	}

	for _, server := range silent {
		res := m.orm.WithContext(ctx).Model(&serverModel{}).
			Where("id = ? AND status = ?", server.ID, statusOnline).
			Update("status", statusOffline)
		if res.Error != nil {
			m.logf("offline sweep: server %s: %v", server.ID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		m.publish(ctx, bus.SubjectServerOffline, map[string]any{"server_id": server.ID})
	}

	return nil
}

type alert struct {
	metric string
	level  string
	value  float64
}

func thresholdAlerts(s sample) []alert {
	var alerts []alert
	if a, ok := classify("cpu", s.cpuPct, cpuWarnPct, cpuCritPct); ok {
		alerts = append(alerts, a)
	}
	if a, ok := classify("memory", s.memPct, memWarnPct, memCritPct); ok {
		alerts = append(alerts, a)
	}
	if a, ok := classify("disk", s.diskPct, diskWarnPct, diskCritPct); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

func classify(metric string, value, warn, crit float64) (alert, bool) {
	switch {
	case value >= crit:
		return alert{metric: metric, level: "critical", value: value}, true
	case value >= warn:
		return alert{metric: metric, level: "warning", value: value}, true
	default:
		return alert{}, false
	}
}

func moved(prev, cur sample) bool {
	return abs(cur.cpuPct-prev.cpuPct) > liveDeltaPoints ||
		abs(cur.memPct-prev.memPct) > liveDeltaPoints ||
		abs(cur.diskPct-prev.diskPct) > liveDeltaPoints
}

func pct(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(used) / float64(total)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (m *Monitor) publish(ctx context.Context, subject string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, payload); err != nil {
		m.logf("publish %s failed: %v", subject, err)
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
