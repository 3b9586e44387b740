package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testORM(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "monitor.db")
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := orm.AutoMigrate(&serverModel{}, &identityModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return orm
}

func seedServer(t *testing.T, orm *gorm.DB, status string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	server := serverModel{ID: id, Name: "srv-" + id.String()[:8], Status: status}
	if err := orm.Create(&server).Error; err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return id
}

func TestIngestFlipsServerOnline(t *testing.T) {
	orm := testORM(t)
	m, err := New(orm, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	serverID := seedServer(t, orm, "ENROLLED")

	if err := m.Ingest(context.Background(), serverID, Metrics{CPUPercent: 10}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var server serverModel
	if err := orm.First(&server, "id = ?", serverID).Error; err != nil {
		t.Fatalf("load server: %v", err)
	}
	if server.Status != statusOnline {
		t.Fatalf("status = %s, want ONLINE", server.Status)
	}
}

func TestMovedGatesOnOnePercentagePoint(t *testing.T) {
	cases := []struct {
		name string
		prev sample
		cur  sample
		want bool
	}{
		{"identical", sample{cpuPct: 50}, sample{cpuPct: 50}, false},
		{"sub-point cpu drift", sample{cpuPct: 50}, sample{cpuPct: 50.9}, false},
		{"exactly one point", sample{cpuPct: 50}, sample{cpuPct: 51}, false},
		{"over one point", sample{cpuPct: 50}, sample{cpuPct: 51.5}, true},
		{"memory move", sample{memPct: 40}, sample{memPct: 38.5}, true},
		{"disk move", sample{diskPct: 70}, sample{diskPct: 72}, true},
	}
	for _, tc := range cases {
		if got := moved(tc.prev, tc.cur); got != tc.want {
			t.Fatalf("%s: moved = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestThresholdAlerts(t *testing.T) {
	alerts := thresholdAlerts(sample{cpuPct: 95, memPct: 82, diskPct: 50})
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2: %+v", len(alerts), alerts)
	}
	if alerts[0].metric != "cpu" || alerts[0].level != "critical" {
		t.Fatalf("cpu alert = %+v", alerts[0])
	}
	if alerts[1].metric != "memory" || alerts[1].level != "warning" {
		t.Fatalf("memory alert = %+v", alerts[1])
	}

	// Disk warns earlier than cpu and memory.
	alerts = thresholdAlerts(sample{diskPct: 86})
	if len(alerts) != 1 || alerts[0].metric != "disk" || alerts[0].level != "warning" {
		t.Fatalf("disk alerts = %+v", alerts)
	}

	if alerts := thresholdAlerts(sample{cpuPct: 79.9, memPct: 79.9, diskPct: 84.9}); alerts != nil {
		t.Fatalf("unexpected alerts below thresholds: %+v", alerts)
	}
}

func TestSweepOfflineMarksSilentServers(t *testing.T) {
	orm := testORM(t)
	m, err := New(orm, nil, nil, 5*time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	silentID := seedServer(t, orm, statusOnline)
	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := orm.Create(&identityModel{ID: uuid.New(), ServerID: silentID, LastSeenAt: &stale}).Error; err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	activeID := seedServer(t, orm, statusOnline)
	fresh := time.Now().UTC()
	if err := orm.Create(&identityModel{ID: uuid.New(), ServerID: activeID, LastSeenAt: &fresh}).Error; err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	if err := m.SweepOffline(context.Background()); err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}

	var silent, active serverModel
	if err := orm.First(&silent, "id = ?", silentID).Error; err != nil {
		t.Fatalf("load silent: %v", err)
	}
	if err := orm.First(&active, "id = ?", activeID).Error; err != nil {
		t.Fatalf("load active: %v", err)
	}
	if silent.Status != statusOffline {
		t.Fatalf("silent server status = %s, want OFFLINE", silent.Status)
	}
	if active.Status != statusOnline {
		t.Fatalf("active server status = %s, want ONLINE", active.Status)
	}
}

func TestSweepOfflineIgnoresNonOnlineServers(t *testing.T) {
	orm := testORM(t)
	m, err := New(orm, nil, nil, 5*time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	enrolledID := seedServer(t, orm, "ENROLLED")
	if err := orm.Create(&identityModel{ID: uuid.New(), ServerID: enrolledID}).Error; err != nil {
		t.Fatalf("seed identity: %v", err)
	}

	if err := m.SweepOffline(context.Background()); err != nil {
		t.Fatalf("SweepOffline: %v", err)
	}

	var server serverModel
	if err := orm.First(&server, "id = ?", enrolledID).Error; err != nil {
		t.Fatalf("load server: %v", err)
	}
	if server.Status != "ENROLLED" {
		t.Fatalf("status = %s, want ENROLLED untouched", server.Status)
	}
}

func TestPct(t *testing.T) {
	if got := pct(512, 1024); got != 50 {
		t.Fatalf("pct = %v, want 50", got)
	}
	if got := pct(1, 0); got != 0 {
		t.Fatalf("pct with zero total = %v, want 0", got)
	}
}
