package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"warden/pkg/cmdsafety"
	"warden/services/dispatch"
	"warden/services/monitor"
	"warden/services/orchestrator"
)

type testEnv struct {
	api     *API
	router  http.Handler
	orm     *gorm.DB
	dispatc *dispatch.Dispatcher
}

func newTestEnv(t *testing.T, adhocWait time.Duration) *testEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "api.db")
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := orchestrator.AutoMigrate(orm); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine, err := orchestrator.NewEngine(orm, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	mon, err := monitor.New(orm, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	dispatcher := dispatch.NewDispatcher(adhocWait)

	a, err := New(&Store{ORM: orm}, engine, dispatcher, mon, cmdsafety.New(), nil, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	router, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}

	return &testEnv{api: a, router: router, orm: orm, dispatc: dispatcher}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(agentTokenHeader, token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func (e *testEnv) createServer(t *testing.T, name string) (serverID, enrollToken string) {
	t.Helper()
	rec, payload := e.do(t, http.MethodPost, "/v1/servers", "", map[string]any{"name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create server: %d %s", rec.Code, rec.Body.String())
	}
	server := payload["server"].(map[string]any)
	return server["id"].(string), payload["enroll_token"].(string)
}

func (e *testEnv) enroll(t *testing.T, enrollToken string) (serverID, agentToken string) {
	t.Helper()
	rec, payload := e.do(t, http.MethodPost, "/v1/agent/enroll", "", map[string]any{
		"enroll_token": enrollToken,
		"version":      "1.0.0",
		"os_info":      "Rocky Linux 9.4",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll: %d %s", rec.Code, rec.Body.String())
	}
	return payload["server_id"].(string), payload["agent_token"].(string)
}

func (e *testEnv) goOnline(t *testing.T, serverID, agentToken string) {
	t.Helper()
	rec, _ := e.do(t, http.MethodPost, "/v1/agent/"+serverID+"/metrics", agentToken, map[string]any{
		"cpu_percent":     12.5,
		"mem_used_bytes":  2048,
		"mem_total_bytes": 8192,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func sampleTemplate(name string) map[string]any {
	return map[string]any{
		"name": name,
		"controls": []map[string]any{
			{
				"code":     "1.1",
				"title":    "SSH root login disabled",
				"severity": "HIGH",
				"automated_checks": []map[string]any{
					{
						"title":           "permitrootlogin",
						"command":         "sshd -T",
						"expected_result": "permitrootlogin no",
						"comparison":      "contains",
					},
				},
				"manual_checks": []map[string]any{
					{"title": "review emergency access procedure", "requires_approval": true},
				},
			},
		},
	}
}

func (e *testEnv) importTemplate(t *testing.T, name string) string {
	t.Helper()
	rec, payload := e.do(t, http.MethodPost, "/v1/templates/import", "", sampleTemplate(name))
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}
	version := payload["template_version"].(map[string]any)
	return version["id"].(string)
}

func TestServerEnrollmentLifecycle(t *testing.T) {
	env := newTestEnv(t, time.Second)

	serverID, enrollToken := env.createServer(t, "web-01")

	enrolledID, agentToken := env.enroll(t, enrollToken)
	if enrolledID != serverID {
		t.Fatalf("enrolled id = %s, want %s", enrolledID, serverID)
	}
	if agentToken == "" || agentToken == enrollToken {
		t.Fatalf("agent token %q must be a fresh secret", agentToken)
	}

	// The enroll token is single use.
	rec, _ := env.do(t, http.MethodPost, "/v1/agent/enroll", "", map[string]any{
		"enroll_token": enrollToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed enroll: %d, want 401", rec.Code)
	}

	rec, payload := env.do(t, http.MethodGet, "/v1/servers/"+serverID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get server: %d", rec.Code)
	}
	if status := payload["server"].(map[string]any)["status"]; status != "ENROLLED" {
		t.Fatalf("status = %v, want ENROLLED", status)
	}
}

func TestAgentEndpointsRequireValidToken(t *testing.T) {
	env := newTestEnv(t, time.Second)
	serverID, enrollToken := env.createServer(t, "web-01")
	env.enroll(t, enrollToken)

	cases := []string{"", "not-the-token"}
	for _, token := range cases {
		rec, _ := env.do(t, http.MethodPost, "/v1/agent/"+serverID+"/metrics", token, map[string]any{
			"cpu_percent": 1.0,
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: %d, want 401", token, rec.Code)
		}
	}
}

func TestMetricsMarkServerOnline(t *testing.T) {
	env := newTestEnv(t, time.Second)
	serverID, enrollToken := env.createServer(t, "web-01")
	_, agentToken := env.enroll(t, enrollToken)

	env.goOnline(t, serverID, agentToken)

	rec, payload := env.do(t, http.MethodGet, "/v1/servers/"+serverID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get server: %d", rec.Code)
	}
	if status := payload["server"].(map[string]any)["status"]; status != "ONLINE" {
		t.Fatalf("status = %v, want ONLINE", status)
	}
}

func TestTemplateImportScreensCommands(t *testing.T) {
	env := newTestEnv(t, time.Second)

	doc := sampleTemplate("hostile")
	controls := doc["controls"].([]map[string]any)
	controls[0]["automated_checks"] = []map[string]any{
		{"title": "cleanup", "command": "rm -rf /var/log"},
		{"title": "tweak", "command": "echo 1 > /proc/sys/net/ipv4/ip_forward"},
	}

	rec, payload := env.do(t, http.MethodPost, "/v1/templates/import", "", doc)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("import: %d, want 400", rec.Code)
	}
	violations := payload["violations"].([]any)
	if len(violations) != 2 {
		t.Fatalf("violations = %v, want both offending checks", violations)
	}

	// Nothing was persisted.
	rec, payload = env.do(t, http.MethodGet, "/v1/templates", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if got := payload["template_versions"].([]any); len(got) != 0 {
		t.Fatalf("templates persisted despite violations: %v", got)
	}
}

func TestTemplateImportExportRoundTrip(t *testing.T) {
	env := newTestEnv(t, time.Second)

	versionID := env.importTemplate(t, "cis-rocky9")

	// Importing the same name again bumps the version.
	env.importTemplate(t, "cis-rocky9")
	rec, payload := env.do(t, http.MethodGet, "/v1/templates", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	versions := payload["template_versions"].([]any)
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if v := versions[0].(map[string]any)["version"].(float64); v != 2 {
		t.Fatalf("latest version = %v, want 2", v)
	}

	rec, payload = env.do(t, http.MethodGet, "/v1/templates/"+versionID+"/export", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	doc := payload["template"].(map[string]any)
	if doc["name"] != "cis-rocky9" {
		t.Fatalf("exported name = %v", doc["name"])
	}
	exported := doc["controls"].([]any)
	if len(exported) != 1 {
		t.Fatalf("controls = %d, want 1", len(exported))
	}
	control := exported[0].(map[string]any)
	if len(control["automated_checks"].([]any)) != 1 || len(control["manual_checks"].([]any)) != 1 {
		t.Fatalf("exported control = %v", control)
	}
}

func TestAuditLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, time.Second)

	versionID := env.importTemplate(t, "cis-rocky9")
	serverID, enrollToken := env.createServer(t, "web-01")
	_, agentToken := env.enroll(t, enrollToken)
	env.goOnline(t, serverID, agentToken)

	rec, payload := env.do(t, http.MethodPost, "/v1/audits", "", map[string]any{
		"server_id":           serverID,
		"template_version_id": versionID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start audit: %d %s", rec.Code, rec.Body.String())
	}
	run := payload["audit_run"].(map[string]any)
	runID := run["id"].(string)
	if run["status"] != "RUNNING" {
		t.Fatalf("run status = %v, want RUNNING", run["status"])
	}

	// The agent polls and owes exactly the one automated check.
	rec, payload = env.do(t, http.MethodGet, "/v1/agent/"+serverID+"/audit/pending", agentToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending: %d %s", rec.Code, rec.Body.String())
	}
	checks := payload["checks"].([]any)
	if len(checks) != 1 {
		t.Fatalf("pending = %d, want 1", len(checks))
	}
	check := checks[0].(map[string]any)
	if check["audit_run_id"] != runID {
		t.Fatalf("pending run = %v, want %s", check["audit_run_id"], runID)
	}

	rec, payload = env.do(t, http.MethodPost,
		fmt.Sprintf("/v1/agent/%s/audit/%s/results", serverID, runID), agentToken,
		map[string]any{"results": []map[string]any{
			{"automated_check_id": check["automated_check_id"], "status": "PASS", "output": "permitrootlogin no"},
		}})
	if rec.Code != http.StatusOK {
		t.Fatalf("results: %d %s", rec.Code, rec.Body.String())
	}
	if payload["accepted"].(float64) != 1 {
		t.Fatalf("accepted = %v, want 1", payload["accepted"])
	}
	// Every automated check has reported, so the run completed on its own.
	if !payload["completed"].(bool) {
		t.Fatal("run did not auto-complete")
	}

	rec, payload = env.do(t, http.MethodGet, "/v1/audits/"+runID+"/progress", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: %d %s", rec.Code, rec.Body.String())
	}
	if payload["automated_ingested"].(float64) != 1 {
		t.Fatalf("ingested = %v, want 1", payload["automated_ingested"])
	}
	completed := payload["run"].(map[string]any)
	if completed["status"] != "COMPLETED" {
		t.Fatalf("run status = %v, want COMPLETED", completed["status"])
	}
	// The open manual task keeps the verdict at partial until it is worked
	// and the run rescored.
	if completed["overall_status"] != "PARTIALLY_COMPLIANT" {
		t.Fatalf("overall = %v, want PARTIALLY_COMPLIANT", completed["overall_status"])
	}
	if payload["manual_open"].(float64) != 1 {
		t.Fatalf("manual_open = %v, want 1", payload["manual_open"])
	}
}

func TestAuditReportOverHTTP(t *testing.T) {
	env := newTestEnv(t, time.Second)

	versionID := env.importTemplate(t, "cis-rocky9")
	serverID, enrollToken := env.createServer(t, "web-01")
	_, agentToken := env.enroll(t, enrollToken)
	env.goOnline(t, serverID, agentToken)

	rec, payload := env.do(t, http.MethodPost, "/v1/audits", "", map[string]any{
		"server_id":           serverID,
		"template_version_id": versionID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start audit: %d %s", rec.Code, rec.Body.String())
	}
	runID := payload["audit_run"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/v1/audits/"+runID+"/report", nil)
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("report: %d %s", out.Code, out.Body.String())
	}
	if ct := out.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q, want text/plain", ct)
	}
	body := out.Body.String()
	for _, want := range []string{"AUDIT REPORT", "web-01", "cis-rocky9 v1", "RUNNING"} {
		if !strings.Contains(body, want) {
			t.Fatalf("report missing %q:\n%s", want, body)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/audits/"+uuid.NewString()+"/report", nil)
	out = httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusNotFound {
		t.Fatalf("unknown run report = %d, want 404", out.Code)
	}
}

func TestAdhocCommandScreening(t *testing.T) {
	env := newTestEnv(t, time.Second)
	serverID, _ := env.createServer(t, "web-01")

	rec, payload := env.do(t, http.MethodPost, "/v1/servers/"+serverID+"/adhoc", "", map[string]any{
		"title":   "cleanup",
		"command": "rm -rf /var/log",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("adhoc: %d, want 400", rec.Code)
	}
	if payload["severity"] != "BLOCKED" {
		t.Fatalf("severity = %v, want BLOCKED", payload["severity"])
	}
}

func TestAdhocCommandTimesOut(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	serverID, _ := env.createServer(t, "web-01")

	rec, _ := env.do(t, http.MethodPost, "/v1/servers/"+serverID+"/adhoc", "", map[string]any{
		"title":   "kernel",
		"command": "uname -r",
	})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("adhoc: %d, want 504", rec.Code)
	}
	if n := env.dispatc.PendingWaiters(); n != 0 {
		t.Fatalf("%d waiters left after timeout", n)
	}
}

func TestAdhocRoundTripOverHTTP(t *testing.T) {
	env := newTestEnv(t, 5*time.Second)
	serverID, enrollToken := env.createServer(t, "web-01")
	_, agentToken := env.enroll(t, enrollToken)

	type adhocResponse struct {
		code    int
		payload map[string]any
	}
	respCh := make(chan adhocResponse, 1)
	go func() {
		rec, payload := env.do(t, http.MethodPost, "/v1/servers/"+serverID+"/adhoc", "", map[string]any{
			"title":   "kernel",
			"command": "uname -r",
		})
		respCh <- adhocResponse{code: rec.Code, payload: payload}
	}()

	// Poll as the agent until the ad-hoc entry appears.
	var correlationID string
	deadline := time.Now().Add(2 * time.Second)
	for correlationID == "" {
		if time.Now().After(deadline) {
			t.Fatal("ad-hoc entry never appeared in a poll")
		}
		rec, payload := env.do(t, http.MethodGet, "/v1/agent/"+serverID+"/audit/pending", agentToken, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("pending: %d %s", rec.Code, rec.Body.String())
		}
		for _, raw := range payload["checks"].([]any) {
			item := raw.(map[string]any)
			if item["audit_run_id"] == adhocRunID {
				correlationID = item["automated_check_id"].(string)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, payload := env.do(t, http.MethodPost,
		fmt.Sprintf("/v1/agent/%s/audit/%s/results", serverID, adhocRunID), agentToken,
		map[string]any{"results": []map[string]any{
			{"automated_check_id": correlationID, "status": "PASS", "output": "5.14.0"},
		}})
	if rec.Code != http.StatusOK {
		t.Fatalf("adhoc results: %d %s", rec.Code, rec.Body.String())
	}
	if payload["delivered"].(float64) != 1 {
		t.Fatalf("delivered = %v, want 1", payload["delivered"])
	}

	resp := <-respCh
	if resp.code != http.StatusOK {
		t.Fatalf("adhoc call: %d", resp.code)
	}
	if resp.payload["status"] != "PASS" || resp.payload["output"] != "5.14.0" {
		t.Fatalf("adhoc result = %v", resp.payload)
	}

	// Posting the same correlation ID again finds nobody listening.
	rec, payload = env.do(t, http.MethodPost,
		fmt.Sprintf("/v1/agent/%s/audit/%s/results", serverID, adhocRunID), agentToken,
		map[string]any{"results": []map[string]any{
			{"automated_check_id": correlationID, "status": "PASS", "output": "5.14.0"},
		}})
	if rec.Code != http.StatusOK {
		t.Fatalf("stale results: %d", rec.Code)
	}
	if payload["stale"].(float64) != 1 {
		t.Fatalf("stale = %v, want 1", payload["stale"])
	}
}
