package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.conf")

	in := Config{
		API:      "https://warden.internal",
		Token:    "secret",
		ServerID: "2f9f7a3e-0000-0000-0000-000000000000",
	}
	if err := saveConfig(path, in); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 0600", perm)
	}

	out, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestNewServiceValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		return path
	}

	if _, err := NewService(filepath.Join(dir, "missing.conf")); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := NewService(write("noapi.conf", `{"enroll_token":"x"}`)); err == nil {
		t.Fatal("expected error for missing api")
	}
	if _, err := NewService(write("http.conf", `{"api":"http://warden.internal","enroll_token":"x"}`)); err == nil {
		t.Fatal("expected error for plain http api")
	}
	if _, err := NewService(write("nocreds.conf", `{"api":"https://warden.internal"}`)); err == nil {
		t.Fatal("expected error without token or enroll_token")
	}

	svc, err := NewService(write("ok.conf", `{"api":"https://warden.internal","enroll_token":"x"}`))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.client.baseURL != "https://warden.internal" {
		t.Fatalf("baseURL = %q", svc.client.baseURL)
	}
}

func TestEnsureHTTPS(t *testing.T) {
	if err := ensureHTTPS("https://warden.internal", false); err != nil {
		t.Fatalf("https rejected: %v", err)
	}
	if err := ensureHTTPS("http://warden.internal", false); err == nil {
		t.Fatal("http accepted without override")
	}
	if err := ensureHTTPS("http://localhost:8080", true); err != nil {
		t.Fatalf("http rejected despite override: %v", err)
	}
}
