package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	// ConfigPath is where the agent expects to find its JSON configuration file.
	ConfigPath = "/etc/warden/agent.conf"

	defaultStateDir = "/var/lib/warden"
)

// Config represents the agent configuration stored on disk. An agent ships
// with an enroll token; after enrollment the permanent token and server id are
// written back so the enroll token is never needed again.
type Config struct {
	API         string `json:"api"`
	EnrollToken string `json:"enroll_token,omitempty"`
	Token       string `json:"token,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// The file carries the agent token; keep it out of other users' reach.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func allowInsecureHTTP() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("WARDEN_ALLOW_INSECURE_HTTP")))
	switch value {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse api url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http", "":
		if allowInsecure {
			return nil
		}
		if parsed.Scheme == "" {
			return fmt.Errorf("api url must include https scheme")
		}
		return fmt.Errorf("api url must use https: %s", raw)
	default:
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("api url must use https: %s", raw)
	}
}
