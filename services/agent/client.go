package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const agentTokenHeader = "X-Agent-Token"

// pendingCheck is one unit of work from a poll response. Ad-hoc entries carry
// "ADHOC" in AuditRunID and a correlation ID in AutomatedCheckID.
type pendingCheck struct {
	AuditRunID       string `json:"audit_run_id"`
	AutomatedCheckID string `json:"automated_check_id"`
	ControlID        string `json:"control_id,omitempty"`
	Title            string `json:"title"`
	Command          string `json:"command,omitempty"`
	Script           string `json:"script,omitempty"`
	ExpectedResult   string `json:"expected_result,omitempty"`
	CheckType        string `json:"check_type,omitempty"`
	Comparison       string `json:"comparison,omitempty"`
	Parser           string `json:"parser,omitempty"`
	Normalize        string `json:"normalize,omitempty"`
	OnFailMessage    string `json:"on_fail_message,omitempty"`
	PlatformScope    string `json:"platform_scope,omitempty"`
}

type checkResult struct {
	AutomatedCheckID string `json:"automated_check_id"`
	Status           string `json:"status"`
	Output           string `json:"output"`
	ErrorMessage     string `json:"error_message"`
}

// client talks to the warden control plane on the agent's behalf.
type client struct {
	http     *http.Client
	baseURL  string
	token    string
	serverID string
}

func newClient(cfg Config) *client {
	return &client{
		http:     &http.Client{Timeout: 15 * time.Second},
		baseURL:  strings.TrimRight(cfg.API, "/"),
		token:    cfg.Token,
		serverID: cfg.ServerID,
	}
}

// enroll exchanges the single-use enroll token for a permanent agent token.
func (c *client) enroll(ctx context.Context, enrollToken, version, osInfo string) (serverID, agentToken string, err error) {
	payload := map[string]any{
		"enroll_token": enrollToken,
		"version":      version,
		"os_info":      osInfo,
	}

	var resp struct {
		ServerID   string `json:"server_id"`
		AgentToken string `json:"agent_token"`
	}
	if err := c.postJSON(ctx, "/v1/agent/enroll", payload, &resp); err != nil {
		return "", "", err
	}
	if resp.ServerID == "" || resp.AgentToken == "" {
		return "", "", errors.New("enroll response incomplete")
	}
	return resp.ServerID, resp.AgentToken, nil
}

func (c *client) postMetrics(ctx context.Context, sample map[string]any) error {
	return c.postJSON(ctx, fmt.Sprintf("/v1/agent/%s/metrics", c.serverID), sample, nil)
}

func (c *client) postInventory(ctx context.Context, snapshot map[string]any) error {
	return c.postJSON(ctx, fmt.Sprintf("/v1/agent/%s/inventory", c.serverID),
		map[string]any{"snapshot": snapshot}, nil)
}

func (c *client) fetchPending(ctx context.Context) ([]pendingCheck, error) {
	var resp struct {
		Checks []pendingCheck `json:"checks"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/agent/%s/audit/pending", c.serverID), &resp); err != nil {
		return nil, err
	}
	return resp.Checks, nil
}

func (c *client) postResults(ctx context.Context, auditRunID string, results []checkResult) error {
	return c.postJSON(ctx, fmt.Sprintf("/v1/agent/%s/audit/%s/results", c.serverID, auditRunID),
		map[string]any{"results": results}, nil)
}

func (c *client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	if token := strings.TrimSpace(c.token); token != "" {
		req.Header.Set(agentTokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s unexpected status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
