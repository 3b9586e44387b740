// Package ctl implements the HTTP client behind the wardenctl command line
// tool. It talks to the warden API with the operator-facing endpoints only;
// agent endpoints require an agent identity and are out of reach here.
package ctl

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

const requestTimeout = 30 * time.Second

// Client calls the warden API on behalf of an operator.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the API at baseURL.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base url is required")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}, nil
}

// CreateServer registers a server and returns the API response, which carries
// the single-use enroll token.
func (c *Client) CreateServer(ctx context.Context, name, address string) (map[string]any, error) {
	return c.postJSON(ctx, "/v1/servers", map[string]any{
		"name":    name,
		"address": address,
	})
}

// ListServers returns the registered server inventory.
func (c *Client) ListServers(ctx context.Context) ([]map[string]any, error) {
	return c.getList(ctx, "/v1/servers")
}

// ImportTemplate uploads a template document read from r. The API validates
// and safety-screens the document before persisting a new version.
func (c *Client) ImportTemplate(ctx context.Context, r io.Reader) (map[string]any, error) {
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return c.postRaw(ctx, "/v1/templates/import", doc)
}

// ListTemplates returns all template versions.
func (c *Client) ListTemplates(ctx context.Context) ([]map[string]any, error) {
	return c.getList(ctx, "/v1/templates")
}

// ExportTemplate fetches a full template document by version id.
func (c *Client) ExportTemplate(ctx context.Context, templateVersionID string) (map[string]any, error) {
	return c.getJSON(ctx, "/v1/templates/"+templateVersionID+"/export")
}

// StartAudit starts an audit run of a template version against a server.
func (c *Client) StartAudit(ctx context.Context, serverID, templateVersionID string, excludedControls []string) (map[string]any, error) {
	return c.postJSON(ctx, "/v1/audits", map[string]any{
		"server_id":            serverID,
		"template_version_id":  templateVersionID,
		"excluded_control_ids": excludedControls,
	})
}

// AuditProgress returns the live progress report for an audit run.
func (c *Client) AuditProgress(ctx context.Context, auditRunID string) (map[string]any, error) {
	return c.getJSON(ctx, "/v1/audits/"+auditRunID+"/progress")
}

// Adhoc dispatches a one-off check to a server and blocks until the agent
// reports a result or the server-side wait expires.
func (c *Client) Adhoc(ctx context.Context, serverID, title, command, script string) (map[string]any, error) {
	return c.postJSON(ctx, "/v1/servers/"+serverID+"/adhoc", map[string]any{
		"title":   title,
		"command": command,
		"script":  script,
	})
}

func (c *Client) postJSON(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.postRaw(ctx, path, body)
}

func (c *Client) postRaw(ctx context.Context, path string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getList(ctx context.Context, path string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string   `json:"error"`
			Reasons []string `json:"reasons"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if len(apiErr.Reasons) > 0 {
				return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error, strings.Join(apiErr.Reasons, "; "))
			}
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
