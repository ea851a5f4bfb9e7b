package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a verigate instance.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	ServiceKey string // Value for the X-Service-Key header
}

// Client is an HTTP client for the verigate service API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// do sends a request and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ServiceKey != "" {
		req.Header.Set("X-Service-Key", c.cfg.ServiceKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func hoursQuery(hours int) url.Values {
	if hours <= 0 {
		return nil
	}
	return url.Values{"hours": {strconv.Itoa(hours)}}
}

// Status returns the operational status and active configuration.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/security/status", nil)
}

// RiskScoreStats returns score aggregates for the last hours.
func (c *Client) RiskScoreStats(ctx context.Context, hours int) (json.RawMessage, error) {
	return c.get(ctx, "/v1/security/metrics/risk-scores", hoursQuery(hours))
}

// ThreatStats returns threat aggregates for the last hours.
func (c *Client) ThreatStats(ctx context.Context, hours int) (json.RawMessage, error) {
	return c.get(ctx, "/v1/security/metrics/threats", hoursQuery(hours))
}

// SessionStats returns session counts for the last day.
func (c *Client) SessionStats(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/security/metrics/sessions", nil)
}

// SessionRisk returns the live risk snapshot of one session.
func (c *Client) SessionRisk(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/security/live/session/"+url.PathEscape(sessionID), nil)
}

// OpenSession creates a session for identityID and returns the token pair.
func (c *Client) OpenSession(ctx context.Context, identityID, kind string, permissions []string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/sessions", nil, map[string]any{
		"identity_id":   identityID,
		"identity_kind": kind,
		"permissions":   permissions,
	})
}
