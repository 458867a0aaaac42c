// Package agentclient talks to a running agent over its local HTTP API.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"optrack/driver-agent/internal/app"
	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/syncer"
	"optrack/driver-agent/internal/tracker"
)

const (
	defaultAgentAddr = "127.0.0.1:8470"
	defaultUserAgent = "optrack/0.1"
	// Logout runs a final sync, so it needs more than the usual budget.
	requestTimeout = 20 * time.Second
)

// APIError is a non-2xx answer from the agent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned status %d", e.Status)
	}
	return e.Message
}

// Client talks to the agent HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient builds a Client for the agent listening on addr (host:port or URL).
func NewClient(addr string) (*Client, error) {
	base, err := parseBaseURL(addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: defaultUserAgent,
	}, nil
}

// State fetches the agent snapshot.
func (c *Client) State(ctx context.Context) (app.State, error) {
	var st app.State
	_, err := c.do(ctx, http.MethodGet, "/api/state", nil, &st)
	return st, err
}

// Login authenticates the operator and returns the greeting and profile.
func (c *Client) Login(ctx context.Context, identifier, secret string) (string, model.Profile, error) {
	var profile model.Profile
	body := map[string]string{"identifier": identifier, "secret": secret}
	msg, err := c.do(ctx, http.MethodPost, "/api/login", body, &profile)
	return msg, profile, err
}

// Logout ends the session on the agent.
func (c *Client) Logout(ctx context.Context) (string, error) {
	return c.do(ctx, http.MethodPost, "/api/logout", nil, nil)
}

// Press toggles the operation behind an operational button.
func (c *Client) Press(ctx context.Context, buttonID string) (tracker.Transition, error) {
	var tr tracker.Transition
	path := "/api/buttons/" + url.PathEscape(strings.TrimSpace(buttonID)) + "/press"
	_, err := c.do(ctx, http.MethodPost, path, nil, &tr)
	return tr, err
}

// Sync asks the agent for an immediate sync. A failed attempt still returns its Result.
func (c *Client) Sync(ctx context.Context) (syncer.Result, error) {
	var res syncer.Result
	_, err := c.do(ctx, http.MethodPost, "/api/sync", nil, &res)
	return res, err
}

// Activity records operator activity.
func (c *Client) Activity(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/activity", nil, nil)
	return err
}

// RestartLocation resumes location sampling after a provider error.
func (c *Client) RestartLocation(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/location/restart", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) (string, error) {
	if c == nil {
		return "", fmt.Errorf("client is nil")
	}
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Message = env.Message
			if dest != nil && len(env.Data) > 0 {
				_ = json.Unmarshal(env.Data, dest)
			}
		}
		return "", apiErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return "", fmt.Errorf("decode response data: %w", err)
		}
	}
	return env.Message, nil
}

func parseBaseURL(addr string) (*url.URL, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		trimmed = defaultAgentAddr
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse agent address %q: %w", addr, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
