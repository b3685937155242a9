package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type HTTPConfig struct {
	BaseURL string `envconfig:"CRAWLHUB_PROVIDER_URL"`
	Token   string `envconfig:"CRAWLHUB_PROVIDER_TOKEN"`
}

// HTTPClient speaks a Coder-style workspace REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(cfg HTTPConfig, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: hc,
	}
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Coder-Session-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Message == "" {
			e.Message = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) Create(ctx context.Context, spiderID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v2/workspaces", map[string]string{
		"name": "spider-" + spiderID,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider returned no workspace id")
	}
	return resp.ID, nil
}

func (c *HTTPClient) transition(ctx context.Context, workspaceID, transition string) error {
	return c.do(ctx, http.MethodPost, "/api/v2/workspaces/"+url.PathEscape(workspaceID)+"/builds",
		map[string]string{"transition": transition}, nil)
}

func (c *HTTPClient) Start(ctx context.Context, workspaceID string) error {
	return c.transition(ctx, workspaceID, "start")
}

func (c *HTTPClient) Stop(ctx context.Context, workspaceID string) error {
	return c.transition(ctx, workspaceID, "stop")
}

func (c *HTTPClient) Status(ctx context.Context, workspaceID string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/v2/workspaces/"+url.PathEscape(workspaceID)+"/status", nil, &st)
	return st, err
}
