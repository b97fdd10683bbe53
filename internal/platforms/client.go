package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postpilot/internal/config"
)

// PublishRequest is what the engine hands to the capability after transform.
type PublishRequest struct {
	PostID   string `json:"post_id"`
	Platform string `json:"platform"`
	Content  string `json:"content"`
	MediaKey string `json:"media_key,omitempty"`
}

// Publisher is the platform publish capability. Idempotency is the caller's
// responsibility; the engine checks status before dispatching.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (externalID string, err error)
	TestConnection(ctx context.Context, platform string) (bool, error)
}

// PublishError wraps a capability failure; the engine retries it per policy.
type PublishError struct {
	Platform string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Platform, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Client posts to a publish gateway that fronts the individual platform APIs.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Publisher = (*Client)(nil)

func NewClient(cfg config.Config) *Client {
	timeout := cfg.PublishTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.PublishBaseURL, "/"),
		apiKey:     cfg.PublishAPIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Publish sends one post to its platform and returns the platform-assigned id.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal publish request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/publish", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &PublishError{Platform: req.Platform, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &PublishError{
			Platform: req.Platform,
			Err:      fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(payload))),
		}
	}

	var parsed struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &PublishError{Platform: req.Platform, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.ExternalID == "" {
		return "", &PublishError{Platform: req.Platform, Err: fmt.Errorf("missing external id")}
	}
	return parsed.ExternalID, nil
}

// TestConnection checks credentials for one platform.
func (c *Client) TestConnection(ctx context.Context, platform string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/connections/"+platform, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
