package content

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
	"postpilot/internal/models"
)

// Completer is the content completion capability consumed by the pipeline.
// All calls have bounded timeouts; the caller applies its own retry policy.
type Completer interface {
	Clean(ctx context.Context, rawContent string) (string, error)
	ExtractInsights(ctx context.Context, content string, maxCount int) ([]models.Insight, error)
	GeneratePost(ctx context.Context, insightContent, platform string) (string, error)
}

// ExternalError wraps a capability failure so callers can tell it apart from
// programmer errors; it is retried per policy, never rejected outright.
type ExternalError struct {
	Capability string
	Err        error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s capability: %v", e.Capability, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ Completer = (*Client)(nil)

func NewClient(cfg config.Config) *Client {
	timeout := cfg.AITimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.AIBaseURL, "/"),
		model:      cfg.AIModel,
		apiKey:     cfg.AIAPIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Clean normalizes a raw transcript: filler removal, sentence repair.
func (c *Client) Clean(ctx context.Context, rawContent string) (string, error) {
	out, err := c.complete(ctx,
		"You clean raw transcripts. Remove filler words, fix sentence boundaries, keep the speaker's meaning intact. Return only the cleaned text.",
		rawContent)
	if err != nil {
		return "", &ExternalError{Capability: "clean", Err: err}
	}
	return out, nil
}

type insightDraft struct {
	Content      string `json:"content"`
	Urgency      int    `json:"urgency"`
	Relatability int    `json:"relatability"`
	Specificity  int    `json:"specificity"`
	Authority    int    `json:"authority"`
}

// ExtractInsights pulls up to maxCount scored takeaways from cleaned content.
func (c *Client) ExtractInsights(ctx context.Context, content string, maxCount int) ([]models.Insight, error) {
	prompt := fmt.Sprintf(
		"Extract up to %d distinct insights from the following content. Respond with a JSON array of objects with keys content, urgency, relatability, specificity, authority; the four scores are integers 1-10.",
		maxCount)
	out, err := c.complete(ctx, prompt, content)
	if err != nil {
		return nil, &ExternalError{Capability: "extract_insights", Err: err}
	}
	var drafts []insightDraft
	if err := json.Unmarshal([]byte(stripFences(out)), &drafts); err != nil {
		return nil, &ExternalError{Capability: "extract_insights", Err: fmt.Errorf("parse response: %w", err)}
	}
	insights := make([]models.Insight, 0, len(drafts))
	for _, d := range drafts {
		insights = append(insights, models.Insight{
			Content: d.Content,
			Scores: models.InsightScores{
				Urgency:      clampScore(d.Urgency),
				Relatability: clampScore(d.Relatability),
				Specificity:  clampScore(d.Specificity),
				Authority:    clampScore(d.Authority),
			},
		})
	}
	return insights, nil
}

// GeneratePost renders one insight as a platform-shaped post body.
func (c *Client) GeneratePost(ctx context.Context, insightContent, platform string) (string, error) {
	prompt := fmt.Sprintf(
		"Write a social media post for %s based on the insight below. Match the platform's tone and length conventions. Return only the post text.",
		platform)
	out, err := c.complete(ctx, prompt, insightContent)
	if err != nil {
		return "", &ExternalError{Capability: "generate_post", Err: err}
	}
	return out, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("completion error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func clampScore(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// stripFences drops markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
