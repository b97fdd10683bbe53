package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"postpilot/internal/config"
)

func completionServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClean(t *testing.T) {
	srv := completionServer(t, "cleaned text")
	defer srv.Close()

	c := NewClient(config.Config{AIBaseURL: srv.URL, AIModel: "test"})
	out, err := c.Clean(context.Background(), "um so like raw text")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if out != "cleaned text" {
		t.Fatalf("got %q", out)
	}
}

func TestExtractInsightsParsesAndClamps(t *testing.T) {
	reply := "```json\n[{\"content\":\"ship early\",\"urgency\":9,\"relatability\":7,\"specificity\":14,\"authority\":0}]\n```"
	srv := completionServer(t, reply)
	defer srv.Close()

	c := NewClient(config.Config{AIBaseURL: srv.URL, AIModel: "test"})
	insights, err := c.ExtractInsights(context.Background(), "content", 5)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("expected 1 insight, got %d", len(insights))
	}
	s := insights[0].Scores
	if s.Specificity != 10 || s.Authority != 1 {
		t.Fatalf("scores not clamped: %+v", s)
	}
	// (9+7+10+1)/4 = 6.75, rounds to 7.
	if got := s.Overall(); got != 7 {
		t.Fatalf("overall = %d", got)
	}
}

func TestExternalErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.Config{AIBaseURL: srv.URL, AIModel: "test"})
	_, err := c.Clean(context.Background(), "raw")
	var extErr *ExternalError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExternalError, got %v", err)
	}
	if extErr.Capability != "clean" {
		t.Fatalf("capability = %s", extErr.Capability)
	}
}
