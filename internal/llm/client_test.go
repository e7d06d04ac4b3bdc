package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestComplete_SendsRequestAndParsesChoice(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"hello","reasoning_content":"thinking"}}]}`))
	}))
	defer srv.Close()

	stats := NewStats(time.Hour)
	c := NewClient(srv.URL+"/v1/", 5*time.Second, stats)
	out, err := c.Complete(context.Background(), Request{
		Kind:      "ocr",
		APIKey:    "sk-test",
		Model:     "m",
		Messages:  []Message{UserMessage([]byte("\x89PNG\r\n\x1a\n"), "read this")},
		MaxTokens: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "hello" || out.Reasoning != "thinking" {
		t.Errorf("unexpected completion %+v", out)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.Model != "m" || got.Temperature != 0 || got.MaxTokens != 10 || got.Stream {
		t.Errorf("unexpected request %+v", got)
	}
	if stats.Snapshot()["ocr"].Count != 1 {
		t.Error("expected call recorded in stats")
	}
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status       int
		body         string
		unauthorized bool
		rateLimited  bool
		message      string
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, true, false, "bad key"},
		{http.StatusTooManyRequests, `{"message":"slow down"}`, false, true, "slow down"},
		{http.StatusInternalServerError, `upstream exploded`, false, false, "upstream exploded"},
		{http.StatusBadRequest, `{"error":"bad image"}`, false, false, "bad image"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))
		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.Complete(context.Background(), Request{APIKey: "k", Model: "m"})
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected StatusError, got %v", tt.status, err)
		}
		if se.Message != tt.message {
			t.Errorf("status %d: expected message %q, got %q", tt.status, tt.message, se.Message)
		}
		if IsUnauthorized(err) != tt.unauthorized {
			t.Errorf("status %d: unauthorized = %v", tt.status, IsUnauthorized(err))
		}
		if IsRateLimited(err) != tt.rateLimited {
			t.Errorf("status %d: rate limited = %v", tt.status, IsRateLimited(err))
		}
	}
}

func TestComplete_MissingKeyIsUnauthorized(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Second, nil)
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	if !IsUnauthorized(err) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil)
	if _, err := c.Complete(context.Background(), Request{APIKey: "k", Model: "m"}); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		"```markdown\n# Title\n```":  "# Title",
		"```\n<table></table>\n```": "<table></table>",
		"  plain text  ":            "plain text",
		"```html\nx```":             "x",
	}
	for in, want := range tests {
		if got := StripCodeFence(in); got != want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImageDataURL(t *testing.T) {
	url := ImageDataURL([]byte("\x89PNG\r\n\x1a\n0000"))
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("unexpected data url prefix %q", url[:30])
	}
}
