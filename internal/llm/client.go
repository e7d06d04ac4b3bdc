package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrUnauthorized marks a rejected credential. It is never retried.
var ErrUnauthorized = errors.New("invalid api credential")

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	Stats      *Stats
}

func NewClient(baseURL string, timeout time.Duration, stats *Stats) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		Stats: stats,
	}
}

// Part is one element of a multimodal message body.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Message content is either a plain string or a []Part.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Request describes one completion. APIKey travels with the request so
// callers always use the settings snapshot they were handed.
type Request struct {
	Kind        string `json:"-"`
	APIKey      string `json:"-"`
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Completion is the first choice of a response.
type Completion struct {
	Content   string
	Reasoning string
}

// Complete sends req and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	start := time.Now()
	out, err := c.complete(ctx, req)
	if c.Stats != nil {
		c.Stats.Record(req.Kind, time.Since(start).Milliseconds(), err)
	}
	return out, err
}

func (c *Client) complete(ctx context.Context, req Request) (Completion, error) {
	if req.APIKey == "" {
		return Completion{}, ErrUnauthorized
	}
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Completion{}, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    errorDetail(respBody),
		}
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Completion{}, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty response from %s", req.Model)
	}
	msg := apiResp.Choices[0].Message
	return Completion{Content: msg.Content, Reasoning: msg.ReasoningContent}, nil
}

// errorDetail pulls a human-readable message out of an error body.
func errorDetail(body []byte) string {
	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(parsed.Error) > 0 && json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if len(parsed.Error) > 0 && json.Unmarshal(parsed.Error, &plain) == nil && plain != "" {
			return plain
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return truncate(strings.TrimSpace(string(body)), 500)
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.StatusCode)
	}
	return fmt.Sprintf("api status %d: %s", e.StatusCode, truncate(e.Message, 200))
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401 response.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports a rejected or missing credential.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsRateLimited reports a 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

// ImageDataURL encodes an image as a data URL, sniffing its MIME type.
func ImageDataURL(img []byte) string {
	mime := http.DetectContentType(img)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// UserMessage builds a user message holding an image followed by text.
func UserMessage(img []byte, text string) Message {
	parts := make([]Part, 0, 2)
	if len(img) > 0 {
		parts = append(parts, Part{Type: "image_url", ImageURL: &ImageURL{URL: ImageDataURL(img)}})
	}
	parts = append(parts, Part{Type: "text", Text: text})
	return Message{Role: "user", Content: parts}
}

var (
	fenceOpenRe  = regexp.MustCompile("(?i)^```[a-z0-9_-]*[ \t]*\r?\n?")
	fenceCloseRe = regexp.MustCompile("\r?\n?```$")
)

// StripCodeFence removes leading and trailing Markdown code fences.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = fenceOpenRe.ReplaceAllString(s, "")
	s = fenceCloseRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
