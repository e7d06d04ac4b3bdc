package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/retry"
)

const (
	MaxAttempts    = 5
	RateLimitStep  = 5000 * time.Millisecond
	BackoffBase    = 1000 * time.Millisecond
	DefaultVariant = "markdown"
)

// Variants are the instruction presets a caller can pick by name.
var Variants = map[string]string{
	"markdown": "<image>\n<|grounding|>Convert the document to markdown.",
	"free":     "<image>\nFree OCR.",
	"ocr":      "<image>\n<|grounding|>OCR this image.",
	"figure":   "<image>\nParse the figure.",
}

// DefaultInstruction converts a page to structured markdown text.
var DefaultInstruction = Variants[DefaultVariant]

// Instruction resolves a variant name to its prompt. Unknown non-empty
// values are used verbatim.
func Instruction(variant string) string {
	v := strings.TrimSpace(variant)
	if v == "" {
		return DefaultInstruction
	}
	if p, ok := Variants[strings.ToLower(v)]; ok {
		return p
	}
	return variant
}

// Completer is the chat completions call the OCR caller depends on.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Caller runs OCR requests with retry and cancellation.
type Caller struct {
	llm       Completer
	maxTokens int
	clock     retry.Clock
	log       *slog.Logger
}

func NewCaller(c Completer, maxTokens int, clock retry.Clock, log *slog.Logger) *Caller {
	if clock == nil {
		clock = retry.RealClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Caller{llm: c, maxTokens: maxTokens, clock: clock, log: log}
}

// Backoff is the wait after a failed attempt: rate limits back off
// linearly in 5s steps, everything else doubles from 1s.
func Backoff(attempt int, err error) time.Duration {
	if llm.IsRateLimited(err) {
		return retry.Linear(RateLimitStep)(attempt)
	}
	return retry.Exponential(BackoffBase)(attempt)
}

// Recognize returns the cleaned OCR text for img. An empty instruction uses
// DefaultInstruction. A rejected credential fails at once; a cancelled ctx
// yields retry.ErrAborted.
func (c *Caller) Recognize(ctx context.Context, settings config.Settings, img []byte, instruction string) (string, error) {
	if len(img) == 0 {
		return "", errors.New("ocr: empty page image")
	}
	if instruction == "" {
		instruction = DefaultInstruction
	}
	req := llm.Request{
		Kind:        "ocr",
		APIKey:      settings.APIKey,
		Model:       settings.OCRModel,
		Messages:    []llm.Message{llm.UserMessage(img, instruction)},
		Temperature: 0,
		MaxTokens:   c.maxTokens,
	}

	policy := retry.Policy{
		MaxAttempts: MaxAttempts,
		Backoff:     Backoff,
		Fatal:       llm.IsUnauthorized,
		Clock:       c.clock,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.log.Warn("ocr attempt failed", "attempt", attempt, "wait", wait.String(), "error", err)
		},
	}
	out, err := retry.Do(ctx, policy, func(ctx context.Context) (llm.Completion, error) {
		return c.llm.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, retry.ErrAborted) {
			return "", err
		}
		return "", fmt.Errorf("ocr: %w", err)
	}
	return Clean(out.Content), nil
}

var (
	refRe    = regexp.MustCompile(`(?s)<\|ref\|>.*?<\|/ref\|>`)
	detRe    = regexp.MustCompile(`(?s)<\|det\|>.*?<\|/det\|>`)
	boxRe    = regexp.MustCompile(`(?s)<\|box\|>.*?<\|/box\|>`)
	quadRe   = regexp.MustCompile(`(?s)<\|quad\|>.*?<\|/quad\|>`)
	markerRe = regexp.MustCompile(`<\|/?(?:ref|det|box|quad|grounding)\|>`)
)

// Clean strips grounding markers and code fences from raw model output.
func Clean(raw string) string {
	s := refRe.ReplaceAllString(raw, "")
	s = detRe.ReplaceAllString(s, "")
	s = boxRe.ReplaceAllString(s, "")
	s = quadRe.ReplaceAllString(s, "")
	s = markerRe.ReplaceAllString(s, "")
	return llm.StripCodeFence(s)
}
