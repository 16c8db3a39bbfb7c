// Package providers defines the common interfaces and types used by all LLM
// backend adapters (OpenAI, Anthropic, Gemini, and OpenAI-compatible engines).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. Adapters translate the normalized ProxyRequest into the backend's
// wire format and classify backend errors so the dispatch layer can decide
// whether to fail over.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	// Err is set on the final chunk when the upstream connection failed
	// mid-stream; no further chunks follow it.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// RequestMetadata carries client routing hints and cache directives.
	RequestMetadata struct {
		PreferredProvider string   `json:"preferred_provider,omitempty"`
		FallbackProviders []string `json:"fallback_providers,omitempty"`
		Priority          string   `json:"priority,omitempty"`
		NoCache           bool     `json:"no_cache,omitempty"`
	}

	// ProxyRequest — normalized client request.
	ProxyRequest struct {
		RequestID   string
		TenantID    string
		APIKey      string
		APIKeyID    string
		SourceIP    string
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		Metadata    RequestMetadata
	}

	// ProxyResponse — normalized backend response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider — LLM backend adapter interface.
//
// Models reports the model names (or glob patterns) the adapter serves; the
// registry uses it to build the capability set of the handle. Request performs
// a unary call, or opens a stream when req.Stream is set.
type Provider interface {
	Name() string
	Models() []string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a classified backend failure.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// Outcome is the dispatch-level classification of an attempt result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// Classify maps an attempt error onto the retry taxonomy. Connection errors,
// 5xx, and upstream 429 (provider-signalled try-again) are retryable; client
// errors, cancellation, and deadline expiry are terminal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTerminal
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return OutcomeRetryable
		case status >= 500:
			return OutcomeRetryable
		case status >= 400:
			return OutcomeTerminal
		}
	}
	// Unclassified errors are treated as transport faults.
	return OutcomeRetryable
}

// DefaultTimeout bounds a single backend attempt when no per-route deadline
// is configured.
const DefaultTimeout = 30 * time.Second
