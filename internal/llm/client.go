// Package llm provides the completion and embedding clients used by the agents.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when no LLM backend is configured or reachable.
var ErrUnavailable = errors.New("llm backend unavailable")

var errNoJSONObject = errors.New("no json object in completion")

// ChatRequest is a single-turn completion request.
type ChatRequest struct {
	SystemPrompt string
	UserMessage  string
	Temperature  float64
	MaxTokens    int
}

// Client completes prompts. Implementations must honor ctx and return an
// error instead of blocking when the backend misbehaves.
type Client interface {
	// ChatCompletion returns the model's text reply.
	ChatCompletion(ctx context.Context, req ChatRequest) (string, error)

	// JSONCompletion asks for a JSON object and returns it decoded.
	JSONCompletion(ctx context.Context, req ChatRequest) (map[string]any, error)
}

// Embedder turns text into a dense vector for knowledge-base search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Unavailable is the Client used when no backend is configured. Every call
// fails so agents take their deterministic path.
type Unavailable struct{}

// ChatCompletion always fails with ErrUnavailable.
func (Unavailable) ChatCompletion(context.Context, ChatRequest) (string, error) {
	return "", ErrUnavailable
}

// JSONCompletion always fails with ErrUnavailable.
func (Unavailable) JSONCompletion(context.Context, ChatRequest) (map[string]any, error) {
	return nil, ErrUnavailable
}

// Embed always fails with ErrUnavailable.
func (Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

// ParseJSONObject extracts the first JSON object from a completion. Models
// often wrap JSON in markdown fences or prose.
func ParseJSONObject(content string) (map[string]any, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errNoJSONObject
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode completion json: %w", err)
	}
	return out, nil
}

var (
	_ Client   = Unavailable{}
	_ Embedder = Unavailable{}
)
