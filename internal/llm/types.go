package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// Roles used in chat-style requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// StatusError reports a non-success response from a remote model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("llm endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
}

// Complete runs the generator and joins every chunk into a single reply.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var sb strings.Builder
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// New selects a backend for the configured mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
