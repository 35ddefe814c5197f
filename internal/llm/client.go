// Package llm provides the generation client interface and its Anthropic and
// OpenAI implementations.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

// ErrProviderUnavailable wraps every failure of the underlying provider,
// including a missing API key.
var ErrProviderUnavailable = errors.New("generation provider unavailable")

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage is one turn sent to the provider. Role is "user" or
// "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

const defaultMaxTokens = 4096

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderAnthropic, "":
		return NewAnthropicClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// ChatRole maps a stored message role to a provider role. Tool results are
// sent as assistant turns; system messages are not part of the history.
func ChatRole(role model.Role) (string, bool) {
	switch role {
	case model.RoleUser:
		return "user", true
	case model.RoleAssistant, model.RoleTool:
		return "assistant", true
	default:
		return "", false
	}
}

// providerError wraps err from provider so it matches ErrProviderUnavailable,
// unless the caller's context ended first.
func providerError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", provider, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, provider, err)
}

// Unavailable is a Client for deployments without provider credentials.
// Every call fails with ErrProviderUnavailable.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return nil, u.err()
}

func (u Unavailable) CompleteStream(context.Context, *CompletionRequest, StreamCallback) (*CompletionResponse, error) {
	return nil, u.err()
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Models() []string { return nil }

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrProviderUnavailable
	}
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, u.Reason)
}
