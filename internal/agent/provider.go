package agent

import (
	"context"

	"github.com/loopgate/loopgate/pkg/models"
)

// CompletionMessage is one turn of the transcript sent to a provider.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionRequest describes one provider invocation.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []Tool
	MaxTokens int
}

// Usage reports token consumption for one provider invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// CompletionResponse is the provider's full reply for one invocation.
type CompletionResponse struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      Usage
}

// Provider is an LLM backend capable of tool use.
type Provider interface {
	// Name returns the provider identifier used in usage records.
	Name() string

	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
