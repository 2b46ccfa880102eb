package sandbox

import (
	"context"
	"fmt"

	"github.com/loopgate/loopgate/internal/agent"
)

// Provider runs each invocation inside a disposable container, exposed
// through the agent provider contract. The child process owns the whole
// turn: tool definitions are not forwarded, so isolated runs are
// text-only. The API key travels on the child's stdin, never in its
// environment.
type Provider struct {
	runner *Runner
	apiKey string
}

// NewProvider wraps a runner as a provider.
func NewProvider(runner *Runner, apiKey string) *Provider {
	return &Provider{runner: runner, apiKey: apiKey}
}

// Name identifies isolated runs in usage records.
func (p *Provider) Name() string {
	return "sandbox"
}

// Complete serializes the transcript into the container protocol, queues
// the invocation, and maps the child's payload back.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	input := &Input{
		APIKey:       p.apiKey,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.System,
		Messages:     make([]InputMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		// Tool plumbing turns have no text; the child cannot act on them.
		if m.Content == "" {
			continue
		}
		input.Messages = append(input.Messages, InputMessage{Role: m.Role, Content: m.Content})
	}

	res, err := p.runner.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("container agent failed: %s", res.Error)
	}

	return &agent.CompletionResponse{
		Text:       res.Content,
		StopReason: "end_turn",
		Usage: agent.Usage{
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		},
	}, nil
}
