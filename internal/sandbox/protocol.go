// Package sandbox runs agent work in disposable Docker containers. Input
// goes in on stdin, the result comes back between sentinel markers on
// stdout, so API keys never touch the environment or disk.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stdout sentinels bracketing the child's JSON result payload.
const (
	OutputStartMarker = "===AGENT_OUTPUT_START==="
	OutputEndMarker   = "===AGENT_OUTPUT_END==="
)

// ErrNoSentinels indicates the child exited without framing a result.
var ErrNoSentinels = errors.New("container output missing sentinel markers")

// InputMessage is one transcript turn sent to the child.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is the full payload written to the child's stdin. The API key
// travels only here.
type Input struct {
	APIKey       string         `json:"apiKey"`
	Model        string         `json:"model"`
	MaxTokens    int            `json:"maxTokens"`
	SystemPrompt string         `json:"systemPrompt"`
	Messages     []InputMessage `json:"messages"`
}

// Result is the child's parsed output payload.
type Result struct {
	Content      string `json:"content"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Error        string `json:"error,omitempty"`
}

// ParseOutput slices the JSON payload between the sentinels and decodes
// it. When the markers are missing, the error carries a truncated stderr
// tail for diagnosis.
func ParseOutput(stdout, stderr string) (*Result, error) {
	start := strings.LastIndex(stdout, OutputStartMarker)
	if start < 0 {
		return nil, fmt.Errorf("%w; stderr: %s", ErrNoSentinels, stderrTail(stderr))
	}
	rest := stdout[start+len(OutputStartMarker):]
	end := strings.Index(rest, OutputEndMarker)
	if end < 0 {
		return nil, fmt.Errorf("%w; stderr: %s", ErrNoSentinels, stderrTail(stderr))
	}

	payload := strings.TrimSpace(rest[:end])
	var result Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to parse container output: %w; stderr: %s", err, stderrTail(stderr))
	}
	if result.Error != "" {
		return nil, fmt.Errorf("container reported error: %s", result.Error)
	}
	return &result, nil
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return "(empty)"
	}
	const max = 1024
	if len(stderr) > max {
		return "..." + stderr[len(stderr)-max:]
	}
	return stderr
}
