package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loopgate/loopgate/internal/agent"
)

// DefaultHandlerTimeout bounds a handler run when the manifest sets none.
const DefaultHandlerTimeout = 60 * time.Second

// stderrTailBytes limits how much stderr is attached to error results.
const stderrTailBytes = 2048

// handlerOutput is the JSON contract a handler writes to stdout. Handlers
// that print plain text instead get the raw output as content.
type handlerOutput struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// SkillTool adapts an on-disk skill to the agent tool interface. Input
// arrives as JSON on the handler's stdin, the result comes back on stdout.
type SkillTool struct {
	skill  *Skill
	logger *slog.Logger
}

// NewSkillTool wraps a loaded skill.
func NewSkillTool(skill *Skill, logger *slog.Logger) *SkillTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SkillTool{skill: skill, logger: logger}
}

func (t *SkillTool) Name() string        { return t.skill.Name }
func (t *SkillTool) Description() string { return t.skill.Description }

func (t *SkillTool) Schema() json.RawMessage {
	if len(t.skill.InputSchema) > 0 {
		return t.skill.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

// Execute runs the handler subprocess. Handler failures are returned
// in-band so the model can see them.
func (t *SkillTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	timeout := DefaultHandlerTimeout
	if t.skill.TimeoutSec > 0 {
		timeout = time.Duration(t.skill.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	cmd := exec.CommandContext(ctx, t.skill.HandlerPath())
	cmd.Dir = t.skill.Dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	t.logger.Debug("skill handler finished",
		"skill", t.skill.Name,
		"duration", time.Since(started),
		"error", err,
	)

	if ctx.Err() == context.DeadlineExceeded {
		return &agent.ToolResult{
			Content: fmt.Sprintf("skill %s timed out after %s", t.skill.Name, timeout),
			IsError: true,
		}, nil
	}
	if err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("skill %s failed: %v\n%s", t.skill.Name, err, tail(stderr.String(), stderrTailBytes)),
			IsError: true,
		}, nil
	}

	var out handlerOutput
	if jsonErr := json.Unmarshal(stdout.Bytes(), &out); jsonErr != nil {
		// Plain-text handlers are accepted as-is.
		return &agent.ToolResult{Content: strings.TrimSpace(stdout.String())}, nil
	}
	return &agent.ToolResult{Content: out.Content, IsError: out.IsError}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
