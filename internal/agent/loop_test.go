package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/infra"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []*CompletionResponse
	errs      []error
	calls     int
	requests  []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.responses) {
		return &CompletionResponse{Text: "default"}, nil
	}
	return p.responses[idx], nil
}

type allowAllApprover struct{}

func (allowAllApprover) Authorize(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall) (Decision, error) {
	return Decision{Allowed: true}, nil
}

type denyApprover struct{ reason string }

func (a denyApprover) Authorize(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall) (Decision, error) {
	return Decision{Allowed: false, Reason: a.reason}, nil
}

func newTestLoop(t *testing.T, provider Provider, tools *ToolRegistry, opts ...LoopOption) (*Loop, *store.Store, *models.Conversation) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	conv, err := s.GetOrCreateConversation(context.Background(), "chan-1", models.ChannelTelegram, "group-7", "")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if tools == nil {
		tools = NewToolRegistry()
	}
	resilience := infra.NewResilience(
		infra.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		infra.CircuitBreakerConfig{FailureThreshold: 10, ResetTimeout: time.Second, SuccessThreshold: 1},
	)
	loop := NewLoop(s, provider, tools, resilience, bus.New(8), nil,
		LoopConfig{Model: "test-model", MaxTokens: 512, MaxIterations: 5, HistoryWindow: 50},
		nil, opts...)
	return loop, s, conv
}

func inbound(conv *models.Conversation, text string) *models.Message {
	return &models.Message{
		Channel:   conv.Channel,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		SenderID:  "user-1",
		Content:   text,
	}
}

func TestRunPlainReply(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*CompletionResponse{
			{Text: "hello back", Usage: Usage{InputTokens: 10, OutputTokens: 5}},
		},
	}
	loop, s, conv := newTestLoop(t, provider, nil)

	reply, err := loop.Run(context.Background(), conv, inbound(conv, "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Content != "hello back" || reply.Role != models.RoleAssistant {
		t.Errorf("reply = %+v", reply)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}

	// Both turns are persisted on the active branch.
	history, err := s.BranchHistory(context.Background(), conv.ActiveBranchID, 10)
	if err != nil {
		t.Fatalf("BranchHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
}

func TestRunExecutesToolsThenReplies(t *testing.T) {
	var executed json.RawMessage
	tools := NewToolRegistry()
	err := tools.Register(&stubTool{
		name: "lookup",
		execute: func(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
			executed = input
			return &ToolResult{Content: "42"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	provider := &scriptedProvider{
		responses: []*CompletionResponse{
			{
				ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{"q":"answer"}`)}},
				Usage:     Usage{InputTokens: 20, OutputTokens: 8},
			},
			{Text: "the answer is 42", Usage: Usage{InputTokens: 30, OutputTokens: 6}},
		},
	}
	loop, s, conv := newTestLoop(t, provider, tools, WithApprover(allowAllApprover{}))

	reply, err := loop.Run(context.Background(), conv, inbound(conv, "what is the answer?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Content != "the answer is 42" {
		t.Errorf("reply = %q", reply.Content)
	}
	if string(executed) != `{"q":"answer"}` {
		t.Errorf("tool input = %s", executed)
	}

	// Second request must include the tool result turn.
	last := provider.requests[1]
	found := false
	for _, m := range last.Messages {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "tc-1" && tr.Content == "42" {
				found = true
			}
		}
	}
	if !found {
		t.Error("tool result missing from follow-up transcript")
	}

	// user, assistant tool-call, tool result, final assistant.
	history, err := s.BranchHistory(context.Background(), conv.ActiveBranchID, 10)
	if err != nil {
		t.Fatalf("BranchHistory: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	if history[2].Role != models.RoleTool {
		t.Errorf("third message role = %s, want tool", history[2].Role)
	}
}

func TestRunDeniedToolReportedInBand(t *testing.T) {
	tools := NewToolRegistry()
	if err := tools.Register(&stubTool{name: "delete_everything"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	provider := &scriptedProvider{
		responses: []*CompletionResponse{
			{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "delete_everything", Input: json.RawMessage(`{}`)}}},
			{Text: "understood, not deleting"},
		},
	}
	loop, _, conv := newTestLoop(t, provider, tools, WithApprover(denyApprover{reason: "operator rejected"}))

	if _, err := loop.Run(context.Background(), conv, inbound(conv, "wipe it")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := provider.requests[1]
	var content string
	for _, m := range last.Messages {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "tc-1" {
				content = tr.Content
				if !tr.IsError {
					t.Error("denied call should be an error result")
				}
			}
		}
	}
	if !strings.Contains(content, "operator rejected") {
		t.Errorf("denial reason missing: %q", content)
	}
}

func TestRunIterationCap(t *testing.T) {
	tools := NewToolRegistry()
	if err := tools.Register(&stubTool{name: "spin"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Always asks for another tool call, never finishes.
	looping := &CompletionResponse{
		ToolCalls: []models.ToolCall{{ID: "tc", Name: "spin", Input: json.RawMessage(`{}`)}},
	}
	provider := &scriptedProvider{
		responses: []*CompletionResponse{looping, looping, looping, looping, looping, looping},
	}
	loop, s, conv := newTestLoop(t, provider, tools)

	reply, err := loop.Run(context.Background(), conv, inbound(conv, "go"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(reply.Content, "stopped after 5 tool steps") {
		t.Errorf("cap message = %q", reply.Content)
	}
	if provider.calls != 5 {
		t.Errorf("provider calls = %d, want 5", provider.calls)
	}

	runs := runStatuses(t, s, conv)
	if len(runs) != 1 || runs[0] != models.RunCompleted {
		t.Errorf("run statuses = %v", runs)
	}
}

func TestRunProviderFailureMarksRunFailed(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{
			infra.AsPermanent(errors.New("invalid api key")),
		},
	}
	loop, s, conv := newTestLoop(t, provider, nil)

	_, err := loop.Run(context.Background(), conv, inbound(conv, "hello"))
	if err == nil {
		t.Fatal("Run should fail when the provider fails permanently")
	}

	runs := runStatuses(t, s, conv)
	if len(runs) != 1 || runs[0] != models.RunFailed {
		t.Errorf("run statuses = %v, want [failed]", runs)
	}
}

func TestRunRetriesTransientProviderErrors(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{
			&infra.APIError{StatusCode: 529, Err: errors.New("overloaded")},
			nil,
		},
		responses: []*CompletionResponse{
			{},
			{Text: "recovered"},
		},
	}
	loop, _, conv := newTestLoop(t, provider, nil)

	reply, err := loop.Run(context.Background(), conv, inbound(conv, "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply.Content != "recovered" {
		t.Errorf("reply = %q", reply.Content)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestRunRecordsUsage(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*CompletionResponse{
			{Text: "done", Usage: Usage{InputTokens: 100, OutputTokens: 40}},
		},
	}
	loop, s, conv := newTestLoop(t, provider, nil)

	if _, err := loop.Run(context.Background(), conv, inbound(conv, "hi")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	total, err := s.GroupTokensSince(context.Background(), conv.GroupKey, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GroupTokensSince: %v", err)
	}
	if total != 140 {
		t.Errorf("group tokens = %d, want 140", total)
	}
}

func runStatuses(t *testing.T, s *store.Store, conv *models.Conversation) []models.RunStatus {
	t.Helper()
	runs, err := s.ListRuns(context.Background(), conv.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	out := make([]models.RunStatus, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Status)
	}
	return out
}
