package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/infra"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

// Decision is the outcome of an approval check for one tool call.
type Decision struct {
	Allowed bool
	Reason  string
}

// Approver gates tool calls. Authorize blocks until a human responds or a
// timeout policy resolves the request.
type Approver interface {
	Authorize(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall) (Decision, error)
}

// RunEvent is the bus payload for run lifecycle topics.
type RunEvent struct {
	RunID          string
	ConversationID string
	BranchID       string
	Channel        models.ChannelType
	Error          string
}

// LoopConfig bounds a run.
type LoopConfig struct {
	Model         string
	MaxTokens     int
	MaxIterations int
	HistoryWindow int

	// InputCostPerMTok and OutputCostPerMTok price tokens per million
	// for the cost column on api_calls. Zero leaves cost at zero.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// Loop drives the conversation loop: it sends the branch transcript to the
// provider, executes requested tools, and repeats until the model stops
// asking for tools or the iteration cap is hit.
type Loop struct {
	store      *store.Store
	provider   Provider
	tools      *ToolRegistry
	approver   Approver
	resilience *infra.Resilience
	events     *bus.Bus
	prompt     *PromptBuilder
	cfg        LoopConfig
	logger     *slog.Logger

	// enabledTools filters the dynamic tool set per call, nil means all.
	enabledTools func() map[string]bool

	// catalogAddendum supplies the installable-skill prompt section.
	catalogAddendum func() string
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithApprover sets the approval gate. Without one, every tool call runs.
func WithApprover(a Approver) LoopOption {
	return func(l *Loop) { l.approver = a }
}

// WithEnabledTools sets the filter applied to dynamic tools on each run.
func WithEnabledTools(fn func() map[string]bool) LoopOption {
	return func(l *Loop) { l.enabledTools = fn }
}

// WithCatalogAddendum sets the prompt section listing installable skills.
func WithCatalogAddendum(fn func() string) LoopOption {
	return func(l *Loop) { l.catalogAddendum = fn }
}

// NewLoop wires a Loop from its dependencies.
func NewLoop(st *store.Store, provider Provider, tools *ToolRegistry, resilience *infra.Resilience, events *bus.Bus, prompt *PromptBuilder, cfg LoopConfig, logger *slog.Logger, opts ...LoopOption) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 50
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if prompt == nil {
		prompt = NewPromptBuilder("")
	}

	l := &Loop{
		store:      st,
		provider:   provider,
		tools:      tools,
		resilience: resilience,
		events:     events,
		prompt:     prompt,
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes one inbound message and returns the assistant's reply. The
// inbound message is persisted first if it has no row id yet, so crash
// recovery never loses user input.
func (l *Loop) Run(ctx context.Context, conv *models.Conversation, incoming *models.Message) (*models.Message, error) {
	if incoming.ID == 0 {
		incoming.ConversationID = conv.ID
		incoming.BranchID = conv.ActiveBranchID
		if incoming.Role == "" {
			incoming.Role = models.RoleUser
		}
		if err := l.store.SaveMessage(ctx, incoming); err != nil {
			return nil, fmt.Errorf("failed to persist inbound message: %w", err)
		}
	}

	run := &models.AgentRun{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Model:          l.cfg.Model,
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	l.publish(bus.TopicRunStarted, run, conv, "")

	if err := l.store.UpdateRunStatus(ctx, run.ID, models.RunRunning, ""); err != nil {
		l.logger.Warn("failed to mark run running", "run_id", run.ID, "error", err)
	}

	reply, err := l.iterate(ctx, conv, run, incoming.Channel)
	if err != nil {
		if stErr := l.store.UpdateRunStatus(ctx, run.ID, models.RunFailed, err.Error()); stErr != nil {
			l.logger.Warn("failed to mark run failed", "run_id", run.ID, "error", stErr)
		}
		l.publish(bus.TopicRunError, run, conv, err.Error())
		return nil, err
	}

	if err := l.store.UpdateRunStatus(ctx, run.ID, models.RunCompleted, ""); err != nil {
		l.logger.Warn("failed to mark run completed", "run_id", run.ID, "error", err)
	}
	l.publish(bus.TopicRunCompleted, run, conv, "")
	return reply, nil
}

func (l *Loop) iterate(ctx context.Context, conv *models.Conversation, run *models.AgentRun, channel models.ChannelType) (*models.Message, error) {
	history, err := l.store.BranchHistory(ctx, conv.ActiveBranchID, l.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch history: %w", err)
	}
	transcript := toCompletionMessages(history)

	var catalog string
	if l.catalogAddendum != nil {
		catalog = l.catalogAddendum()
	}
	system := l.prompt.Build(channel, catalog)

	var enabled map[string]bool
	if l.enabledTools != nil {
		enabled = l.enabledTools()
	}
	tools := l.tools.List(enabled)

	var totalIn, totalOut int64

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		req := &CompletionRequest{
			Model:     l.cfg.Model,
			System:    system,
			Messages:  transcript,
			Tools:     tools,
			MaxTokens: l.cfg.MaxTokens,
		}

		resp, err := infra.Call(l.resilience, ctx, func(ctx context.Context) (*CompletionResponse, error) {
			return l.provider.Complete(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("provider call failed: %w", err)
		}

		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		l.recordCall(ctx, conv, run, resp.Usage)
		if err := l.store.RecordRunUsage(ctx, run.ID, iteration, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
			l.logger.Warn("failed to record run usage", "run_id", run.ID, "error", err)
		}

		if len(resp.ToolCalls) == 0 {
			return l.saveAssistant(ctx, conv, channel, resp.Text, nil)
		}

		assistant, err := l.saveAssistant(ctx, conv, channel, resp.Text, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, completionMessageFrom(assistant))

		results := l.executeToolCalls(ctx, conv, run, resp.ToolCalls)
		toolMsg := &models.Message{
			ConversationID: conv.ID,
			BranchID:       conv.ActiveBranchID,
			Channel:        channel,
			Direction:      models.DirectionOutbound,
			Role:           models.RoleTool,
			ToolResults:    results,
		}
		if err := l.store.SaveMessage(ctx, toolMsg); err != nil {
			return nil, fmt.Errorf("failed to persist tool results: %w", err)
		}
		transcript = append(transcript, completionMessageFrom(toolMsg))
	}

	l.logger.Warn("iteration cap reached",
		"run_id", run.ID,
		"conversation_id", conv.ID,
		"max_iterations", l.cfg.MaxIterations,
	)
	text := fmt.Sprintf("I stopped after %d tool steps without reaching a final answer. You can rephrase or narrow the request to continue.", l.cfg.MaxIterations)
	return l.saveAssistant(ctx, conv, channel, text, nil)
}

// executeToolCalls runs each requested tool, consulting the approver
// first. Failures are reported in-band as error results so the model can
// recover on the next turn.
func (l *Loop) executeToolCalls(ctx context.Context, conv *models.Conversation, run *models.AgentRun, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		if l.approver != nil {
			decision, err := l.approver.Authorize(ctx, conv, run, call)
			if err != nil {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("approval check failed for %s: %v", call.Name, err),
					IsError:    true,
				})
				continue
			}
			if !decision.Allowed {
				reason := decision.Reason
				if reason == "" {
					reason = "not approved"
				}
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("tool call %s was rejected: %s", call.Name, reason),
					IsError:    true,
				})
				continue
			}
		}

		started := time.Now()
		res, err := l.tools.Execute(ctx, call.Name, call.Input)
		if err != nil {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %s failed: %v", call.Name, err),
				IsError:    true,
			})
			continue
		}
		l.logger.Debug("tool executed",
			"tool", call.Name,
			"run_id", run.ID,
			"is_error", res.IsError,
			"duration", time.Since(started),
		)
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.Content,
			IsError:    res.IsError,
		})
	}

	return results
}

func (l *Loop) saveAssistant(ctx context.Context, conv *models.Conversation, channel models.ChannelType, text string, calls []models.ToolCall) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        channel,
		Direction:      models.DirectionOutbound,
		Role:           models.RoleAssistant,
		Content:        text,
		ToolCalls:      calls,
	}
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	return msg, nil
}

func (l *Loop) recordCall(ctx context.Context, conv *models.Conversation, run *models.AgentRun, usage Usage) {
	call := &models.APICall{
		RunID:        run.ID,
		GroupKey:     conv.GroupKey,
		Provider:     l.provider.Name(),
		Model:        l.cfg.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD: float64(usage.InputTokens)*l.cfg.InputCostPerMTok/1e6 +
			float64(usage.OutputTokens)*l.cfg.OutputCostPerMTok/1e6,
	}
	if err := l.store.RecordAPICall(ctx, call); err != nil {
		l.logger.Warn("failed to record api call", "run_id", run.ID, "error", err)
	}
}

func (l *Loop) publish(topic bus.Topic, run *models.AgentRun, conv *models.Conversation, errMsg string) {
	if l.events == nil {
		return
	}
	l.events.Publish(topic, RunEvent{
		RunID:          run.ID,
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        conv.Channel,
		Error:          errMsg,
	})
}

// toCompletionMessages converts persisted history into provider turns.
func toCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, completionMessageFrom(msg))
	}
	return out
}

func completionMessageFrom(msg *models.Message) CompletionMessage {
	role := "user"
	switch msg.Role {
	case models.RoleAssistant:
		role = "assistant"
	case models.RoleSystem:
		role = "system"
	}
	return CompletionMessage{
		Role:        role,
		Content:     msg.Content,
		ToolCalls:   msg.ToolCalls,
		ToolResults: msg.ToolResults,
	}
}
