package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/agent"
	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

// ErrUnknownApproval is returned when a response names no pending request.
var ErrUnknownApproval = errors.New("unknown approval request")

// Notifier delivers an approval prompt to whoever can answer it. The
// gateway implements this on top of the channel adapters.
type Notifier interface {
	NotifyApproval(ctx context.Context, conv *models.Conversation, req *models.ApprovalRequest) error
}

// ApprovalEvent is the bus payload for approval topics.
type ApprovalEvent struct {
	ApprovalID     string
	ConversationID string
	ToolName       string
	Risk           models.RiskLevel
	Status         models.ApprovalStatus
}

type resolution struct {
	status      models.ApprovalStatus
	respondedBy string
	reason      string
}

// Manager persists approval requests, blocks the agent loop on them, and
// resolves them from operator responses or timeout policy. It implements
// agent.Approver.
type Manager struct {
	store    *store.Store
	events   *bus.Bus
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	policy  *Policy
	waiters map[string]chan resolution
}

// NewManager wires a Manager. The notifier may be set later, before the
// first run, via SetNotifier.
func NewManager(st *store.Store, events *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:   st,
		events:  events,
		logger:  logger,
		policy:  NewPolicy(nil),
		waiters: make(map[string]chan resolution),
	}
}

// SetNotifier installs the prompt delivery hook.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// LoadRules refreshes the policy from persisted rules.
func (m *Manager) LoadRules(ctx context.Context) error {
	rules, err := m.store.ListApprovalRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load approval rules: %w", err)
	}
	m.mu.Lock()
	m.policy = NewPolicy(rules)
	m.mu.Unlock()
	return nil
}

// SetRules replaces the policy in memory.
func (m *Manager) SetRules(rules []*models.ApprovalRule) {
	m.mu.Lock()
	m.policy = NewPolicy(rules)
	m.mu.Unlock()
}

// Authorize gates one tool call. The policy resolves a requirement from
// the rules, the baseline tool risks, and the medium fallback; calls it
// does not gate pass immediately, auto-approved ones leave an audit row.
// Otherwise a request is persisted, the prompt is delivered, and the
// call blocks until someone responds or the timeout action applies.
func (m *Manager) Authorize(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall) (agent.Decision, error) {
	m.mu.Lock()
	need := m.policy.Check(call.Name)
	m.mu.Unlock()

	if need.AutoApproved {
		m.recordAutoApproval(ctx, conv, run, call, need)
		return agent.Decision{Allowed: true, Reason: "auto-approved by rule"}, nil
	}
	if !need.Required {
		return agent.Decision{Allowed: true}, nil
	}

	req, waiter, err := m.openRequest(ctx, conv, run, call, need)
	if err != nil {
		return agent.Decision{}, err
	}

	timer := time.NewTimer(time.Until(req.TimeoutAt))
	defer timer.Stop()

	select {
	case res := <-waiter:
		m.dropWaiter(req.ID)
		return decisionFrom(res), nil

	case <-timer.C:
		m.dropWaiter(req.ID)
		return m.applyTimeout(req, need), nil

	case <-ctx.Done():
		m.dropWaiter(req.ID)
		return agent.Decision{}, ctx.Err()
	}
}

// recordAutoApproval persists the audit row for a rule-waived call.
func (m *Manager) recordAutoApproval(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall, need Requirement) {
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ConversationID: conv.ID,
		RunID:          runIDOf(run),
		ToolName:       call.Name,
		ToolInput:      toolInputMap(call),
		Risk:           need.Risk,
		Status:         models.ApprovalAutoApproved,
		Reason:         "auto-approved by rule",
		RespondedBy:    "system",
		TimeoutAt:      now,
		ExpiresAt:      now,
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		m.logger.Warn("failed to record auto-approval",
			"tool", call.Name, "error", err)
		return
	}
	m.publish(bus.TopicApprovalResolved, req)
	m.logger.Info("tool call auto-approved",
		"approval_id", req.ID, "tool", call.Name, "risk", need.Risk)
}

func (m *Manager) openRequest(ctx context.Context, conv *models.Conversation, run *models.AgentRun, call models.ToolCall, need Requirement) (*models.ApprovalRequest, chan resolution, error) {
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ConversationID: conv.ID,
		RunID:          runIDOf(run),
		ToolName:       call.Name,
		ToolInput:      toolInputMap(call),
		Risk:           need.Risk,
		TimeoutAt:      now.Add(need.Timeout),
		ExpiresAt:      now.Add(2 * need.Timeout),
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return nil, nil, err
	}

	waiter := make(chan resolution, 1)
	m.mu.Lock()
	m.waiters[req.ID] = waiter
	notifier := m.notifier
	m.mu.Unlock()

	m.publish(bus.TopicApprovalRequired, req)
	m.logger.Info("approval required",
		"approval_id", req.ID,
		"tool", call.Name,
		"risk", need.Risk,
		"timeout", need.Timeout,
	)

	if notifier != nil {
		if err := notifier.NotifyApproval(ctx, conv, req); err != nil {
			m.logger.Warn("failed to deliver approval prompt",
				"approval_id", req.ID, "error", err)
		}
	}
	return req, waiter, nil
}

// Respond resolves a pending request from an operator's answer. The first
// resolution wins; a race with the timeout path loses cleanly.
func (m *Manager) Respond(ctx context.Context, approvalID string, approve bool, respondedBy, reason string) error {
	status := models.ApprovalRejected
	if approve {
		status = models.ApprovalApproved
	}

	err := m.store.ResolveApproval(ctx, approvalID, status, respondedBy, reason)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownApproval
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	waiter := m.waiters[approvalID]
	m.mu.Unlock()
	if waiter != nil {
		waiter <- resolution{status: status, respondedBy: respondedBy, reason: reason}
	}

	req, err := m.store.GetApproval(ctx, approvalID)
	if err == nil {
		m.publish(bus.TopicApprovalResolved, req)
	}
	m.logger.Info("approval resolved",
		"approval_id", approvalID,
		"status", status,
		"responded_by", respondedBy,
	)
	return nil
}

// applyTimeout resolves an unanswered request with the requirement's
// timeout action. If an operator response lands first, their decision is
// honored.
func (m *Manager) applyTimeout(req *models.ApprovalRequest, need Requirement) agent.Decision {
	action := need.TimeoutAction
	reason := fmt.Sprintf("no response within %s, default action %s applied", need.Timeout, action)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.store.ResolveApproval(ctx, req.ID, models.ApprovalTimedOut, "system", reason)
	if errors.Is(err, store.ErrApprovalAlreadyFinal) {
		if resolved, gerr := m.store.GetApproval(ctx, req.ID); gerr == nil {
			return agent.Decision{
				Allowed: resolved.Status == models.ApprovalApproved,
				Reason:  resolved.Reason,
			}
		}
	}
	if err != nil && !errors.Is(err, store.ErrApprovalAlreadyFinal) {
		m.logger.Warn("failed to record approval timeout",
			"approval_id", req.ID, "error", err)
	}

	req.Status = models.ApprovalTimedOut
	m.publish(bus.TopicApprovalResolved, req)
	m.logger.Info("approval timed out",
		"approval_id", req.ID,
		"tool", req.ToolName,
		"action", action,
	)
	return agent.Decision{
		Allowed: action == models.TimeoutApprove,
		Reason:  reason,
	}
}

// StartSweeper periodically times out orphaned pending rows, covering
// requests whose waiter died with the process. Runs until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.ExpireStaleApprovals(ctx, time.Now())
				if err != nil {
					m.logger.Warn("approval sweep failed", "error", err)
					continue
				}
				if n > 0 {
					m.logger.Info("timed out stale approvals", "count", n)
				}
			}
		}
	}()
}

// Pending lists open requests for a conversation.
func (m *Manager) Pending(ctx context.Context, conversationID string) ([]*models.ApprovalRequest, error) {
	return m.store.ListPendingApprovals(ctx, conversationID)
}

func (m *Manager) dropWaiter(id string) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
}

func (m *Manager) publish(topic bus.Topic, req *models.ApprovalRequest) {
	if m.events == nil {
		return
	}
	m.events.Publish(topic, ApprovalEvent{
		ApprovalID:     req.ID,
		ConversationID: req.ConversationID,
		ToolName:       req.ToolName,
		Risk:           req.Risk,
		Status:         req.Status,
	})
}

func runIDOf(run *models.AgentRun) string {
	if run == nil {
		return ""
	}
	return run.ID
}

func toolInputMap(call models.ToolCall) map[string]any {
	if len(call.Input) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return map[string]any{"raw": string(call.Input)}
	}
	return input
}

func decisionFrom(res resolution) agent.Decision {
	reason := res.reason
	if reason == "" && res.respondedBy != "" {
		reason = "decided by " + res.respondedBy
	}
	return agent.Decision{
		Allowed: res.status == models.ApprovalApproved,
		Reason:  reason,
	}
}
