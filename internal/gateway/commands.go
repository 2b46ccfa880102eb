package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/hitl"
	"github.com/loopgate/loopgate/pkg/models"
)

var approvalIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

type command struct {
	name   string
	id     string
	reason string
}

// parseCommand recognizes the gateway's slash commands. Telegram appends
// "@botname" to commands in groups, which is stripped before matching.
func parseCommand(content string) (command, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}

	verb := strings.ToLower(fields[0])
	if i := strings.Index(verb, "@"); i > 0 {
		verb = verb[:i]
	}

	switch verb {
	case "/approve", "/reject":
		cmd := command{name: strings.TrimPrefix(verb, "/")}
		if len(fields) > 1 {
			cmd.id = fields[1]
		}
		if len(fields) > 2 {
			cmd.reason = strings.Join(fields[2:], " ")
		}
		return cmd, true
	case "/reset":
		return command{name: "reset"}, true
	case "/status":
		return command{name: "status"}, true
	}
	return command{}, false
}

// handleCommand answers a slash command directly on the adapter. Commands
// never enter the conversation queue and never reach the agent loop.
func (r *Router) handleCommand(ctx context.Context, adapter channels.Adapter, msg *models.Message, cmd command) {
	r.logger.Info("slash command", "command", cmd.name, "sender", msg.SenderID)

	switch cmd.name {
	case "approve", "reject":
		r.reply(ctx, adapter, msg, r.resolveApproval(ctx, msg, cmd))
	case "reset":
		r.reply(ctx, adapter, msg, r.resetConversation(ctx, adapter, msg))
	case "status":
		r.reply(ctx, adapter, msg, r.statusReport(ctx, adapter, msg))
	}
}

func (r *Router) resolveApproval(ctx context.Context, msg *models.Message, cmd command) string {
	if cmd.id == "" || !approvalIDPattern.MatchString(cmd.id) {
		return fmt.Sprintf("Usage: /%s <approval-id> [reason]", cmd.name)
	}

	respondedBy := msg.SenderName
	if respondedBy == "" {
		respondedBy = msg.SenderID
	}

	err := r.approvals.Respond(ctx, cmd.id, cmd.name == "approve", respondedBy, cmd.reason)
	if errors.Is(err, hitl.ErrUnknownApproval) {
		return "No pending approval with that id."
	}
	if err != nil {
		r.logger.Error("failed to resolve approval", "error", err, "approval", cmd.id)
		return "Could not record your response. Please try again."
	}
	if cmd.name == "approve" {
		return "Approved."
	}
	return "Rejected."
}

func (r *Router) resetConversation(ctx context.Context, adapter channels.Adapter, msg *models.Message) string {
	conv, err := r.store.GetOrCreateConversation(ctx, adapter.ID(), adapter.Type(), groupKey(msg), chatTitle(msg))
	if err != nil {
		r.logger.Error("failed to resolve conversation for reset", "error", err)
		return "Could not reset this conversation."
	}

	n, err := r.store.ClearBranchMessages(ctx, conv.ActiveBranchID)
	if err != nil {
		r.logger.Error("failed to clear branch", "error", err, "branch", conv.ActiveBranchID)
		return "Could not reset this conversation."
	}
	if n == 1 {
		return "Conversation reset. 1 message cleared."
	}
	return fmt.Sprintf("Conversation reset. %d messages cleared.", n)
}

func (r *Router) statusReport(ctx context.Context, adapter channels.Adapter, msg *models.Message) string {
	conv, err := r.store.GetOrCreateConversation(ctx, adapter.ID(), adapter.Type(), groupKey(msg), chatTitle(msg))
	if err != nil {
		r.logger.Error("failed to resolve conversation for status", "error", err)
		return "Status is unavailable right now."
	}

	count, err := r.store.CountBranchMessages(ctx, conv.ActiveBranchID)
	if err != nil {
		r.logger.Warn("failed to count messages", "error", err, "branch", conv.ActiveBranchID)
	}

	var pending int
	if reqs, err := r.approvals.Pending(ctx, conv.ID); err == nil {
		pending = len(reqs)
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	tokens, err := r.store.GroupTokensSince(ctx, conv.GroupKey, dayStart)
	if err != nil {
		r.logger.Warn("failed to sum tokens", "error", err, "group", conv.GroupKey)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Messages: %d\n", count)
	fmt.Fprintf(&b, "Pending approvals: %d\n", pending)
	if r.budget.DailyTokenCap > 0 {
		fmt.Fprintf(&b, "Tokens today: %d / %d", tokens, r.budget.DailyTokenCap)
	} else {
		fmt.Fprintf(&b, "Tokens today: %d", tokens)
	}
	return b.String()
}
