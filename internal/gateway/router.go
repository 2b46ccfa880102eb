// Package gateway connects channel adapters to the agent loop. The
// manager builds adapters from stored channel rows and pumps their
// inbound streams; the router serializes each conversation, merges
// messages that arrive mid-run, and interprets slash commands.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/infra"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

const (
	queuedAck      = "I'm still working on your previous message. This one is queued and will be handled next."
	budgetNotice   = "This chat has used up its token budget for now. Please try again after the window resets."
	rateNotice     = "You're sending messages too quickly. Please slow down."
	circuitNotice  = "The assistant is temporarily unavailable. Please try again in a minute."
	genericApology = "Sorry, something went wrong while handling that message. Please try again."
)

// agentRunner is the slice of agent.Loop the router depends on.
type agentRunner interface {
	Run(ctx context.Context, conv *models.Conversation, incoming *models.Message) (*models.Message, error)
}

// approvalResponder is the slice of hitl.Manager the commands need.
type approvalResponder interface {
	Respond(ctx context.Context, approvalID string, approve bool, respondedBy, reason string) error
	Pending(ctx context.Context, conversationID string) ([]*models.ApprovalRequest, error)
}

// Budget caps a group's token spend per period and a sender's message
// rate. Zero disables a cap.
type Budget struct {
	DailyTokenCap   int64
	MonthlyTokenCap int64
	SenderPerMinute int
}

type queuedMessage struct {
	msg     *models.Message
	adapter channels.Adapter
}

// Router dispatches inbound messages into the agent loop, one run per
// conversation at a time. Messages arriving while a run is in flight
// are queued and merged into a single follow-up run.
type Router struct {
	store     *store.Store
	loop      agentRunner
	approvals approvalResponder
	budget    Budget
	logger    *slog.Logger

	// mu guards processing and queue together; claiming a conversation
	// and queueing behind it must be one atomic step.
	mu         sync.Mutex
	processing map[string]bool
	queue      map[string][]*queuedMessage

	wg sync.WaitGroup
}

// NewRouter wires a Router from its dependencies.
func NewRouter(st *store.Store, loop agentRunner, approvals approvalResponder, budget Budget, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		store:      st,
		loop:       loop,
		approvals:  approvals,
		budget:     budget,
		logger:     logger.With("component", "router"),
		processing: make(map[string]bool),
		queue:      make(map[string][]*queuedMessage),
	}
}

// HandleInbound routes one inbound message. Slash commands are answered
// immediately and never enter the queue. Everything else either claims
// the conversation and starts a run, or queues behind the one in flight.
func (r *Router) HandleInbound(ctx context.Context, adapter channels.Adapter, msg *models.Message) {
	seen, err := r.store.MessageSeen(ctx, msg.Channel, msg.ChannelMsgID)
	if err != nil {
		r.logger.Warn("dedup check failed", "error", err)
	}
	if seen {
		r.logger.Debug("duplicate message dropped", "channel_msg_id", msg.ChannelMsgID)
		return
	}

	if cmd, ok := parseCommand(msg.Content); ok {
		r.handleCommand(ctx, adapter, msg, cmd)
		return
	}

	if r.budget.SenderPerMinute > 0 {
		ok, err := r.store.CheckRateLimit(ctx, "sender:"+msg.SenderID, time.Minute, r.budget.SenderPerMinute)
		if err != nil {
			r.logger.Warn("rate limit check failed", "error", err)
		} else if !ok {
			r.logger.Info("sender rate limited", "sender", msg.SenderID)
			r.reply(ctx, adapter, msg, rateNotice)
			return
		}
	}

	conv, err := r.store.GetOrCreateConversation(ctx, adapter.ID(), adapter.Type(), groupKey(msg), chatTitle(msg))
	if err != nil {
		r.logger.Error("failed to resolve conversation", "error", err, "sender", msg.SenderID)
		r.reply(ctx, adapter, msg, genericApology)
		return
	}

	r.mu.Lock()
	if r.processing[conv.ID] {
		r.queue[conv.ID] = append(r.queue[conv.ID], &queuedMessage{msg: msg, adapter: adapter})
		r.mu.Unlock()
		r.reply(ctx, adapter, msg, queuedAck)
		return
	}
	r.processing[conv.ID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runAndDrain(ctx, adapter, conv, msg)
	}()
}

// Wait blocks until every in-flight run and its drain finish.
func (r *Router) Wait() {
	r.wg.Wait()
}

// runAndDrain processes the claiming message, then repeatedly merges
// and runs whatever queued up behind it. New messages may arrive while
// a drain run is in flight, so the loop re-checks until the queue is
// empty before releasing the conversation.
func (r *Router) runAndDrain(ctx context.Context, adapter channels.Adapter, conv *models.Conversation, first *models.Message) {
	r.process(ctx, adapter, conv, first)

	for {
		r.mu.Lock()
		pending := r.queue[conv.ID]
		if len(pending) == 0 {
			delete(r.processing, conv.ID)
			delete(r.queue, conv.ID)
			r.mu.Unlock()
			return
		}
		delete(r.queue, conv.ID)
		r.mu.Unlock()

		merged, mergedAdapter := mergeQueued(pending)
		r.process(ctx, mergedAdapter, conv, merged)
	}
}

func (r *Router) process(ctx context.Context, adapter channels.Adapter, conv *models.Conversation, msg *models.Message) {
	over, err := r.overBudget(ctx, conv.GroupKey)
	if err != nil {
		r.logger.Warn("budget check failed", "error", err, "conversation", conv.ID)
	}
	if over {
		r.logger.Info("token budget exceeded", "conversation", conv.ID, "group", conv.GroupKey)
		r.reply(ctx, adapter, msg, budgetNotice)
		return
	}

	reply, err := r.loop.Run(ctx, conv, msg)
	if err != nil {
		r.logger.Error("agent run failed", "error", err, "conversation", conv.ID)
		if errors.Is(err, infra.ErrCircuitOpen) {
			r.reply(ctx, adapter, msg, circuitNotice)
		} else {
			r.reply(ctx, adapter, msg, genericApology)
		}
		return
	}
	if reply == nil || reply.Content == "" {
		return
	}

	if reply.Metadata == nil {
		reply.Metadata = map[string]any{}
	}
	for k, v := range routingMetadata(msg) {
		if _, exists := reply.Metadata[k]; !exists {
			reply.Metadata[k] = v
		}
	}
	if err := adapter.Send(ctx, reply); err != nil {
		r.logger.Error("failed to deliver reply",
			"error", err, "code", channels.GetErrorCode(err),
			"retryable", channels.IsRetryable(err), "conversation", conv.ID)
	}
}

// overBudget checks the group's token spend against the configured caps.
func (r *Router) overBudget(ctx context.Context, group string) (bool, error) {
	now := time.Now().UTC()
	if r.budget.DailyTokenCap > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := r.store.GroupTokensSince(ctx, group, dayStart)
		if err != nil {
			return false, err
		}
		if spent >= r.budget.DailyTokenCap {
			return true, nil
		}
	}
	if r.budget.MonthlyTokenCap > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := r.store.GroupTokensSince(ctx, group, monthStart)
		if err != nil {
			return false, err
		}
		if spent >= r.budget.MonthlyTokenCap {
			return true, nil
		}
	}
	return false, nil
}

// reply sends an out-of-band text (acks, apologies, command results) on
// the adapter without persisting it to the transcript.
func (r *Router) reply(ctx context.Context, adapter channels.Adapter, inbound *models.Message, text string) {
	out := &models.Message{
		Channel:   adapter.Type(),
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		Metadata:  routingMetadata(inbound),
		CreatedAt: time.Now().UTC(),
	}
	if err := adapter.Send(ctx, out); err != nil {
		r.logger.Warn("failed to send reply", "error", err, "channel", adapter.ID())
	}
}

// mergeQueued collapses queued messages into one numbered payload in
// arrival order. Delivery routing follows the newest message.
func mergeQueued(items []*queuedMessage) (*models.Message, channels.Adapter) {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Message %d]: %s", i+1, it.msg.Content)
	}

	last := items[len(items)-1]
	merged := &models.Message{
		Channel:    last.msg.Channel,
		SenderID:   last.msg.SenderID,
		SenderName: last.msg.SenderName,
		Direction:  models.DirectionInbound,
		Role:       models.RoleUser,
		Content:    b.String(),
		Metadata:   last.msg.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	return merged, last.adapter
}

// routingMetadata copies the keys adapters use to address an outbound
// message back to where the inbound one came from.
func routingMetadata(inbound *models.Message) map[string]any {
	keys := []string{"chat_id", "thread_ts", "reply_to_message_id", "subject", "conversation_id", "team_id"}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := inbound.Metadata[k]; ok {
			out[k] = v
		}
	}
	return out
}

// groupKey picks the conversation key: the platform chat id when the
// adapter provides one, the sender otherwise. Telegram reports numeric
// chat ids, everything else uses strings.
func groupKey(msg *models.Message) string {
	switch v := msg.Metadata["chat_id"].(type) {
	case string:
		if v != "" {
			return v
		}
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return msg.SenderID
}

// chatTitle picks the conversation display title: the platform chat
// title when the adapter reports one, the sender's name otherwise.
func chatTitle(msg *models.Message) string {
	if title, ok := msg.Metadata["chat_title"].(string); ok && title != "" {
		return title
	}
	return msg.SenderName
}
