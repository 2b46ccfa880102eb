package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/infra"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

// fakeAdapter records outbound traffic and feeds inbound through a channel.
type fakeAdapter struct {
	id  string
	typ models.ChannelType

	mu      sync.Mutex
	sent    []*models.Message
	prompts []*channels.ApprovalPrompt

	messages chan *models.Message
	metrics  *channels.Metrics
}

func newFakeAdapter(id string, typ models.ChannelType) *fakeAdapter {
	return &fakeAdapter{
		id:       id,
		typ:      typ,
		messages: make(chan *models.Message, 10),
		metrics:  channels.NewMetrics(typ),
	}
}

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) Send(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	return nil
}

func (f *fakeAdapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeAdapter) Messages() <-chan *models.Message { return f.messages }
func (f *fakeAdapter) ID() string                       { return f.id }
func (f *fakeAdapter) Type() models.ChannelType         { return f.typ }
func (f *fakeAdapter) Status() channels.Status          { return channels.Status{Connected: true} }

func (f *fakeAdapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return channels.HealthStatus{Healthy: true, LastCheck: time.Now()}
}

func (f *fakeAdapter) Metrics() channels.MetricsSnapshot { return f.metrics.Snapshot() }

func (f *fakeAdapter) sentMessages() []*models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeRunner stands in for the agent loop. When block is set, Run waits
// on it after signaling started.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []*models.Message
	reply   string
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, conv *models.Conversation, msg *models.Message) (*models.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	block := f.block
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        msg.Channel,
		Direction:      models.DirectionOutbound,
		Role:           models.RoleAssistant,
		Content:        f.reply,
	}, nil
}

func (f *fakeRunner) callContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Content
	}
	return out
}

type respondCall struct {
	id      string
	approve bool
	by      string
	reason  string
}

type fakeApprovals struct {
	mu        sync.Mutex
	responded []respondCall
	err       error
	pending   []*models.ApprovalRequest
}

func (f *fakeApprovals) Respond(ctx context.Context, approvalID string, approve bool, respondedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, respondCall{approvalID, approve, respondedBy, reason})
	return f.err
}

func (f *fakeApprovals) Pending(ctx context.Context, conversationID string) ([]*models.ApprovalRequest, error) {
	return f.pending, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func inboundMsg(typ models.ChannelType, chatID, text string) *models.Message {
	return &models.Message{
		Channel:      typ,
		ChannelMsgID: fmt.Sprintf("%s-%d", chatID, time.Now().UnixNano()),
		SenderID:     "u1",
		SenderName:   "Alice",
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      text,
		Metadata:     map[string]any{"chat_id": chatID},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestHandleInboundDispatchesReply(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{reply: "hello back"}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelWebhook)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelWebhook, "c1", "hi"))
	router.Wait()

	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Content != "hello back" {
		t.Errorf("reply = %q", sent[0].Content)
	}
	if sent[0].Metadata["chat_id"] != "c1" {
		t.Errorf("chat_id = %v", sent[0].Metadata["chat_id"])
	}
}

func TestQueuedMessagesMergeIntoOneFollowUp(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{
		reply:   "done",
		block:   make(chan struct{}),
		started: make(chan struct{}, 10),
	}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)
	ctx := context.Background()

	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", "first"))
	<-runner.started

	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", "a"))
	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", "b"))
	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", "c"))

	var acks int
	for _, m := range adapter.sentMessages() {
		if m.Content == queuedAck {
			acks++
		}
	}
	if acks != 3 {
		t.Errorf("queued acks = %d, want 3", acks)
	}

	close(runner.block)
	router.Wait()

	calls := runner.callContents()
	if len(calls) != 2 {
		t.Fatalf("runs = %d, want 2 (first + one merged follow-up)", len(calls))
	}
	want := "[Message 1]: a\n\n[Message 2]: b\n\n[Message 3]: c"
	if calls[1] != want {
		t.Errorf("merged payload = %q, want %q", calls[1], want)
	}
}

func TestSeparateConversationsRunConcurrently(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{
		reply:   "ok",
		block:   make(chan struct{}),
		started: make(chan struct{}, 10),
	}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)
	ctx := context.Background()

	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", "one"))
	<-runner.started
	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c2", "two"))
	<-runner.started

	// Both runs are in flight; neither got a queued ack.
	for _, m := range adapter.sentMessages() {
		if m.Content == queuedAck {
			t.Errorf("unexpected queued ack across conversations")
		}
	}

	close(runner.block)
	router.Wait()
}

func TestBudgetGateSkipsAgentLoop(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	if err := st.RecordAPICall(ctx, &models.APICall{
		GroupKey:     "c1",
		Provider:     "anthropic",
		Model:        "test",
		InputTokens:  80,
		OutputTokens: 40,
	}); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{reply: "should not run"}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{DailyTokenCap: 100}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelWebhook)

	router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelWebhook, "c1", "hi"))
	router.Wait()

	if len(runner.callContents()) != 0 {
		t.Error("agent loop ran despite exhausted budget")
	}
	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Content != budgetNotice {
		t.Errorf("sent = %+v, want budget notice", sent)
	}
}

func TestRunErrorSendsApology(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{err: errors.New("provider exploded")}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelWebhook)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelWebhook, "c1", "hi"))
	router.Wait()

	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Content != genericApology {
		t.Errorf("sent = %+v, want apology", sent)
	}
}

func TestCircuitOpenSendsUnavailableNotice(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{err: fmt.Errorf("llm call: %w", infra.ErrCircuitOpen)}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelWebhook)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelWebhook, "c1", "hi"))
	router.Wait()

	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Content != circuitNotice {
		t.Errorf("sent = %+v, want unavailable notice", sent)
	}
}

func TestDuplicateInboundDropped(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	conv, err := st.GetOrCreateConversation(ctx, "ch1", models.ChannelWebhook, "c1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        models.ChannelWebhook,
		ChannelMsgID:   "dup-1",
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        "hi",
	}); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{reply: "again"}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelWebhook)

	msg := inboundMsg(models.ChannelWebhook, "c1", "hi")
	msg.ChannelMsgID = "dup-1"
	router.HandleInbound(ctx, adapter, msg)
	router.Wait()

	if len(runner.callContents()) != 0 {
		t.Error("duplicate message reached the agent loop")
	}
	if len(adapter.sentMessages()) != 0 {
		t.Error("duplicate message produced a reply")
	}
}

func TestGroupKeyPrefersChatID(t *testing.T) {
	tests := []struct {
		name string
		msg  *models.Message
		want string
	}{
		{"string chat id", &models.Message{SenderID: "u1", Metadata: map[string]any{"chat_id": "c9"}}, "c9"},
		{"numeric chat id", &models.Message{SenderID: "u1", Metadata: map[string]any{"chat_id": int64(42)}}, "42"},
		{"json number chat id", &models.Message{SenderID: "u1", Metadata: map[string]any{"chat_id": float64(42)}}, "42"},
		{"fallback to sender", &models.Message{SenderID: "u1"}, "u1"},
		{"empty chat id", &models.Message{SenderID: "u1", Metadata: map[string]any{"chat_id": ""}}, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := groupKey(tt.msg); got != tt.want {
				t.Errorf("groupKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSenderRateLimitGate(t *testing.T) {
	st := openStore(t)
	runner := &fakeRunner{reply: "ok"}
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{SenderPerMinute: 2}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		router.HandleInbound(ctx, adapter, inboundMsg(models.ChannelTelegram, "c1", text))
		router.Wait()
	}

	if got := runner.callContents(); len(got) != 2 {
		t.Fatalf("runs = %v, want the third message gated", got)
	}
	sent := adapter.sentMessages()
	if len(sent) != 3 || sent[2].Content != rateNotice {
		t.Errorf("last reply = %+v", sent[len(sent)-1])
	}
}
