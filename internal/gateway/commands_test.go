package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/loopgate/loopgate/internal/hitl"
	"github.com/loopgate/loopgate/pkg/models"
)

const testApprovalID = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    command
		ok      bool
	}{
		{"approve with reason", "/approve " + testApprovalID + " looks safe to me",
			command{name: "approve", id: testApprovalID, reason: "looks safe to me"}, true},
		{"reject bare", "/reject " + testApprovalID,
			command{name: "reject", id: testApprovalID}, true},
		{"approve with bot suffix", "/approve@loopgate_bot " + testApprovalID,
			command{name: "approve", id: testApprovalID}, true},
		{"reset", "/reset", command{name: "reset"}, true},
		{"status", "/status", command{name: "status"}, true},
		{"status uppercase", "/STATUS", command{name: "status"}, true},
		{"plain text", "hello there", command{}, false},
		{"unknown command", "/unknown", command{}, false},
		{"empty", "   ", command{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCommand(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseCommand(%q) = %+v, %v; want %+v, %v", tt.content, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestApproveCommandResolvesApproval(t *testing.T) {
	st := openStore(t)
	approvals := &fakeApprovals{}
	router := NewRouter(st, &fakeRunner{}, approvals, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	msg := inboundMsg(models.ChannelTelegram, "c1", "/approve "+testApprovalID+" fine by me")
	router.HandleInbound(context.Background(), adapter, msg)

	if len(approvals.responded) != 1 {
		t.Fatalf("responded %d times, want 1", len(approvals.responded))
	}
	call := approvals.responded[0]
	if call.id != testApprovalID || !call.approve || call.by != "Alice" || call.reason != "fine by me" {
		t.Errorf("respond call = %+v", call)
	}

	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Content != "Approved." {
		t.Errorf("reply = %+v", sent)
	}
}

func TestRejectCommand(t *testing.T) {
	st := openStore(t)
	approvals := &fakeApprovals{}
	router := NewRouter(st, &fakeRunner{}, approvals, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelTelegram, "c1", "/reject "+testApprovalID))

	if len(approvals.responded) != 1 || approvals.responded[0].approve {
		t.Fatalf("respond calls = %+v", approvals.responded)
	}
	if sent := adapter.sentMessages(); len(sent) != 1 || sent[0].Content != "Rejected." {
		t.Errorf("reply = %+v", sent)
	}
}

func TestApproveUnknownID(t *testing.T) {
	st := openStore(t)
	approvals := &fakeApprovals{err: hitl.ErrUnknownApproval}
	router := NewRouter(st, &fakeRunner{}, approvals, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelTelegram, "c1", "/approve "+testApprovalID))

	if sent := adapter.sentMessages(); len(sent) != 1 || sent[0].Content != "No pending approval with that id." {
		t.Errorf("reply = %+v", sent)
	}
}

func TestApproveMalformedID(t *testing.T) {
	st := openStore(t)
	approvals := &fakeApprovals{}
	router := NewRouter(st, &fakeRunner{}, approvals, Budget{}, nil)
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	router.HandleInbound(context.Background(), adapter, inboundMsg(models.ChannelTelegram, "c1", "/approve not-a-uuid"))

	if len(approvals.responded) != 0 {
		t.Error("malformed id reached the approval manager")
	}
	sent := adapter.sentMessages()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Content, "Usage: /approve") {
		t.Errorf("reply = %+v", sent)
	}
}

func TestResetClearsActiveBranch(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	conv, err := st.GetOrCreateConversation(ctx, adapter.ID(), adapter.Type(), "c1", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if err := st.SaveMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			BranchID:       conv.ActiveBranchID,
			Channel:        adapter.Type(),
			Direction:      models.DirectionInbound,
			Role:           models.RoleUser,
			Content:        text,
		}); err != nil {
			t.Fatal(err)
		}
	}

	router := NewRouter(st, &fakeRunner{}, &fakeApprovals{}, Budget{}, nil)
	router.HandleInbound(ctx, adapter, inboundMsg(adapter.Type(), "c1", "/reset"))

	sent := adapter.sentMessages()
	if len(sent) != 1 || sent[0].Content != "Conversation reset. 2 messages cleared." {
		t.Errorf("reply = %+v", sent)
	}

	count, err := st.CountBranchMessages(ctx, conv.ActiveBranchID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("messages after reset = %d", count)
	}
}

func TestStatusReport(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)

	conv, err := st.GetOrCreateConversation(ctx, adapter.ID(), adapter.Type(), "c1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        adapter.Type(),
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        "hi",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordAPICall(ctx, &models.APICall{
		GroupKey:     "c1",
		Provider:     "anthropic",
		Model:        "test",
		InputTokens:  30,
		OutputTokens: 20,
	}); err != nil {
		t.Fatal(err)
	}

	approvals := &fakeApprovals{pending: []*models.ApprovalRequest{{ID: testApprovalID}}}
	router := NewRouter(st, &fakeRunner{}, approvals, Budget{DailyTokenCap: 500}, nil)
	router.HandleInbound(ctx, adapter, inboundMsg(adapter.Type(), "c1", "/status"))

	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	report := sent[0].Content
	for _, want := range []string{"Messages: 1", "Pending approvals: 1", "Tokens today: 50 / 500"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
