package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

func pendingApproval(t *testing.T, s *Store, conv *models.Conversation) *models.ApprovalRequest {
	t.Helper()
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		ConversationID: conv.ID,
		ToolName:       "delete_file",
		ToolInput:      map[string]any{"path": "/tmp/x"},
		Risk:           models.RiskHigh,
		TimeoutAt:      now.Add(5 * time.Minute),
		ExpiresAt:      now.Add(10 * time.Minute),
	}
	if err := s.CreateApproval(context.Background(), req); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	return req
}

func TestApprovalResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	req := pendingApproval(t, s, conv)

	if err := s.ResolveApproval(ctx, req.ID, models.ApprovalApproved, "user-1", "looks fine"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	// Second resolution must not overwrite the first.
	err := s.ResolveApproval(ctx, req.ID, models.ApprovalRejected, "user-2", "no")
	if !errors.Is(err, ErrApprovalAlreadyFinal) {
		t.Errorf("second resolve err = %v, want ErrApprovalAlreadyFinal", err)
	}

	got, err := s.GetApproval(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalApproved || got.RespondedBy != "user-1" {
		t.Errorf("approval = %+v", got)
	}
	if got.RespondedAt == nil {
		t.Error("resolved approval missing responded_at")
	}
	if got.ToolInput["path"] != "/tmp/x" {
		t.Errorf("tool input = %v", got.ToolInput)
	}
}

func TestResolveUnknownApproval(t *testing.T) {
	s := newTestStore(t)
	err := s.ResolveApproval(context.Background(), "nope", models.ApprovalApproved, "u", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListPendingApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	a := pendingApproval(t, s, conv)
	b := pendingApproval(t, s, conv)
	if err := s.ResolveApproval(ctx, a.ID, models.ApprovalRejected, "u", ""); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingApprovals(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestExpireStaleApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	stale := pendingApproval(t, s, conv)

	now := time.Now().UTC()
	fresh := &models.ApprovalRequest{
		ConversationID: conv.ID,
		ToolName:       "send_email",
		Risk:           models.RiskHigh,
		TimeoutAt:      now.Add(time.Hour),
		ExpiresAt:      now.Add(2 * time.Hour),
	}
	if err := s.CreateApproval(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// Sweep at a time past the stale row's expiry but before the fresh one.
	n, err := s.ExpireStaleApprovals(ctx, stale.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	got, err := s.GetApproval(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalTimedOut {
		t.Errorf("stale status = %s, want timeout", got.Status)
	}

	got, err = s.GetApproval(ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalPending {
		t.Errorf("fresh status = %s, want pending", got.Status)
	}
}

func TestApprovalRuleUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := &models.ApprovalRule{
		ToolPattern:   "mcp_*",
		Risk:          models.RiskHigh,
		RequireHuman:  true,
		AutoApprove:   true,
		TimeoutSec:    120,
		TimeoutAction: models.TimeoutReject,
	}
	if err := s.UpsertApprovalRule(ctx, rule); err != nil {
		t.Fatalf("UpsertApprovalRule: %v", err)
	}

	rules, err := s.ListApprovalRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || !rules[0].AutoApprove {
		t.Errorf("rules after insert = %+v", rules)
	}

	// Upserting the same pattern updates in place.
	rule2 := &models.ApprovalRule{
		ToolPattern:   "mcp_*",
		Risk:          models.RiskCritical,
		RequireHuman:  true,
		TimeoutSec:    600,
		TimeoutAction: models.TimeoutReject,
	}
	if err := s.UpsertApprovalRule(ctx, rule2); err != nil {
		t.Fatal(err)
	}

	rules, err = s.ListApprovalRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	if rules[0].Risk != models.RiskCritical || rules[0].TimeoutSec != 600 || rules[0].AutoApprove {
		t.Errorf("rule = %+v", rules[0])
	}
}

func TestRateLimitWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.CheckRateLimit(ctx, "user:42", time.Hour, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	ok, err := s.CheckRateLimit(ctx, "user:42", time.Hour, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("fourth hit should exceed the cap")
	}

	// A different key has its own counter.
	ok, err = s.CheckRateLimit(ctx, "user:43", time.Hour, 3)
	if err != nil || !ok {
		t.Errorf("other key: ok=%v err=%v", ok, err)
	}

	// Zero cap disables limiting.
	ok, err = s.CheckRateLimit(ctx, "user:42", time.Hour, 0)
	if err != nil || !ok {
		t.Errorf("zero cap: ok=%v err=%v", ok, err)
	}
}
