package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/loopgate/loopgate/pkg/models"
)

func seedConversation(t *testing.T, s *Store) *models.Conversation {
	t.Helper()
	conv, err := s.GetOrCreateConversation(context.Background(), "chan-1", models.ChannelTelegram, "group-42", "")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	return conv
}

func addUserMessage(t *testing.T, s *Store, conv *models.Conversation, branchID, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ConversationID: conv.ID,
		BranchID:       branchID,
		Channel:        conv.Channel,
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        content,
	}
	if err := s.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage(%q): %v", content, err)
	}
	return msg
}

func TestGetOrCreateConversationCreatesPrimaryBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	if conv.ActiveBranchID == "" {
		t.Fatal("conversation created without active branch")
	}
	branch, err := s.GetBranch(ctx, conv.ActiveBranchID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if !branch.IsPrimary || branch.Name != "main" || branch.ParentBranchID != nil {
		t.Errorf("primary branch = %+v", branch)
	}

	// Same key returns the same conversation.
	again, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "group-42", "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != conv.ID {
		t.Errorf("second lookup created a new conversation")
	}

	// A different group key is a different conversation.
	other, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "group-43", "")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == conv.ID {
		t.Error("distinct group keys must map to distinct conversations")
	}
}

func TestGetOrCreateConversationPersistsTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "group-9", "Ops Channel")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if conv.Title != "Ops Channel" {
		t.Errorf("title = %q, want Ops Channel", conv.Title)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Ops Channel" {
		t.Errorf("stored title = %q, want Ops Channel", got.Title)
	}

	// An empty title on a later lookup does not erase the stored one.
	same, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "group-9", "")
	if err != nil {
		t.Fatal(err)
	}
	if same.Title != "Ops Channel" {
		t.Errorf("title after empty lookup = %q", same.Title)
	}

	// A renamed chat refreshes the title in place.
	renamed, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "group-9", "Ops War Room")
	if err != nil {
		t.Fatal(err)
	}
	if renamed.ID != conv.ID || renamed.Title != "Ops War Room" {
		t.Errorf("renamed = %+v", renamed)
	}
}

func TestSaveMessageAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	conv := seedConversation(t, s)

	var last int64
	for i := 0; i < 5; i++ {
		msg := addUserMessage(t, s, conv, conv.ActiveBranchID, fmt.Sprintf("msg %d", i))
		if msg.ID <= last {
			t.Fatalf("message id %d not greater than previous %d", msg.ID, last)
		}
		last = msg.ID
	}
}

func TestBranchForkAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "one")
	m2 := addUserMessage(t, s, conv, main, "two")
	m3 := addUserMessage(t, s, conv, main, "three")

	// Fork at m2: the branch sees one, two but not three.
	branch, err := s.CreateBranch(ctx, conv.ID, main, "alt", m2.ID)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	addUserMessage(t, s, conv, branch.ID, "alt-one")

	history, err := s.BranchHistory(ctx, branch.ID, 0)
	if err != nil {
		t.Fatalf("BranchHistory: %v", err)
	}
	want := []string{"one", "two", "alt-one"}
	if len(history) != len(want) {
		t.Fatalf("history length = %d, want %d", len(history), len(want))
	}
	for i, content := range want {
		if history[i].Content != content {
			t.Errorf("history[%d] = %q, want %q", i, history[i].Content, content)
		}
	}

	// Main branch history is untouched.
	mainHistory, err := s.BranchHistory(ctx, main, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mainHistory) != 3 || mainHistory[2].ID != m3.ID {
		t.Errorf("main history corrupted: %d messages", len(mainHistory))
	}
	_ = m1
}

func TestBranchHistoryGrandchildUsesCumulativeMin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "root-1")
	m2 := addUserMessage(t, s, conv, main, "root-2")
	addUserMessage(t, s, conv, main, "root-3")

	child, err := s.CreateBranch(ctx, conv.ID, main, "child", m2.ID)
	if err != nil {
		t.Fatal(err)
	}
	c1 := addUserMessage(t, s, conv, child.ID, "child-1")
	addUserMessage(t, s, conv, child.ID, "child-2")

	// Grandchild forks at child's first message. It inherits root-1,
	// root-2 (<= child's fork) and child-1, but not child-2 or root-3.
	grand, err := s.CreateBranch(ctx, conv.ID, child.ID, "grand", c1.ID)
	if err != nil {
		t.Fatal(err)
	}
	addUserMessage(t, s, conv, grand.ID, "grand-1")

	history, err := s.BranchHistory(ctx, grand.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"root-1", "root-2", "child-1", "grand-1"}
	if len(history) != len(want) {
		t.Fatalf("history = %d messages, want %d", len(history), len(want))
	}
	for i, content := range want {
		if history[i].Content != content {
			t.Errorf("history[%d] = %q, want %q", i, history[i].Content, content)
		}
	}
	_ = m1
}

func TestBranchHistoryWindow(t *testing.T) {
	s := newTestStore(t)
	conv := seedConversation(t, s)

	for i := 0; i < 10; i++ {
		addUserMessage(t, s, conv, conv.ActiveBranchID, fmt.Sprintf("m%d", i))
	}
	history, err := s.BranchHistory(context.Background(), conv.ActiveBranchID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("windowed history = %d, want 4", len(history))
	}
	if history[0].Content != "m6" || history[3].Content != "m9" {
		t.Errorf("window kept wrong tail: first=%q last=%q", history[0].Content, history[3].Content)
	}
}

func TestCreateBranchRejectsInvalidBranchPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	m1 := addUserMessage(t, s, conv, conv.ActiveBranchID, "only")

	_, err := s.CreateBranch(ctx, conv.ID, conv.ActiveBranchID, "bad", m1.ID+100)
	if !errors.Is(err, ErrBranchPointInvalid) {
		t.Errorf("err = %v, want ErrBranchPointInvalid", err)
	}

	// A message on a sibling branch is not visible to main either.
	sibling, err := s.CreateBranch(ctx, conv.ID, conv.ActiveBranchID, "sib", m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	sibMsg := addUserMessage(t, s, conv, sibling.ID, "sibling only")
	_, err = s.CreateBranch(ctx, conv.ID, conv.ActiveBranchID, "bad2", sibMsg.ID)
	if !errors.Is(err, ErrBranchPointInvalid) {
		t.Errorf("fork at sibling message: err = %v, want ErrBranchPointInvalid", err)
	}
}

func TestDeletePrimaryBranchRejected(t *testing.T) {
	s := newTestStore(t)
	conv := seedConversation(t, s)

	err := s.DeleteBranch(context.Background(), conv.ID, conv.ActiveBranchID)
	if !errors.Is(err, ErrCannotDeletePrimary) {
		t.Errorf("err = %v, want ErrCannotDeletePrimary", err)
	}
}

func TestDeleteActiveBranchFallsBackToPrimary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "base")
	branch, err := s.CreateBranch(ctx, conv.ID, main, "alt", m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SwitchBranch(ctx, conv.ID, branch.ID); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	if err := s.DeleteBranch(ctx, conv.ID, branch.ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveBranchID != main {
		t.Errorf("active branch = %s, want primary %s", got.ActiveBranchID, main)
	}
	if _, err := s.GetBranch(ctx, branch.ID); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("deleted branch lookup err = %v", err)
	}
}

func TestDeleteBranchCascadesToDescendants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "root-1")
	mid, err := s.CreateBranch(ctx, conv.ID, main, "mid", m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	midMsg := addUserMessage(t, s, conv, mid.ID, "mid-1")
	leaf, err := s.CreateBranch(ctx, conv.ID, mid.ID, "leaf", midMsg.ID)
	if err != nil {
		t.Fatal(err)
	}
	addUserMessage(t, s, conv, leaf.ID, "leaf-1")

	if err := s.DeleteBranch(ctx, conv.ID, mid.ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	// The whole subtree is gone, messages included.
	if _, err := s.GetBranch(ctx, mid.ID); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("mid lookup err = %v, want ErrBranchNotFound", err)
	}
	if _, err := s.GetBranch(ctx, leaf.ID); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("leaf lookup err = %v, want ErrBranchNotFound", err)
	}

	branches, err := s.ListBranches(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 1 || !branches[0].IsPrimary {
		t.Errorf("branches after cascade = %+v, want only primary", branches)
	}

	// Main history is untouched.
	history, err := s.BranchHistory(ctx, main, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "root-1" {
		t.Errorf("main history = %+v, want just root-1", history)
	}
}

func TestDeleteBranchCascadeResetsActiveDescendant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "base")
	mid, err := s.CreateBranch(ctx, conv.ID, main, "mid", m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	midMsg := addUserMessage(t, s, conv, mid.ID, "mid-1")
	leaf, err := s.CreateBranch(ctx, conv.ID, mid.ID, "leaf", midMsg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SwitchBranch(ctx, conv.ID, leaf.ID); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	// Deleting an ancestor of the active branch falls back to primary.
	if err := s.DeleteBranch(ctx, conv.ID, mid.ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveBranchID != main {
		t.Errorf("active branch = %s, want primary %s", got.ActiveBranchID, main)
	}
}

func TestSwitchBranchRejectsForeignBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedConversation(t, s)
	b, err := s.GetOrCreateConversation(ctx, "chan-1", models.ChannelTelegram, "other-group", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SwitchBranch(ctx, a.ID, b.ActiveBranchID); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("err = %v, want ErrBranchNotFound", err)
	}
}

func TestMessageSeenDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	msg := &models.Message{
		ConversationID: conv.ID,
		BranchID:       conv.ActiveBranchID,
		Channel:        models.ChannelTelegram,
		ChannelMsgID:   "tg-777",
		Direction:      models.DirectionInbound,
		Role:           models.RoleUser,
		Content:        "hello",
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	seen, err := s.MessageSeen(ctx, models.ChannelTelegram, "tg-777")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("persisted platform id should be seen")
	}

	seen, err = s.MessageSeen(ctx, models.ChannelTelegram, "tg-778")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("unknown platform id should not be seen")
	}

	// Empty platform ids never dedup.
	seen, err = s.MessageSeen(ctx, models.ChannelTelegram, "")
	if err != nil || seen {
		t.Errorf("empty id: seen=%v err=%v", seen, err)
	}
}

func TestListBranches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	main := conv.ActiveBranchID

	m1 := addUserMessage(t, s, conv, main, "one")
	alt, err := s.CreateBranch(ctx, conv.ID, main, "alt", m1.ID)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	branches, err := s.ListBranches(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("branches = %d, want 2", len(branches))
	}
	if !branches[0].IsPrimary || !branches[0].IsRoot() {
		t.Errorf("first branch = %+v, want primary root", branches[0])
	}
	if branches[1].ID != alt.ID || branches[1].IsRoot() {
		t.Errorf("second branch = %+v, want the fork", branches[1])
	}
}
