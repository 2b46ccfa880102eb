package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/pkg/models"
)

type fakeSession struct {
	sent     []string
	complex  []*discordgo.MessageSend
	respond  []*discordgo.InteractionResponse
	sendErr  error
	opened   bool
	closed   bool
	handlers []interface{}
}

func (f *fakeSession) Open() error  { f.opened = true; return nil }
func (f *fakeSession) Close() error { f.closed = true; return nil }

func (f *fakeSession) AddHandler(handler interface{}) func() {
	f.handlers = append(f.handlers, handler)
	return func() {}
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, content)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.complex = append(f.complex, data)
	return &discordgo.Message{ID: "m2", ChannelID: channelID}, nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.respond = append(f.respond, resp)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSession) {
	t.Helper()
	a, err := NewAdapter(Config{ChannelID: "ch1", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeSession{}
	a.session = fs
	return a, fs
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Token: "t"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RateLimit != 5 || cfg.RateBurst != 10 {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	empty := Config{}
	if err := empty.Validate(); err == nil {
		t.Error("missing token should be rejected")
	}
}

func TestParseApprovalCustomID(t *testing.T) {
	tests := []struct {
		data       string
		action, id string
		ok         bool
	}{
		{"approve:ap-1", "approve", "ap-1", true},
		{"reject:ap-1", "reject", "ap-1", true},
		{"other:x", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		action, id, ok := parseApprovalCustomID(tt.data)
		if action != tt.action || id != tt.id || ok != tt.ok {
			t.Errorf("parseApprovalCustomID(%q) = %q, %q, %v", tt.data, action, id, ok)
		}
	}
}

func TestChannelAllowed(t *testing.T) {
	open, err := NewAdapter(Config{Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !open.channelAllowed("anything") {
		t.Error("empty allowlist should admit everyone")
	}

	restricted, err := NewAdapter(Config{Token: "t", AllowedChannels: []string{"c1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !restricted.channelAllowed("c1") || restricted.channelAllowed("c2") {
		t.Error("allowlist not enforced")
	}
}

func TestSendSplitsLongMessages(t *testing.T) {
	a, fs := newTestAdapter(t)

	msg := &models.Message{
		Content:  strings.Repeat("word ", 800),
		Metadata: map[string]any{"chat_id": "c1"},
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fs.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(fs.sent))
	}
	for _, part := range fs.sent {
		if len(part) > 1990 {
			t.Errorf("chunk exceeds limit: %d", len(part))
		}
	}
}

func TestSendRequiresChatID(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Send(context.Background(), &models.Message{Content: "hi"})
	if err == nil {
		t.Fatal("expected error for missing chat_id")
	}
	if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSendApprovalPromptHasButtons(t *testing.T) {
	a, fs := newTestAdapter(t)

	prompt := &channels.ApprovalPrompt{ApprovalID: "ap-9", ToolName: "bash", Summary: "run ls"}
	if err := a.SendApprovalPrompt(context.Background(), "c1", prompt); err != nil {
		t.Fatalf("SendApprovalPrompt: %v", err)
	}
	if len(fs.complex) != 1 {
		t.Fatalf("expected one complex send, got %d", len(fs.complex))
	}
	row, ok := fs.complex[0].Components[0].(discordgo.ActionsRow)
	if !ok {
		t.Fatalf("expected actions row, got %T", fs.complex[0].Components[0])
	}
	approve := row.Components[0].(discordgo.Button)
	reject := row.Components[1].(discordgo.Button)
	if approve.CustomID != "approve:ap-9" || reject.CustomID != "reject:ap-9" {
		t.Errorf("custom ids = %q, %q", approve.CustomID, reject.CustomID)
	}
}

func TestHandleMessageCreateIgnoresOwnAndBots(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.botID = "bot-1"

	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:      "1",
		Author:  &discordgo.User{ID: "bot-1"},
		Content: "self",
	}})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:      "2",
		Author:  &discordgo.User{ID: "u2", Bot: true},
		Content: "other bot",
	}})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "3",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "u3", Username: "alice"},
		Content:   "hello",
	}})

	select {
	case msg := <-a.Messages():
		if msg.Content != "hello" || msg.SenderID != "u3" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.Metadata["chat_id"] != "c1" {
			t.Errorf("chat_id = %v", msg.Metadata["chat_id"])
		}
	default:
		t.Fatal("expected user message to be delivered")
	}

	select {
	case msg := <-a.Messages():
		t.Fatalf("unexpected extra message: %+v", msg)
	default:
	}
}

func TestHandleInteractionSynthesizesCommand(t *testing.T) {
	a, fs := newTestAdapter(t)

	a.handleInteractionCreate(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "c1",
		User:      &discordgo.User{ID: "u1", Username: "bob"},
		Data:      discordgo.MessageComponentInteractionData{CustomID: "approve:ap-3"},
	}})

	if len(fs.respond) != 1 {
		t.Fatalf("expected interaction ack, got %d", len(fs.respond))
	}
	select {
	case msg := <-a.Messages():
		if msg.Content != "/approve ap-3" {
			t.Errorf("content = %q", msg.Content)
		}
	default:
		t.Fatal("expected synthesized command message")
	}
}
