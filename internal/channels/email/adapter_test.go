package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/pkg/models"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{
		ChannelID:   "ch1",
		TenantID:    "tenant",
		ClientID:    "client",
		AccessToken: "tok",
		UserEmail:   "agent@example.com",
		BaseURL:     baseURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{TenantID: "t", ClientID: "c", AccessToken: "tok", UserEmail: "a@b.c"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PollInterval != 30*time.Second || cfg.FolderID != "inbox" {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	bad := Config{TenantID: "t", ClientID: "c", UserEmail: "a@b.c"}
	if err := bad.Validate(); err == nil {
		t.Error("missing credentials should be rejected")
	}
}

func TestStripHTMLTags(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<p>hello <b>world</b></p>", "hello world"},
		{"plain text", "plain text"},
		{"a &amp; b&nbsp;c", "a & b c"},
		{"<div><script>x</script>keep</div>", "xkeep"},
	}
	for _, tt := range tests {
		if got := stripHTMLTags(tt.in); got != tt.want {
			t.Errorf("stripHTMLTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProcessMailDedupAndFiltering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// markRead PATCH calls land here.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	a.startedAt = time.Now().Add(-time.Hour)

	mail := &graphMessage{
		ID:               "m1",
		ReceivedDateTime: time.Now(),
	}
	mail.From.EmailAddress.Address = "user@example.com"
	mail.From.EmailAddress.Name = "User"
	mail.Body.ContentType = "text"
	mail.Body.Content = "hello agent"
	mail.Subject = "Question"

	a.processMail(context.Background(), mail)
	a.processMail(context.Background(), mail)

	select {
	case msg := <-a.Messages():
		if msg.Content != "hello agent" || msg.SenderID != "user@example.com" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.Metadata["reply_to_message_id"] != "m1" {
			t.Errorf("reply_to_message_id = %v", msg.Metadata["reply_to_message_id"])
		}
	default:
		t.Fatal("expected message")
	}
	select {
	case msg := <-a.Messages():
		t.Fatalf("duplicate delivered: %+v", msg)
	default:
	}
}

func TestProcessMailSkipsOwnAndOld(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid")
	a.startedAt = time.Now()

	own := &graphMessage{ID: "m2", ReceivedDateTime: time.Now().Add(time.Minute)}
	own.From.EmailAddress.Address = "AGENT@example.com"
	own.Body.Content = "self"
	a.processMail(context.Background(), own)

	old := &graphMessage{ID: "m3", ReceivedDateTime: time.Now().Add(-time.Hour)}
	old.From.EmailAddress.Address = "user@example.com"
	old.Body.Content = "stale"
	a.processMail(context.Background(), old)

	select {
	case msg := <-a.Messages():
		t.Fatalf("unexpected message: %+v", msg)
	default:
	}
}

func TestSenderAllowlist(t *testing.T) {
	a, err := NewAdapter(Config{
		TenantID: "t", ClientID: "c", AccessToken: "tok",
		UserEmail:      "agent@example.com",
		AllowedSenders: []string{"Boss@Example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.senderAllowed("boss@example.com") {
		t.Error("allowlist should be case-insensitive")
	}
	if a.senderAllowed("stranger@example.com") {
		t.Error("stranger admitted")
	}
}

func TestSendReplyHitsReplyEndpoint(t *testing.T) {
	var paths []string
	var payloads []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(raw, &payload)
		payloads = append(payloads, payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	msg := &models.Message{
		Content: "the answer",
		Metadata: map[string]any{
			"chat_id":             "user@example.com",
			"reply_to_message_id": "m1",
		},
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], "/messages/m1/reply") {
		t.Errorf("paths = %v", paths)
	}
}

func TestSendNewMail(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMail") {
			t.Errorf("path = %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	msg := &models.Message{
		Content:  "fresh mail",
		Metadata: map[string]any{"chat_id": "user@example.com", "subject": "Question"},
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	inner, _ := payload["message"].(map[string]any)
	if inner["subject"] != "Re: Question" {
		t.Errorf("subject = %v", inner["subject"])
	}
}

func TestSendRequiresAddress(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid")
	err := a.Send(context.Background(), &models.Message{Content: "x"})
	if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("unexpected error: %v", err)
	}
}
