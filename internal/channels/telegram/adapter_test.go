package telegram

import (
	"testing"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{Token: "123:abc"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxReconnectAttempts != 5 || cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	empty := Config{}
	if err := empty.Validate(); err == nil {
		t.Error("missing token should be rejected")
	}
}

func TestParseApprovalCallback(t *testing.T) {
	tests := []struct {
		data       string
		action, id string
		ok         bool
	}{
		{"approve:abc-123", "approve", "abc-123", true},
		{"reject:abc-123", "reject", "abc-123", true},
		{"something:else", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		action, id, ok := parseApprovalCallback(tt.data)
		if action != tt.action || id != tt.id || ok != tt.ok {
			t.Errorf("parseApprovalCallback(%q) = %q, %q, %v", tt.data, action, id, ok)
		}
	}
}

func TestChatAllowed(t *testing.T) {
	open, err := NewAdapter(Config{Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !open.chatAllowed(42) {
		t.Error("empty allowlist should admit everyone")
	}

	restricted, err := NewAdapter(Config{Token: "t", AllowedChats: []int64{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !restricted.chatAllowed(1) || restricted.chatAllowed(3) {
		t.Error("allowlist not enforced")
	}
}

func TestChatIDFrom(t *testing.T) {
	msg := &models.Message{Metadata: map[string]any{"chat_id": int64(99)}}
	id, err := chatIDFrom(msg)
	if err != nil || id != 99 {
		t.Errorf("int64 = %d, %v", id, err)
	}

	msg = &models.Message{Metadata: map[string]any{"chat_id": "123"}}
	if id, _ = chatIDFrom(msg); id != 123 {
		t.Errorf("string = %d", id)
	}

	// JSON round-trips land as float64.
	msg = &models.Message{Metadata: map[string]any{"chat_id": float64(7)}}
	if id, _ = chatIDFrom(msg); id != 7 {
		t.Errorf("float64 = %d", id)
	}

	if _, err = chatIDFrom(&models.Message{}); err == nil {
		t.Error("missing chat_id should error")
	}
}
