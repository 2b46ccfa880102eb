package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopgate/loopgate/internal/crypto"
	"github.com/loopgate/loopgate/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening must re-run migrations without error.
	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestChannelCRUDWithEncryption(t *testing.T) {
	ctx := context.Background()
	cipher, err := crypto.NewFieldCipher("test-key")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, ":memory:", WithCipher(cipher))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ch := &models.ChannelRecord{
		Type:    models.ChannelTelegram,
		Name:    "main bot",
		Enabled: true,
		Config:  map[string]any{"bot_token": "tok-123", "allowed_chats": []any{"42"}},
	}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	// The stored column must not contain the plaintext token.
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT config FROM channels WHERE id = ?`, ch.ID).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "tok-123") {
		t.Error("channel config stored in plaintext")
	}

	got, err := s.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Config["bot_token"] != "tok-123" {
		t.Errorf("decrypted config = %v", got.Config)
	}
	if got.Type != models.ChannelTelegram || !got.Enabled {
		t.Errorf("channel row = %+v", got)
	}

	got.Enabled = false
	got.Name = "renamed"
	if err := s.UpdateChannel(ctx, got); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}

	enabled, err := s.ListChannels(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled channels = %d, want 0", len(enabled))
	}

	all, err := s.ListChannels(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "renamed" {
		t.Errorf("all channels = %+v", all)
	}

	if err := s.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := s.GetChannel(ctx, ch.ID); err != ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}
