package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

func newTestManager(t *testing.T, st *store.Store, runner *fakeRunner) *Manager {
	t.Helper()
	router := NewRouter(st, runner, &fakeApprovals{}, Budget{}, nil)
	return NewManager(st, bus.New(8), router, t.TempDir(), nil)
}

func TestBuildAdapterTypes(t *testing.T) {
	m := newTestManager(t, openStore(t), &fakeRunner{})

	tests := []struct {
		typ    models.ChannelType
		config map[string]any
	}{
		{models.ChannelWebhook, map[string]any{"sync": true, "secret": "s3cret"}},
		{models.ChannelWebWidget, map[string]any{"allowed_origins": []any{"https://app.example"}}},
		{models.ChannelMattermost, map[string]any{"verify_token": "tok"}},
		{models.ChannelTelegram, map[string]any{"token": "123:abc"}},
		{models.ChannelDiscord, map[string]any{"token": "d1"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			adapter, err := m.buildAdapter(&models.ChannelRecord{ID: "ch-" + string(tt.typ), Type: tt.typ, Config: tt.config})
			if err != nil {
				t.Fatalf("buildAdapter: %v", err)
			}
			if adapter.Type() != tt.typ {
				t.Errorf("type = %v, want %v", adapter.Type(), tt.typ)
			}
			if adapter.ID() != "ch-"+string(tt.typ) {
				t.Errorf("id = %q", adapter.ID())
			}
		})
	}

	if _, err := m.buildAdapter(&models.ChannelRecord{ID: "x", Type: "carrier_pigeon"}); err == nil {
		t.Error("unsupported type accepted")
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := map[string]any{
		"list":    []any{"a", "b", ""},
		"csv":     "a, b ,c",
		"chats":   []any{float64(42), "17", true},
		"seconds": float64(30),
		"flag":    true,
	}

	if got := cfgStrings(cfg, "list"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("cfgStrings(list) = %v", got)
	}
	if got := cfgStrings(cfg, "csv"); len(got) != 3 || got[2] != "c" {
		t.Errorf("cfgStrings(csv) = %v", got)
	}
	if got := cfgStrings(cfg, "missing"); got != nil {
		t.Errorf("cfgStrings(missing) = %v", got)
	}
	if got := cfgInt64s(cfg, "chats"); len(got) != 2 || got[0] != 42 || got[1] != 17 {
		t.Errorf("cfgInt64s = %v", got)
	}
	if got := cfgSeconds(cfg, "seconds"); got != 30*time.Second {
		t.Errorf("cfgSeconds = %v", got)
	}
	if !cfgBool(cfg, "flag") || cfgBool(cfg, "missing") {
		t.Error("cfgBool mismatch")
	}
}

func TestStartBuildsEnabledChannels(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	enabled := &models.ChannelRecord{
		Type:    models.ChannelWebhook,
		Name:    "hooks",
		Enabled: true,
		Config:  map[string]any{"sync": true},
	}
	disabled := &models.ChannelRecord{
		Type:    models.ChannelWebWidget,
		Name:    "widget",
		Enabled: false,
	}
	if err := st.CreateChannel(ctx, enabled); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateChannel(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, st, &fakeRunner{reply: "ok"})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(stopCtx)
	}()

	if _, ok := m.Registry().Get(enabled.ID); !ok {
		t.Error("enabled channel not registered")
	}
	if _, ok := m.Registry().Get(disabled.ID); ok {
		t.Error("disabled channel was registered")
	}
}

func TestWebhookRouteRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	rec := &models.ChannelRecord{
		Type:    models.ChannelWebhook,
		Name:    "hooks",
		Enabled: true,
		Config:  map[string]any{"sync": true, "secret": "s3cret"},
	}
	if err := st.CreateChannel(ctx, rec); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, st, &fakeRunner{reply: "pong"})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(stopCtx)
	}()

	mux := http.NewServeMux()
	m.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"sender": "bob", "text": "ping", "chatId": "room1"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/incoming/"+rec.ID, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var reply struct {
		ChatID string `json:"chatId"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Text != "pong" || reply.ChatID != "room1" {
		t.Errorf("reply = %+v", reply)
	}

	// Unknown channel ids fall through to 404.
	resp2, err := http.Post(srv.URL+"/webhook/incoming/nope", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown channel status = %d", resp2.StatusCode)
	}
}

func TestNotifyApprovalUsesOwningAdapter(t *testing.T) {
	m := newTestManager(t, openStore(t), &fakeRunner{})
	adapter := newFakeAdapter("ch1", models.ChannelTelegram)
	m.Registry().Register(adapter)

	conv := &models.Conversation{ID: "conv1", ChannelID: "ch1", GroupKey: "g1"}
	req := &models.ApprovalRequest{
		ID:        testApprovalID,
		ToolName:  "run_script",
		Risk:      models.RiskHigh,
		ToolInput: map[string]any{"command": "ls /"},
		TimeoutAt: time.Now().Add(5 * time.Minute),
	}

	if err := m.NotifyApproval(context.Background(), conv, req); err != nil {
		t.Fatalf("NotifyApproval: %v", err)
	}
	if len(adapter.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(adapter.prompts))
	}
	prompt := adapter.prompts[0]
	if prompt.ApprovalID != testApprovalID || prompt.ToolName != "run_script" || prompt.Risk != models.RiskHigh {
		t.Errorf("prompt = %+v", prompt)
	}
	if !strings.Contains(prompt.Summary, "ls /") {
		t.Errorf("summary = %q", prompt.Summary)
	}

	missing := &models.Conversation{ID: "conv2", ChannelID: "ghost"}
	if err := m.NotifyApproval(context.Background(), missing, req); err == nil {
		t.Error("missing adapter should error")
	}
}

func TestSummarizeInput(t *testing.T) {
	if got := summarizeInput(nil); got != "(no input)" {
		t.Errorf("empty = %q", got)
	}
	long := strings.Repeat("x", 500)
	got := summarizeInput(map[string]any{"data": long})
	if len(got) > 310 {
		t.Errorf("summary not truncated: %d bytes", len(got))
	}
}
