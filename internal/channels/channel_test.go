package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

type stubAdapter struct {
	id      string
	typ     models.ChannelType
	stopped bool
}

func (s *stubAdapter) Start(ctx context.Context) error { return nil }

func (s *stubAdapter) Stop(ctx context.Context) error {
	s.stopped = true
	return nil
}

func (s *stubAdapter) Send(ctx context.Context, msg *models.Message) error { return nil }

func (s *stubAdapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	return nil
}

func (s *stubAdapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *ApprovalPrompt) error {
	return nil
}

func (s *stubAdapter) Messages() <-chan *models.Message { return nil }
func (s *stubAdapter) ID() string                       { return s.id }
func (s *stubAdapter) Type() models.ChannelType         { return s.typ }
func (s *stubAdapter) Status() Status                   { return Status{Connected: true} }

func (s *stubAdapter) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true}
}

func (s *stubAdapter) Metrics() MetricsSnapshot { return MetricsSnapshot{} }

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	tg := &stubAdapter{id: "ch1", typ: models.ChannelTelegram}
	hook := &stubAdapter{id: "ch2", typ: models.ChannelWebhook}
	reg.Register(tg)
	reg.Register(hook)

	if got, ok := reg.Get("ch1"); !ok || got.ID() != "ch1" {
		t.Errorf("Get(ch1) = %v, %v", got, ok)
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("unknown id found")
	}
	if got, ok := reg.ByType(models.ChannelWebhook); !ok || got.ID() != "ch2" {
		t.Errorf("ByType(webhook) = %v, %v", got, ok)
	}
	if _, ok := reg.ByType(models.ChannelDiscord); ok {
		t.Error("ByType found an unregistered platform")
	}
	if all := reg.All(); len(all) != 2 {
		t.Errorf("All() = %d adapters, want 2", len(all))
	}
}

func TestRegistryStopAll(t *testing.T) {
	reg := NewRegistry()
	a := &stubAdapter{id: "a", typ: models.ChannelTelegram}
	b := &stubAdapter{id: "b", typ: models.ChannelSlack}
	reg.Register(a)
	reg.Register(b)

	if err := reg.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !a.stopped || !b.stopped {
		t.Errorf("stopped = %v, %v", a.stopped, b.stopped)
	}
}

func TestApprovalPromptTextFallback(t *testing.T) {
	p := &ApprovalPrompt{
		ApprovalID: "abc-123",
		ToolName:   "run_script",
		Risk:       models.RiskHigh,
		Summary:    "command: ls /",
		ExpiresAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	text := p.TextFallback()
	for _, want := range []string{"run_script", "high", "/approve abc-123", "/reject abc-123", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(text, want) {
			t.Errorf("fallback missing %q:\n%s", want, text)
		}
	}
}
