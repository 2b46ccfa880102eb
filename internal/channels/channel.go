// Package channels defines the adapter contract shared by every
// messaging platform integration.
package channels

import (
	"context"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

// Adapter is the interface that all channel adapters implement. It
// provides a unified surface over Telegram, WhatsApp, Slack, Discord,
// Mattermost, email, webhooks and the web widget.
type Adapter interface {
	// Start begins listening for messages from the platform. It should
	// establish connections, authenticate, and start receiving messages.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter, closing connections and
	// the Messages channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform. The message
	// metadata carries the platform target (chat id, thread, address).
	Send(ctx context.Context, msg *models.Message) error

	// SendFile delivers a file attachment where the platform supports it.
	SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error

	// SendApprovalPrompt renders an approval request, with interactive
	// buttons where the platform supports them and a text fallback
	// elsewhere.
	SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *ApprovalPrompt) error

	// Messages returns the inbound message stream. The channel is closed
	// when the adapter stops.
	Messages() <-chan *models.Message

	// ID returns the configured channel row id this adapter serves.
	ID() string

	// Type returns the platform type.
	Type() models.ChannelType

	// Status returns the current connection status.
	Status() Status

	// HealthCheck performs a lightweight connectivity probe.
	HealthCheck(ctx context.Context) HealthStatus

	// Metrics returns the adapter's counters snapshot.
	Metrics() MetricsSnapshot
}

// ApprovalPrompt describes a pending approval shown to operators.
type ApprovalPrompt struct {
	ApprovalID string            `json:"approval_id"`
	ToolName   string            `json:"tool_name"`
	Risk       models.RiskLevel  `json:"risk"`
	Summary    string            `json:"summary"`
	Input      map[string]any    `json:"input,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// TextFallback renders the prompt for platforms without buttons. The
// operator responds with the slash commands it spells out.
func (p *ApprovalPrompt) TextFallback() string {
	return "Approval required for tool \"" + p.ToolName + "\" (risk: " + string(p.Risk) + ").\n" +
		p.Summary + "\n" +
		"Reply /approve " + p.ApprovalID + " or /reject " + p.ApprovalID + " before " +
		p.ExpiresAt.UTC().Format(time.RFC3339) + "."
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// HealthStatus represents the health check result for an adapter.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`

	// Degraded indicates the adapter works with reduced functionality,
	// e.g. reconnecting with backoff.
	Degraded bool `json:"degraded,omitempty"`
}

// Registry manages running adapters, keyed by channel row id so several
// instances of the same platform can coexist.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.ID()] = adapter
}

// Get returns an adapter by channel id.
func (r *Registry) Get(id string) (Adapter, bool) {
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// ByType returns the first adapter of a platform type, if any.
func (r *Registry) ByType(t models.ChannelType) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Type() == t {
			return a, true
		}
	}
	return nil, false
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StopAll stops all registered adapters, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
