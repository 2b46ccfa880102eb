// Package webhook implements the generic inbound-webhook channel
// adapter. Callers POST {sender, text, chatId?} and receive the agent
// reply either inline (sync mode, bounded wait) or at a configured
// callback URL (async mode).
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/pkg/models"
)

const defaultSyncTimeout = 120 * time.Second

// Config holds webhook adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// Secret, when set, must arrive as "Authorization: Bearer <secret>".
	Secret string

	// Sync makes HandleIncoming block until the agent reply arrives
	// (or SyncTimeout passes). When false the handler acknowledges
	// immediately and the reply is posted to CallbackURL.
	Sync        bool
	SyncTimeout time.Duration

	// CallbackURL receives replies in async mode.
	CallbackURL string

	Logger *slog.Logger
}

// Validate checks the mode configuration and applies defaults.
func (c *Config) Validate() error {
	if !c.Sync && c.CallbackURL == "" {
		return channels.ErrConfig("async mode requires a callback_url", nil)
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

type incomingPayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	ChatID string `json:"chatId,omitempty"`
}

type outgoingPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// Adapter implements channels.Adapter for generic webhooks.
type Adapter struct {
	config   Config
	httpc    *http.Client
	messages chan *models.Message

	mu     sync.RWMutex
	status channels.Status

	// pending holds one waiter per chat id while a sync request is in
	// flight. Send resolves the waiter instead of posting outbound.
	pendingMu sync.Mutex
	pending   map[string]chan string

	metrics *channels.Metrics
	logger  *slog.Logger
}

// NewAdapter validates the config and builds an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:   config,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		messages: make(chan *models.Message, 100),
		pending:  make(map[string]chan string),
		metrics:  channels.NewMetrics(models.ChannelWebhook),
		logger:   config.Logger.With("adapter", "webhook"),
	}, nil
}

// Start marks the endpoint live. There is no connection to open.
func (a *Adapter) Start(ctx context.Context) error {
	a.setStatus(true, "")
	mode := "async"
	if a.config.Sync {
		mode = "sync"
	}
	a.logger.Info("webhook adapter started", "mode", mode)
	return nil
}

// Stop fails outstanding sync waiters and closes the message stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.pendingMu.Lock()
	for chatID, waiter := range a.pending {
		close(waiter)
		delete(a.pending, chatID)
	}
	a.pendingMu.Unlock()

	a.setStatus(false, "")
	close(a.messages)
	return nil
}

// HandleIncoming ingests one webhook POST.
func (a *Adapter) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload incomingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.metrics.RecordError(channels.ErrCodeInvalidInput)
		http.Error(w, "bad json payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	chatID := payload.ChatID
	if chatID == "" {
		chatID = payload.Sender
	}
	if chatID == "" {
		chatID = uuid.NewString()
	}

	var waiter chan string
	if a.config.Sync {
		waiter = make(chan string, 1)
		a.pendingMu.Lock()
		// A second request for the same chat replaces the first waiter;
		// the stale one times out on its own.
		a.pending[chatID] = waiter
		a.pendingMu.Unlock()
	}

	a.metrics.RecordMessageReceived()
	a.touchPing()
	msg := &models.Message{
		Channel:      models.ChannelWebhook,
		ChannelMsgID: uuid.NewString(),
		SenderID:     payload.Sender,
		SenderName:   payload.Sender,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      payload.Text,
		Metadata:     map[string]any{"chat_id": chatID},
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case a.messages <- msg:
	default:
		a.dropWaiter(chatID)
		a.metrics.RecordMessageFailed()
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !a.config.Sync {
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "chatId": chatID})
		return
	}

	timer := time.NewTimer(a.config.SyncTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-waiter:
		a.dropWaiter(chatID)
		if !ok {
			http.Error(w, "adapter stopped", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(outgoingPayload{ChatID: chatID, Text: reply})
	case <-timer.C:
		a.dropWaiter(chatID)
		a.metrics.RecordError(channels.ErrCodeTimeout)
		http.Error(w, "timed out waiting for reply", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		a.dropWaiter(chatID)
	}
}

// Send resolves the pending sync waiter for the chat, or posts the
// reply to the configured callback URL.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	chatID, err := targetChat(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	a.pendingMu.Lock()
	waiter, waiting := a.pending[chatID]
	a.pendingMu.Unlock()
	if waiting {
		select {
		case waiter <- msg.Content:
		default:
		}
		a.metrics.RecordMessageSent()
		return nil
	}

	if a.config.CallbackURL == "" {
		a.metrics.RecordMessageDropped()
		return channels.ErrUnavailable("no waiter and no callback url", nil)
	}

	payload, err := json.Marshal(outgoingPayload{ChatID: chatID, Text: msg.Content})
	if err != nil {
		return channels.ErrInternal("failed to marshal callback payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return channels.ErrInternal("failed to build callback request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.Secret)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		a.metrics.RecordMessageFailed()
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to post callback", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		a.metrics.RecordMessageFailed()
		return channels.ErrInternal(fmt.Sprintf("callback returned http %d", resp.StatusCode), nil)
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile sends the attachment URL as text.
func (a *Adapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	if file.URL == "" {
		return channels.ErrUnsupported("cannot deliver attachments without a URL")
	}
	name := file.Filename
	if name == "" {
		name = "attachment"
	}
	link := &models.Message{
		Content:  name + ": " + file.URL,
		Metadata: msg.Metadata,
	}
	return a.Send(ctx, link)
}

// SendApprovalPrompt delivers the plain-text prompt through the normal
// send path.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	msg := &models.Message{
		Content:  prompt.TextFallback(),
		Metadata: map[string]any{"chat_id": conversationKey},
	}
	return a.Send(ctx, msg)
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// ID returns the channel row id.
func (a *Adapter) ID() string {
	return a.config.ChannelID
}

// Type returns the platform type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWebhook
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports whether the endpoint is live; there is no
// upstream to probe.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	a.mu.RLock()
	connected := a.status.Connected
	a.mu.RUnlock()

	health := channels.HealthStatus{
		LastCheck: time.Now(),
		Healthy:   connected,
	}
	if connected {
		health.Message = "healthy"
	} else {
		health.Message = "stopped"
	}
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// PendingCount reports how many sync requests are waiting for replies.
func (a *Adapter) PendingCount() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.config.Secret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	want := "Bearer " + a.config.Secret
	return subtle.ConstantTimeCompare([]byte(auth), []byte(want)) == 1
}

func (a *Adapter) dropWaiter(chatID string) {
	a.pendingMu.Lock()
	delete(a.pending, chatID)
	a.pendingMu.Unlock()
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
}

func (a *Adapter) touchPing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.LastPing = time.Now().Unix()
}

func targetChat(msg *models.Message) (string, error) {
	if raw, ok := msg.Metadata["chat_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("chat_id missing")
}
