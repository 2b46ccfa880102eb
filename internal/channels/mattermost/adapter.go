// Package mattermost implements the Mattermost channel adapter. Unlike
// the socket-based adapters it holds no persistent connection: inbound
// traffic arrives as slash-command HTTP posts routed to
// HandleSlashCommand, and replies go out through the payload's
// response_url or the bot account's Client4.
package mattermost

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

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/chunk"
	"github.com/loopgate/loopgate/pkg/models"
)

// api is the slice of Client4 the adapter calls, split out so tests can
// fake it.
type api interface {
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
	GetPing(ctx context.Context) (string, *model.Response, error)
	GetMe(ctx context.Context, etag string) (*model.User, *model.Response, error)
}

// Config holds Mattermost adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// VerifyToken is the slash-command token Mattermost sends with each
	// payload; requests with a different token are rejected.
	VerifyToken string

	// ServerURL and BotToken enable outbound posting through the bot
	// account. Optional when every reply goes to a response_url.
	ServerURL string
	BotToken  string

	// RateLimit and RateBurst throttle outbound posts.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.VerifyToken == "" {
		return channels.ErrConfig("verify token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Adapter implements channels.Adapter for Mattermost.
type Adapter struct {
	config   Config
	client   api
	httpc    *http.Client
	messages chan *models.Message

	mu     sync.RWMutex
	status channels.Status

	// responseURLs remembers the freshest response_url per Mattermost
	// channel so replies land where the command was issued.
	urlMu        sync.Mutex
	responseURLs map[string]string

	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
}

// NewAdapter validates the config and builds an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:       config,
		httpc:        &http.Client{Timeout: 15 * time.Second},
		messages:     make(chan *models.Message, 100),
		responseURLs: make(map[string]string),
		rateLimiter:  channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:      channels.NewMetrics(models.ChannelMattermost),
		logger:       config.Logger.With("adapter", "mattermost"),
	}

	if config.ServerURL != "" && config.BotToken != "" {
		client := model.NewAPIv4Client(config.ServerURL)
		client.SetToken(config.BotToken)
		a.client = client
	}
	return a, nil
}

// Start verifies the bot account when one is configured. There is no
// connection to open.
func (a *Adapter) Start(ctx context.Context) error {
	if a.client != nil {
		me, _, err := a.client.GetMe(ctx, "")
		if err != nil {
			a.metrics.RecordError(channels.ErrCodeAuthentication)
			return channels.ErrAuthentication("failed to verify mattermost bot account", err)
		}
		a.logger.Info("mattermost adapter started", "bot_user", me.Username)
	} else {
		a.logger.Info("mattermost adapter started", "mode", "response_url only")
	}
	a.setStatus(true, "")
	return nil
}

// Stop closes the message stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.setStatus(false, "")
	close(a.messages)
	return nil
}

// HandleSlashCommand ingests one slash-command HTTP post. It verifies
// the payload token, emits the inbound message, and writes the
// immediate ack so Mattermost does not time out waiting for the agent.
func (a *Adapter) HandleSlashCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.metrics.RecordError(channels.ErrCodeInvalidInput)
		http.Error(w, "bad form payload", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(r.PostForm.Get("token")), []byte(a.config.VerifyToken)) != 1 {
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		a.logger.Warn("slash command token mismatch", "user", r.PostForm.Get("user_name"))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	channelID := r.PostForm.Get("channel_id")
	text := strings.TrimSpace(r.PostForm.Get("text"))
	if channelID == "" || text == "" {
		http.Error(w, "missing channel_id or text", http.StatusBadRequest)
		return
	}

	if responseURL := r.PostForm.Get("response_url"); responseURL != "" {
		a.urlMu.Lock()
		a.responseURLs[channelID] = responseURL
		a.urlMu.Unlock()
	}

	a.metrics.RecordMessageReceived()
	a.touchPing()
	msg := &models.Message{
		Channel:      models.ChannelMattermost,
		ChannelMsgID: r.PostForm.Get("trigger_id"),
		SenderID:     r.PostForm.Get("user_id"),
		SenderName:   r.PostForm.Get("user_name"),
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      text,
		Metadata: map[string]any{
			"chat_id": channelID,
			"team_id": r.PostForm.Get("team_id"),
		},
		CreatedAt: time.Now().UTC(),
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping slash command", "channel", channelID)
		a.metrics.RecordMessageFailed()
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	resp := &model.CommandResponse{
		ResponseType: model.CommandResponseTypeEphemeral,
		Text:         "Thinking...",
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("failed to write slash ack", "error", err)
	}
}

// Send posts the reply to the channel's response_url, falling back to
// the bot account when none is known.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	channelID, err := targetChannel(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	a.urlMu.Lock()
	responseURL := a.responseURLs[channelID]
	a.urlMu.Unlock()

	limit := chunk.LimitFor(models.ChannelMattermost)
	for _, part := range chunk.Split(msg.Content, limit) {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		if responseURL != "" {
			err = a.postToResponseURL(ctx, responseURL, part)
		} else {
			err = a.postViaBot(ctx, channelID, part, msg)
		}
		if err != nil {
			a.metrics.RecordMessageFailed()
			if isRateLimitError(err) {
				a.metrics.RecordError(channels.ErrCodeRateLimit)
				return channels.ErrRateLimit("mattermost rate limited", err)
			}
			a.metrics.RecordError(channels.ErrCodeInternal)
			return channels.ErrInternal("failed to send message", err)
		}
	}

	a.metrics.RecordMessageSent()
	return nil
}

func (a *Adapter) postToResponseURL(ctx context.Context, url, text string) error {
	payload, err := json.Marshal(map[string]string{
		"response_type": model.CommandResponseTypeInChannel,
		"text":          text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal response payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build response request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to response_url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("response_url returned http %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) postViaBot(ctx context.Context, channelID, text string, msg *models.Message) error {
	if a.client == nil {
		return fmt.Errorf("no response_url known and no bot account configured")
	}
	post := &model.Post{ChannelId: channelID, Message: text}
	if rootID, ok := msg.Metadata["root_id"].(string); ok && rootID != "" {
		post.RootId = rootID
	}
	sent, _, err := a.client.CreatePost(ctx, post)
	if err != nil {
		return err
	}
	msg.ChannelMsgID = sent.Id
	return nil
}

// SendFile posts the attachment as a markdown link.
func (a *Adapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	name := file.Filename
	if name == "" {
		name = "attachment"
	}
	link := &models.Message{
		Content:  fmt.Sprintf("[%s](%s)", name, file.URL),
		Metadata: msg.Metadata,
	}
	return a.Send(ctx, link)
}

// SendApprovalPrompt sends the plain-text prompt; Mattermost slash
// integrations have no inline buttons, so the user replies with
// /approve or /reject.
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
	return models.ChannelMattermost
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck pings the server when a bot account is configured;
// otherwise the adapter is healthy whenever it is running.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if a.client == nil {
		a.mu.RLock()
		health.Healthy = a.status.Connected
		a.mu.RUnlock()
		health.Message = "response_url mode"
		return health
	}

	ping, _, err := a.client.GetPing(ctx)
	health.Latency = time.Since(start)
	if err != nil {
		health.Message = fmt.Sprintf("ping failed: %v", err)
		return health
	}
	health.Healthy = ping == "OK"
	if health.Healthy {
		health.Message = "healthy"
	} else {
		health.Message = "ping returned " + ping
	}
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
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

func targetChannel(msg *models.Message) (string, error) {
	if raw, ok := msg.Metadata["chat_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("chat_id missing")
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "rate_limit") || strings.Contains(s, "429")
}
