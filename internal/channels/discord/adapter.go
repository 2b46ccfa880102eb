// Package discord implements the Discord channel adapter over a
// discordgo gateway session with button-based approvals.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/chunk"
	"github.com/loopgate/loopgate/pkg/models"
)

// session is the slice of discordgo.Session the adapter uses, split out
// so tests can fake it.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Config holds Discord adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// Token is the bot token from the Discord developer portal.
	Token string

	// AllowedChannels restricts inbound traffic when set.
	AllowedChannels []string

	// RateLimit and RateBurst throttle outbound API calls.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	config   Config
	session  session
	botID    string
	messages chan *models.Message
	allowed  map[string]bool

	mu     sync.RWMutex
	status channels.Status

	cancel      context.CancelFunc
	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
}

// NewAdapter validates the config and builds an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(config.AllowedChannels))
	for _, id := range config.AllowedChannels {
		allowed[id] = true
	}

	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		allowed:     allowed,
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelDiscord),
		logger:      config.Logger.With("adapter", "discord"),
	}, nil
}

// Start opens the gateway session and registers handlers.
func (a *Adapter) Start(ctx context.Context) error {
	_, a.cancel = context.WithCancel(ctx)

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			a.metrics.RecordError(channels.ErrCodeAuthentication)
			return channels.ErrAuthentication("failed to create discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleInteractionCreate)

	if err := a.session.Open(); err != nil {
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to open discord gateway", err)
	}

	a.setStatus(true, "")
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway session and the message stream.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.session != nil {
		err = a.session.Close()
	}
	a.setStatus(false, "")
	close(a.messages)
	if err != nil {
		return channels.ErrInternal("failed to close discord session", err)
	}
	return nil
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.setStatus(true, "")
	a.logger.Info("discord gateway ready", "user", r.User.Username)
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.RLock()
	botID := a.botID
	a.mu.RUnlock()
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	if !a.channelAllowed(m.ChannelID) {
		a.metrics.RecordMessageDropped()
		return
	}

	a.metrics.RecordMessageReceived()
	msg := &models.Message{
		Channel:      models.ChannelDiscord,
		ChannelMsgID: m.ID,
		SenderID:     m.Author.ID,
		SenderName:   m.Author.Username,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      m.Content,
		Metadata:     map[string]any{"chat_id": m.ChannelID},
		CreatedAt:    time.Now().UTC(),
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       att.ID,
			Type:     attachmentType(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}

	select {
	case a.messages <- msg:
		a.touchPing()
	default:
		a.logger.Warn("messages channel full, dropping message", "channel_id", m.ChannelID)
		a.metrics.RecordMessageFailed()
	}
}

// handleInteractionCreate turns approval button presses into slash
// commands for the router.
func (a *Adapter) handleInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	action, approvalID, ok := parseApprovalCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: "Recorded: " + action,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
	if err := a.session.InteractionRespond(i.Interaction, resp); err != nil {
		a.logger.Warn("failed to acknowledge interaction", "error", err)
	}

	var senderID, senderName string
	if i.Member != nil && i.Member.User != nil {
		senderID, senderName = i.Member.User.ID, i.Member.User.Username
	} else if i.User != nil {
		senderID, senderName = i.User.ID, i.User.Username
	}

	msg := &models.Message{
		Channel:      models.ChannelDiscord,
		ChannelMsgID: "int_" + i.ID,
		SenderID:     senderID,
		SenderName:   senderName,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      "/" + action + " " + approvalID,
		Metadata:     map[string]any{"chat_id": i.ChannelID},
		CreatedAt:    time.Now().UTC(),
	}
	select {
	case a.messages <- msg:
	default:
		a.metrics.RecordMessageFailed()
	}
}

func parseApprovalCustomID(customID string) (action, approvalID string, ok bool) {
	for _, prefix := range []string{"approve:", "reject:"} {
		if strings.HasPrefix(customID, prefix) {
			return strings.TrimSuffix(prefix, ":"), customID[len(prefix):], true
		}
	}
	return "", "", false
}

// Send splits the reply to Discord's 2000-character limit.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.session == nil {
		return channels.ErrInternal("session not initialized", nil)
	}
	channelID, err := targetChannel(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	limit := chunk.LimitFor(models.ChannelDiscord)
	for _, part := range chunk.Split(msg.Content, limit) {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		sent, err := a.session.ChannelMessageSend(channelID, part)
		if err != nil {
			a.metrics.RecordMessageFailed()
			a.metrics.RecordError(channels.ErrCodeInternal)
			return channels.ErrInternal("failed to send message", err).WithContext("channel_id", channelID)
		}
		msg.ChannelMsgID = sent.ID
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile posts the attachment URL; Discord unfurls media links.
func (a *Adapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	if a.session == nil {
		return channels.ErrInternal("session not initialized", nil)
	}
	channelID, err := targetChannel(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	content := file.URL
	if file.Filename != "" {
		content = file.Filename + ": " + file.URL
	}
	if _, err := a.session.ChannelMessageSend(channelID, content); err != nil {
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send file", err)
	}
	a.metrics.RecordMessageSent()
	return nil
}

// SendApprovalPrompt posts the approval with approve/reject buttons.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	if a.session == nil {
		return channels.ErrInternal("session not initialized", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	data := &discordgo.MessageSend{
		Content: prompt.TextFallback(),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Approve",
						Style:    discordgo.SuccessButton,
						CustomID: "approve:" + prompt.ApprovalID,
					},
					discordgo.Button{
						Label:    "Reject",
						Style:    discordgo.DangerButton,
						CustomID: "reject:" + prompt.ApprovalID,
					},
				},
			},
		},
	}
	if _, err := a.session.ChannelMessageSendComplex(conversationKey, data); err != nil {
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send approval prompt", err)
	}
	return nil
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
	return models.ChannelDiscord
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports gateway connectivity from adapter state; the
// discordgo session has no cheap ping endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	a.mu.RLock()
	connected := a.status.Connected
	a.mu.RUnlock()

	health := channels.HealthStatus{
		LastCheck: start,
		Latency:   time.Since(start),
		Healthy:   connected,
	}
	if connected {
		health.Message = "healthy"
	} else {
		health.Message = "gateway disconnected"
	}
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) channelAllowed(channelID string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[channelID]
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

func attachmentType(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}
