// Package telegram implements the Telegram channel adapter on long
// polling, with HTML rendering and inline approval keyboards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/chunk"
	"github.com/loopgate/loopgate/pkg/models"
)

// Config holds Telegram adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// Token is the bot token from @BotFather.
	Token string

	// AllowedChats restricts inbound traffic to these chat ids when set.
	AllowedChats []int64

	// MaxReconnectAttempts bounds the polling restart loop.
	MaxReconnectAttempts int

	// ReconnectDelay is the pause between restart attempts.
	ReconnectDelay time.Duration

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
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config   Config
	bot      *bot.Bot
	messages chan *models.Message
	allowed  map[int64]bool

	status   channels.Status
	statusMu sync.RWMutex

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
}

// NewAdapter validates the config and builds an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	allowed := make(map[int64]bool, len(config.AllowedChats))
	for _, id := range config.AllowedChats {
		allowed[id] = true
	}

	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		allowed:     allowed,
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelTelegram),
		logger:      config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token,
		bot.WithDefaultHandler(a.handleUpdate),
	)
	if err != nil {
		a.updateStatus(false, fmt.Sprintf("failed to create bot: %v", err))
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("failed to create bot", err)
	}
	a.bot = b

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	a.logger.Info("telegram adapter started")
	return nil
}

func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.messages)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			return
		default:
		}

		a.updateStatus(true, "")
		a.bot.Start(ctx)

		if ctx.Err() != nil {
			a.updateStatus(false, "")
			return
		}

		attempts++
		a.metrics.RecordReconnectAttempt()
		a.updateStatus(false, fmt.Sprintf("polling stopped (attempt %d/%d)", attempts, a.config.MaxReconnectAttempts))
		if attempts >= a.config.MaxReconnectAttempts {
			a.logger.Error("max reconnect attempts reached, stopping adapter")
			a.metrics.RecordError(channels.ErrCodeConnection)
			return
		}

		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			return
		case <-time.After(a.config.ReconnectDelay):
			a.logger.Info("restarting telegram polling", "attempt", attempts)
		}
	}
}

// handleUpdate routes messages and approval button callbacks.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, b, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgmodels.Message) {
	if !a.chatAllowed(msg.Chat.ID) {
		a.logger.Debug("dropping message from disallowed chat", "chat_id", msg.Chat.ID)
		a.metrics.RecordMessageDropped()
		return
	}

	a.metrics.RecordMessageReceived()
	inbound := a.convertMessage(msg)

	select {
	case a.messages <- inbound:
		a.updateLastPing()
	case <-ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "chat_id", msg.Chat.ID)
		a.metrics.RecordMessageFailed()
	}
}

// handleCallback converts approve:<id> / reject:<id> button presses
// into the equivalent slash commands for the router.
func (a *Adapter) handleCallback(ctx context.Context, b *bot.Bot, cb *tgmodels.CallbackQuery) {
	action, approvalID, ok := parseApprovalCallback(cb.Data)
	if !ok {
		return
	}

	b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
		Text:            "Recorded: " + action,
	})

	var chatID int64
	if cb.Message.Message != nil {
		chatID = cb.Message.Message.Chat.ID
	}
	if !a.chatAllowed(chatID) {
		return
	}

	inbound := &models.Message{
		Channel:      models.ChannelTelegram,
		ChannelMsgID: "cb_" + cb.ID,
		SenderID:     strconv.FormatInt(cb.From.ID, 10),
		SenderName:   strings.TrimSpace(cb.From.FirstName + " " + cb.From.LastName),
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      "/" + action + " " + approvalID,
		Metadata:     map[string]any{"chat_id": chatID},
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case a.messages <- inbound:
	case <-ctx.Done():
	default:
		a.metrics.RecordMessageFailed()
	}
}

func parseApprovalCallback(data string) (action, approvalID string, ok bool) {
	for _, prefix := range []string{"approve:", "reject:"} {
		if strings.HasPrefix(data, prefix) {
			return strings.TrimSuffix(prefix, ":"), data[len(prefix):], true
		}
	}
	return "", "", false
}

func (a *Adapter) convertMessage(msg *tgmodels.Message) *models.Message {
	var senderID, senderName string
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	meta := map[string]any{"chat_id": msg.Chat.ID}
	if msg.Chat.Title != "" {
		meta["chat_title"] = msg.Chat.Title
	}

	m := &models.Message{
		Channel:      models.ChannelTelegram,
		ChannelMsgID: strconv.Itoa(msg.ID),
		SenderID:     senderID,
		SenderName:   senderName,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      msg.Text,
		Metadata:     meta,
		CreatedAt:    time.Unix(int64(msg.Date), 0).UTC(),
	}

	var attachments []models.Attachment
	if len(msg.Photo) > 0 {
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		attachments = append(attachments, models.Attachment{ID: fileID, Type: "image", URL: fileID})
	}
	if msg.Document != nil {
		attachments = append(attachments, models.Attachment{
			ID:       msg.Document.FileID,
			Type:     "document",
			URL:      msg.Document.FileID,
			Filename: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		})
	}
	if msg.Voice != nil {
		attachments = append(attachments, models.Attachment{
			ID:       msg.Voice.FileID,
			Type:     "voice",
			URL:      msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
		})
	}
	m.Attachments = attachments
	return m
}

// Stop shuts down polling and waits for the worker to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// Send renders Markdown to HTML, splits to Telegram's size limit and
// falls back to plain text if the HTML is rejected.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.bot == nil {
		return channels.ErrInternal("bot not initialized", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		a.metrics.RecordMessageFailed()
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	html := MarkdownToHTML(msg.Content)
	limit := chunk.LimitFor(models.ChannelTelegram)
	for _, part := range chunk.Split(html, limit) {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}

		sent, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      part,
			ParseMode: tgmodels.ParseModeHTML,
		})
		if err != nil {
			// Malformed entities come back as 400s; retry unformatted.
			sent, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
				ChatID: chatID,
				Text:   part,
			})
			if err != nil {
				a.metrics.RecordMessageFailed()
				if isRateLimited(err) {
					a.metrics.RecordError(channels.ErrCodeRateLimit)
					return channels.ErrRateLimit("telegram rate limit exceeded", err)
				}
				a.metrics.RecordError(channels.ErrCodeInternal)
				return channels.ErrInternal("failed to send message", err)
			}
		}
		msg.ChannelMsgID = strconv.Itoa(sent.ID)
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile delivers an attachment as a Telegram document or photo.
func (a *Adapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	if a.bot == nil {
		return channels.ErrInternal("bot not initialized", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	switch file.Type {
	case "image":
		_, err = a.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID,
			Photo:  &tgmodels.InputFileString{Data: file.URL},
		})
	default:
		_, err = a.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   chatID,
			Document: &tgmodels.InputFileString{Data: file.URL},
		})
	}
	if err != nil {
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send file", err)
	}
	a.metrics.RecordMessageSent()
	return nil
}

// SendApprovalPrompt posts the approval with inline approve/reject
// buttons.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	if a.bot == nil {
		return channels.ErrInternal("bot not initialized", nil)
	}
	chatID, err := strconv.ParseInt(conversationKey, 10, 64)
	if err != nil {
		return channels.ErrInvalidInput("invalid telegram conversation key", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	keyboard := &tgmodels.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: "approve:" + prompt.ApprovalID},
			{Text: "❌ Reject", CallbackData: "reject:" + prompt.ApprovalID},
		}},
	}

	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        MarkdownToHTML(prompt.TextFallback()),
		ParseMode:   tgmodels.ParseModeHTML,
		ReplyMarkup: keyboard,
	})
	if err != nil {
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
	return models.ChannelTelegram
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// HealthCheck calls getMe as a lightweight auth and connectivity probe.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if a.bot == nil {
		health.Message = "bot not initialized"
		health.Latency = time.Since(start)
		return health
	}

	if _, err := a.bot.GetMe(ctx); err != nil {
		health.Message = fmt.Sprintf("health check failed: %v", err)
		health.Latency = time.Since(start)
		return health
	}

	health.Healthy = true
	health.Message = "healthy"
	health.Latency = time.Since(start)
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) chatAllowed(chatID int64) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[chatID]
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
}

func (a *Adapter) updateLastPing() {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.LastPing = time.Now().Unix()
}

func chatIDFrom(msg *models.Message) (int64, error) {
	if raw, ok := msg.Metadata["chat_id"]; ok {
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	}
	return 0, errors.New("chat_id missing")
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Too Many Requests")
}
