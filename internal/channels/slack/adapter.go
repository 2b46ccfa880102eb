// Package slack implements the Slack channel adapter over Socket Mode
// with Block Kit approval buttons.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/chunk"
	"github.com/loopgate/loopgate/pkg/models"
)

// api is the slice of the Slack Web API the adapter calls, split out so
// tests can fake it.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config holds Slack adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// BotToken is the xoxb- token for Web API calls.
	BotToken string

	// AppToken is the xapp- token for Socket Mode.
	AppToken string

	// AllowedChannels restricts inbound traffic when set.
	AllowedChannels []string

	// RateLimit and RateBurst throttle outbound posts. Slack allows
	// roughly one chat.postMessage per second per channel.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot token is required", nil)
	}
	if c.AppToken == "" {
		return channels.ErrConfig("app token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 1
	}
	if c.RateBurst == 0 {
		c.RateBurst = 3
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	config   Config
	client   api
	socket   *socketmode.Client
	messages chan *models.Message
	allowed  map[string]bool

	mu        sync.RWMutex
	status    channels.Status
	botUserID string

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

	allowed := make(map[string]bool, len(config.AllowedChannels))
	for _, id := range config.AllowedChannels {
		allowed[id] = true
	}

	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		allowed:     allowed,
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelSlack),
		logger:      config.Logger.With("adapter", "slack"),
	}, nil
}

// Start authenticates, opens the Socket Mode connection and begins
// consuming events.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client == nil {
		client := slack.New(a.config.BotToken, slack.OptionAppLevelToken(a.config.AppToken))
		a.client = client
		a.socket = socketmode.New(client)
	}

	authResp, err := a.client.AuthTestContext(runCtx)
	if err != nil {
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("failed to authenticate with slack", err)
	}
	a.mu.Lock()
	a.botUserID = authResp.UserID
	a.mu.Unlock()

	a.wg.Add(2)
	go a.handleEvents(runCtx)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.metrics.RecordError(channels.ErrCodeConnection)
			a.setStatus(false, fmt.Sprintf("socket mode error: %v", err))
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()

	a.setStatus(true, "")
	a.logger.Info("slack adapter started", "bot_user", authResp.UserID)
	return nil
}

// Stop cancels the socket connection and closes the message stream.
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
	case <-ctx.Done():
		a.setStatus(false, "shutdown timeout")
		close(a.messages)
		return channels.ErrTimeout("shutdown timed out", ctx.Err())
	}

	a.setStatus(false, "")
	close(a.messages)
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.touchPing()

			switch event.Type {
			case socketmode.EventTypeConnected:
				a.setStatus(true, "")
			case socketmode.EventTypeConnectionError:
				a.metrics.RecordReconnectAttempt()
				a.setStatus(false, "connection error")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(event)
			case socketmode.EventTypeInteractive:
				a.handleInteractive(event)
			case socketmode.EventTypeSlashCommand:
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(&slackevents.MessageEvent{
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		a.handleMessage(ev)
	}
}

func (a *Adapter) handleMessage(event *slackevents.MessageEvent) {
	if !a.channelAllowed(event.Channel) {
		a.metrics.RecordMessageDropped()
		return
	}

	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	// Only DMs, mentions, and thread replies reach the agent; ambient
	// channel chatter is ignored.
	isDM := strings.HasPrefix(event.Channel, "D")
	isMention := strings.Contains(event.Text, "<@"+botUserID+">")
	if !isDM && !isMention && event.ThreadTimeStamp == "" {
		return
	}

	a.metrics.RecordMessageReceived()
	msg := convertMessage(event)
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping message", "channel", event.Channel)
		a.metrics.RecordMessageFailed()
	}
}

// handleInteractive turns approval button presses into slash commands
// for the router.
func (a *Adapter) handleInteractive(event socketmode.Event) {
	callback, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		cmd, approvalID, ok := parseApprovalActionID(action.ActionID)
		if !ok {
			continue
		}
		msg := &models.Message{
			Channel:      models.ChannelSlack,
			ChannelMsgID: "int_" + callback.TriggerID,
			SenderID:     callback.User.ID,
			SenderName:   callback.User.Name,
			Direction:    models.DirectionInbound,
			Role:         models.RoleUser,
			Content:      "/" + cmd + " " + approvalID,
			Metadata:     map[string]any{"chat_id": callback.Channel.ID},
			CreatedAt:    time.Now().UTC(),
		}
		select {
		case a.messages <- msg:
		default:
			a.metrics.RecordMessageFailed()
		}
	}
}

func parseApprovalActionID(actionID string) (action, approvalID string, ok bool) {
	for _, prefix := range []string{"approve:", "reject:"} {
		if strings.HasPrefix(actionID, prefix) {
			return strings.TrimSuffix(prefix, ":"), actionID[len(prefix):], true
		}
	}
	return "", "", false
}

// Send splits the reply at Slack's block text limit and posts each
// chunk, threading when the inbound message carried a thread ts.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.client == nil {
		return channels.ErrInternal("client not initialized", nil)
	}
	channelID, err := targetChannel(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	threadTS, _ := msg.Metadata["thread_ts"].(string)
	limit := chunk.LimitFor(models.ChannelSlack)
	for _, part := range chunk.Split(msg.Content, limit) {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return channels.ErrTimeout("rate limit wait cancelled", err)
		}
		options := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if threadTS != "" {
			options = append(options, slack.MsgOptionTS(threadTS))
		}
		_, ts, err := a.client.PostMessageContext(ctx, channelID, options...)
		if err != nil {
			a.metrics.RecordMessageFailed()
			if strings.Contains(err.Error(), "rate") {
				a.metrics.RecordError(channels.ErrCodeRateLimit)
				return channels.ErrRateLimit("slack rate limited", err)
			}
			a.metrics.RecordError(channels.ErrCodeInternal)
			return channels.ErrInternal("failed to post message", err)
		}
		msg.ChannelMsgID = channelID + ":" + ts
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile posts the attachment as an mrkdwn link.
func (a *Adapter) SendFile(ctx context.Context, msg *models.Message, file *models.Attachment) error {
	if a.client == nil {
		return channels.ErrInternal("client not initialized", nil)
	}
	channelID, err := targetChannel(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	name := file.Filename
	if name == "" {
		name = "attachment"
	}
	text := fmt.Sprintf("<%s|%s>", file.URL, name)
	if _, _, err := a.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send file", err)
	}
	a.metrics.RecordMessageSent()
	return nil
}

// SendApprovalPrompt posts the approval with approve/reject buttons.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	if a.client == nil {
		return channels.ErrInternal("client not initialized", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	blocks := buildApprovalBlocks(prompt)
	_, _, err := a.client.PostMessageContext(ctx, conversationKey,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(prompt.TextFallback(), false),
	)
	if err != nil {
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send approval prompt", err)
	}
	return nil
}

func buildApprovalBlocks(prompt *channels.ApprovalPrompt) []slack.Block {
	header := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("*Approval required*: `%s` (%s risk)\n%s", prompt.ToolName, prompt.Risk, prompt.Summary),
		false, false)

	approve := slack.NewButtonBlockElement("approve:"+prompt.ApprovalID, prompt.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement("reject:"+prompt.ApprovalID, prompt.ApprovalID,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger

	return []slack.Block{
		slack.NewSectionBlock(header, nil, nil),
		slack.NewActionBlock("approval_"+prompt.ApprovalID, approve, reject),
	}
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
	return models.ChannelSlack
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies API reachability with auth.test.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if a.client == nil {
		health.Message = "client not initialized"
		return health
	}
	if _, err := a.client.AuthTestContext(ctx); err != nil {
		health.Latency = time.Since(start)
		health.Message = fmt.Sprintf("auth.test failed: %v", err)
		return health
	}
	health.Latency = time.Since(start)
	health.Healthy = true
	health.Message = "healthy"
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

// convertMessage maps a Slack event onto the unified message format,
// stripping <@USERID> mentions from the text.
func convertMessage(event *slackevents.MessageEvent) *models.Message {
	text := stripMentions(event.Text)

	createdAt := time.Now().UTC()
	if ts, err := parseSlackTimestamp(event.TimeStamp); err == nil {
		createdAt = ts
	}

	msg := &models.Message{
		Channel:      models.ChannelSlack,
		ChannelMsgID: event.Channel + ":" + event.TimeStamp,
		SenderID:     event.User,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      text,
		Metadata: map[string]any{
			"chat_id":   event.Channel,
			"thread_ts": threadKey(event),
		},
		CreatedAt: createdAt,
	}

	if event.Message != nil {
		for _, file := range event.Message.Files {
			msg.Attachments = append(msg.Attachments, models.Attachment{
				ID:       file.ID,
				Type:     attachmentType(file.Mimetype),
				URL:      file.URLPrivateDownload,
				Filename: file.Name,
				MimeType: file.Mimetype,
				Size:     int64(file.Size),
			})
		}
	}
	return msg
}

// threadKey picks the thread root so replies stay in one conversation.
func threadKey(event *slackevents.MessageEvent) string {
	if event.ThreadTimeStamp != "" {
		return event.ThreadTimeStamp
	}
	return event.TimeStamp
}

func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseSlackTimestamp parses the "1705312800.123456" wire format.
func parseSlackTimestamp(ts string) (time.Time, error) {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse slack timestamp %q: %w", ts, err)
	}
	var nsec int64
	if len(parts) == 2 {
		frac, err := strconv.ParseInt(parts[1], 10, 64)
		if err == nil {
			for i := len(parts[1]); i < 9; i++ {
				frac *= 10
			}
			nsec = frac
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
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
