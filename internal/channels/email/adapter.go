// Package email implements the email channel adapter over the
// Microsoft Graph API. Inbound mail is polled on an interval and
// deduplicated by message id; replies go back onto the originating
// thread.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/pkg/models"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds email adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// TenantID and ClientID identify the Azure AD application.
	TenantID string
	ClientID string

	// ClientSecret drives the client-credentials flow. AccessToken may
	// be supplied instead for pre-authorized setups.
	ClientSecret string
	AccessToken  string

	// UserEmail is the mailbox to monitor and send from.
	UserEmail string

	// AllowedSenders restricts inbound mail when set.
	AllowedSenders []string

	// PollInterval is how often the inbox is checked.
	PollInterval time.Duration

	// FolderID is the mail folder to monitor.
	FolderID string

	// BaseURL overrides the Graph endpoint, mainly for tests.
	BaseURL string

	// RateLimit and RateBurst throttle Graph API calls.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return channels.ErrConfig("tenant_id is required", nil)
	}
	if c.ClientID == "" {
		return channels.ErrConfig("client_id is required", nil)
	}
	if c.ClientSecret == "" && c.AccessToken == "" {
		return channels.ErrConfig("client_secret or access_token is required", nil)
	}
	if c.UserEmail == "" {
		return channels.ErrConfig("user_email is required", nil)
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FolderID == "" {
		c.FolderID = "inbox"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultGraphBaseURL
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// TokenEndpoint returns the OAuth2 token endpoint for the tenant.
func (c *Config) TokenEndpoint() string {
	return "https://login.microsoftonline.com/" + c.TenantID + "/oauth2/v2.0/token"
}

// Adapter implements channels.Adapter for email.
type Adapter struct {
	config   Config
	httpc    *http.Client
	messages chan *models.Message
	allowed  map[string]bool

	mu     sync.RWMutex
	status channels.Status

	tokenMu     sync.RWMutex
	accessToken string
	tokenExpiry time.Time

	seenMu sync.Mutex
	seen   map[string]bool

	startedAt time.Time

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

	allowed := make(map[string]bool, len(config.AllowedSenders))
	for _, addr := range config.AllowedSenders {
		allowed[strings.ToLower(addr)] = true
	}

	return &Adapter{
		config:      config,
		httpc:       &http.Client{Timeout: 30 * time.Second},
		messages:    make(chan *models.Message, 100),
		allowed:     allowed,
		accessToken: config.AccessToken,
		seen:        make(map[string]bool),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelEmail),
		logger:      config.Logger.With("adapter", "email"),
	}, nil
}

// Start authenticates and begins polling the mailbox.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.startedAt = time.Now().UTC()

	if a.accessToken == "" {
		if err := a.authenticate(runCtx); err != nil {
			a.metrics.RecordError(channels.ErrCodeAuthentication)
			return channels.ErrAuthentication("failed to authenticate with graph", err)
		}
	}

	a.wg.Add(1)
	go a.pollLoop(runCtx)

	a.setStatus(true, "")
	a.logger.Info("email adapter started", "mailbox", a.config.UserEmail, "poll_interval", a.config.PollInterval)
	return nil
}

// Stop cancels polling and closes the message stream.
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

func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.fetchNewMail(ctx); err != nil {
				a.logger.Error("failed to fetch mail", "error", err)
				a.metrics.RecordError(channels.ErrCodeConnection)
			}
		}
	}
}

type graphMessage struct {
	ID               string    `json:"id"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Subject          string    `json:"subject"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ConversationID string `json:"conversationId"`
}

func (a *Adapter) fetchNewMail(ctx context.Context) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("$top", "20")
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$filter", "isRead eq false")
	params.Set("$select", "id,receivedDateTime,subject,from,body,conversationId")

	endpoint := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?%s",
		a.config.BaseURL, a.config.UserEmail, a.config.FolderID, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token())
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph returned http %d: %s", resp.StatusCode, readBodyTail(resp.Body))
	}

	var result struct {
		Value []graphMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode mail list: %w", err)
	}

	a.touchPing()

	// Oldest first so conversation order is preserved.
	for i := len(result.Value) - 1; i >= 0; i-- {
		a.processMail(ctx, &result.Value[i])
	}
	return nil
}

func (a *Adapter) processMail(ctx context.Context, mail *graphMessage) {
	a.seenMu.Lock()
	if a.seen[mail.ID] {
		a.seenMu.Unlock()
		return
	}
	a.seen[mail.ID] = true
	a.seenMu.Unlock()

	if mail.ReceivedDateTime.Before(a.startedAt) {
		return
	}
	sender := strings.ToLower(mail.From.EmailAddress.Address)
	if sender == strings.ToLower(a.config.UserEmail) {
		return
	}
	if !a.senderAllowed(sender) {
		a.metrics.RecordMessageDropped()
		return
	}

	content := mail.Body.Content
	if strings.EqualFold(mail.Body.ContentType, "html") {
		content = stripHTMLTags(content)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	a.metrics.RecordMessageReceived()
	msg := &models.Message{
		Channel:      models.ChannelEmail,
		ChannelMsgID: mail.ID,
		SenderID:     mail.From.EmailAddress.Address,
		SenderName:   mail.From.EmailAddress.Name,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      content,
		Metadata: map[string]any{
			"chat_id":             mail.From.EmailAddress.Address,
			"subject":             mail.Subject,
			"conversation_id":     mail.ConversationID,
			"reply_to_message_id": mail.ID,
		},
		CreatedAt: mail.ReceivedDateTime,
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping mail", "message_id", mail.ID)
		a.metrics.RecordMessageFailed()
	}

	if err := a.markRead(ctx, mail.ID); err != nil {
		a.logger.Warn("failed to mark mail read", "message_id", mail.ID, "error", err)
	}
}

// Send replies on the originating thread when the message carries a
// reply_to_message_id, otherwise starts a fresh mail to the chat_id
// address. Email has no practical length cap, so no chunking.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}

	var err error
	if replyTo, ok := msg.Metadata["reply_to_message_id"].(string); ok && replyTo != "" {
		err = a.postGraph(ctx,
			fmt.Sprintf("/users/%s/messages/%s/reply", a.config.UserEmail, replyTo),
			map[string]any{
				"message": map[string]any{
					"body": map[string]any{"contentType": "Text", "content": msg.Content},
				},
			})
	} else {
		recipient, rerr := targetAddress(msg)
		if rerr != nil {
			return channels.ErrInvalidInput("chat_id not found in message", rerr)
		}
		subject := "Message from Loopgate"
		if s, ok := msg.Metadata["subject"].(string); ok && s != "" {
			subject = "Re: " + strings.TrimPrefix(s, "Re: ")
		}
		err = a.postGraph(ctx,
			fmt.Sprintf("/users/%s/sendMail", a.config.UserEmail),
			map[string]any{
				"message": map[string]any{
					"subject": subject,
					"body":    map[string]any{"contentType": "Text", "content": msg.Content},
					"toRecipients": []map[string]any{
						{"emailAddress": map[string]any{"address": recipient}},
					},
				},
				"saveToSentItems": true,
			})
	}
	if err != nil {
		a.metrics.RecordMessageFailed()
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send mail", err)
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile sends the attachment URL in the mail body.
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

// SendApprovalPrompt mails the plain-text prompt; the user replies with
// the slash commands it spells out.
func (a *Adapter) SendApprovalPrompt(ctx context.Context, conversationKey string, prompt *channels.ApprovalPrompt) error {
	msg := &models.Message{
		Content: prompt.TextFallback(),
		Metadata: map[string]any{
			"chat_id": conversationKey,
			"subject": "Approval required: " + prompt.ToolName,
		},
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
	return models.ChannelEmail
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck fetches the monitored mailbox user.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	endpoint := fmt.Sprintf("%s/users/%s", a.config.BaseURL, a.config.UserEmail)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		health.Message = fmt.Sprintf("failed to build request: %v", err)
		return health
	}
	req.Header.Set("Authorization", "Bearer "+a.token())

	resp, err := a.httpc.Do(req)
	health.Latency = time.Since(start)
	if err != nil {
		health.Message = fmt.Sprintf("health check failed: %v", err)
		return health
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		health.Message = fmt.Sprintf("graph returned http %d", resp.StatusCode)
		return health
	}
	health.Healthy = true
	health.Message = "healthy"
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) authenticate(ctx context.Context) error {
	data := url.Values{}
	data.Set("client_id", a.config.ClientID)
	data.Set("client_secret", a.config.ClientSecret)
	data.Set("scope", "https://graph.microsoft.com/.default")
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.TokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned http %d: %s", resp.StatusCode, readBodyTail(resp.Body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}

	a.tokenMu.Lock()
	a.accessToken = tokenResp.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	a.tokenMu.Unlock()
	return nil
}

func (a *Adapter) markRead(ctx context.Context, messageID string) error {
	return a.patchGraph(ctx,
		fmt.Sprintf("/users/%s/messages/%s", a.config.UserEmail, messageID),
		map[string]any{"isRead": true})
}

func (a *Adapter) postGraph(ctx context.Context, path string, payload any) error {
	return a.doGraph(ctx, http.MethodPost, path, payload)
}

func (a *Adapter) patchGraph(ctx context.Context, path string, payload any) error {
	return a.doGraph(ctx, http.MethodPatch, path, payload)
}

func (a *Adapter) doGraph(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("graph returned http %d: %s", resp.StatusCode, readBodyTail(resp.Body))
	}
	return nil
}

func (a *Adapter) token() string {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	return a.accessToken
}

func (a *Adapter) senderAllowed(sender string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[sender]
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

func targetAddress(msg *models.Message) (string, error) {
	if raw, ok := msg.Metadata["chat_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("chat_id missing")
}

func readBodyTail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "(unreadable body)"
	}
	return string(raw)
}

// stripHTMLTags reduces an HTML body to readable text. It is not a
// sanitizer, just a best-effort flattening for the agent prompt.
func stripHTMLTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.ReplaceAll(out, "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	out = strings.ReplaceAll(out, "&quot;", `"`)
	return strings.TrimSpace(out)
}
