// Package whatsapp implements the WhatsApp channel adapter over
// whatsmeow with QR pairing and a layered reconnect policy: logged-out
// sessions clear their auth state and stop, stream replacement
// reconnects immediately, a 405 clears credentials and re-pairs, and
// everything else backs off exponentially until the retry budget runs
// out and auth is hard-reset.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the whatsmeow session store

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/chunk"
	"github.com/loopgate/loopgate/pkg/models"
)

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	config   Config
	client   *whatsmeow.Client
	store    *sqlstore.Container
	messages chan *models.Message
	qr       chan string
	allowed  map[string]bool

	mu       sync.RWMutex
	status   channels.Status
	stopping bool

	reconnectMu sync.Mutex
	attempts    int

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *channels.Metrics
	logger  *slog.Logger
}

// NewAdapter validates the config and opens the session store.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(config.SessionPath), 0o755); err != nil {
		return nil, channels.ErrConfig("failed to create session directory", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", config.SessionPath), waLog.Noop)
	if err != nil {
		return nil, channels.ErrInternal("failed to open session store", err)
	}

	allowed := make(map[string]bool, len(config.AllowedNumbers))
	for _, n := range config.AllowedNumbers {
		allowed[strings.TrimPrefix(n, "+")] = true
	}

	return &Adapter{
		config:   config,
		store:    container,
		messages: make(chan *models.Message, 100),
		qr:       make(chan string, 1),
		allowed:  allowed,
		metrics:  channels.NewMetrics(models.ChannelWhatsApp),
		logger:   config.Logger.With("adapter", "whatsapp"),
	}, nil
}

// Start connects, pairing over QR when the device has no stored
// credentials.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	device, err := a.store.GetFirstDevice(a.runCtx)
	if err != nil {
		return channels.ErrInternal("failed to load device state", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		if err := a.startPairing(a.runCtx); err != nil {
			return err
		}
	} else {
		if err := a.client.Connect(); err != nil {
			a.metrics.RecordError(channels.ErrCodeConnection)
			return channels.ErrConnection("failed to connect to whatsapp", err)
		}
	}

	a.logger.Info("whatsapp adapter started", "paired", a.client.Store.ID != nil)
	return nil
}

// startPairing requests a QR channel, connects, and streams codes to
// QRChannel (and QRDir) until login or the QR retry cap.
func (a *Adapter) startPairing(ctx context.Context) error {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return channels.ErrInternal("failed to get qr channel", err)
	}
	if err := a.client.Connect(); err != nil {
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to connect for pairing", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		codes := 0
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-qrChan:
				if !ok {
					return
				}
				switch evt.Event {
				case "code":
					codes++
					if codes > a.config.MaxQRRetries {
						a.logger.Error("qr retry budget exhausted, stopping pairing")
						a.setStatus(false, "qr retries exhausted")
						a.client.Disconnect()
						return
					}
					a.offerQR(evt.Code)
				case "success":
					a.logger.Info("whatsapp pairing complete")
					return
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) offerQR(code string) {
	select {
	case a.qr <- code:
	default:
	}
	if a.config.QRDir == "" {
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		a.logger.Warn("failed to render qr png", "error", err)
		return
	}
	path := filepath.Join(a.config.QRDir, "whatsapp-qr.png")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		a.logger.Warn("failed to write qr png", "path", path, "error", err)
	}
}

// Stop disconnects and closes the session store.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	close(a.qr)
	if a.client != nil {
		a.client.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close session store", "error", err)
		}
	}
	a.setStatus(false, "")
	close(a.messages)
	return nil
}

func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		a.reconnectMu.Lock()
		a.attempts = 0
		a.reconnectMu.Unlock()
		a.setStatus(true, "")
		a.logger.Info("connected to whatsapp")

	case *events.Disconnected:
		a.setStatus(false, "disconnected")
		a.scheduleReconnect(false)

	case *events.StreamReplaced:
		// Another client took over the stream; reconnect immediately.
		a.setStatus(false, "stream replaced")
		a.scheduleReconnect(true)

	case *events.StreamError:
		if v.Code == "405" {
			a.logger.Warn("stream rejected with 405, clearing credentials for fresh pairing")
			a.resetAuthAndRepair()
			return
		}
		a.setStatus(false, "stream error "+v.Code)
		a.scheduleReconnect(false)

	case *events.LoggedOut:
		a.logger.Warn("logged out from whatsapp, clearing auth state", "reason", v.Reason)
		a.clearAuth()
		a.setStatus(false, "logged out")

	case *events.Message:
		a.handleMessage(v)
	}
}

// scheduleReconnect runs one reconnect attempt in the background. fast
// skips the backoff delay.
func (a *Adapter) scheduleReconnect(fast bool) {
	a.mu.RLock()
	stopping := a.stopping
	a.mu.RUnlock()
	if stopping || a.runCtx == nil {
		return
	}

	a.reconnectMu.Lock()
	a.attempts++
	attempt := a.attempts
	a.reconnectMu.Unlock()

	if attempt > a.config.MaxReconnectAttempts {
		a.logger.Error("reconnect budget exhausted, resetting auth state")
		a.resetAuthAndRepair()
		return
	}

	delay := time.Duration(0)
	if !fast {
		delay = backoffDelay(a.config.ReconnectBase, a.config.ReconnectCap, attempt)
	}
	a.metrics.RecordReconnectAttempt()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if delay > 0 {
			select {
			case <-a.runCtx.Done():
				return
			case <-time.After(delay):
			}
		}
		if a.client.IsConnected() {
			return
		}
		a.logger.Info("reconnecting to whatsapp", "attempt", attempt, "delay", delay)
		if err := a.client.Connect(); err != nil {
			a.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			a.scheduleReconnect(false)
		}
	}()
}

// resetAuthAndRepair drops the stored credentials and starts a fresh
// pairing flow.
func (a *Adapter) resetAuthAndRepair() {
	a.clearAuth()

	a.mu.RLock()
	stopping := a.stopping
	a.mu.RUnlock()
	if stopping || a.runCtx == nil {
		return
	}

	device, err := a.store.GetFirstDevice(a.runCtx)
	if err != nil {
		a.logger.Error("failed to reload device after auth reset", "error", err)
		a.setStatus(false, "auth reset failed")
		return
	}
	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	a.reconnectMu.Lock()
	a.attempts = 0
	a.reconnectMu.Unlock()

	if err := a.startPairing(a.runCtx); err != nil {
		a.logger.Error("failed to restart pairing", "error", err)
		a.setStatus(false, "pairing failed")
	}
}

func (a *Adapter) clearAuth() {
	if a.client == nil {
		return
	}
	a.client.Disconnect()
	if a.client.Store.ID != nil {
		if err := a.client.Store.Delete(context.Background()); err != nil {
			a.logger.Warn("failed to delete device state", "error", err)
		}
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsFromMe {
		return
	}
	if !a.numberAllowed(evt.Info.Sender.User) {
		a.metrics.RecordMessageDropped()
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	a.metrics.RecordMessageReceived()
	a.touchPing()
	msg := &models.Message{
		Channel:      models.ChannelWhatsApp,
		ChannelMsgID: evt.Info.ID,
		SenderID:     evt.Info.Sender.User,
		SenderName:   evt.Info.PushName,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      content,
		Metadata:     map[string]any{"chat_id": evt.Info.Chat.String()},
		CreatedAt:    evt.Info.Timestamp,
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping message", "chat", evt.Info.Chat.String())
		a.metrics.RecordMessageFailed()
	}
}

// extractText pulls the text body out of the message variants the
// adapter handles. Media captions count as text.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	default:
		return ""
	}
}

// Send delivers the reply to the chat JID.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.client == nil || !a.client.IsConnected() {
		return channels.ErrUnavailable("not connected to whatsapp", nil)
	}
	jid, err := targetJID(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	limit := chunk.LimitFor(models.ChannelWhatsApp)
	for _, part := range chunk.Split(msg.Content, limit) {
		waMsg := &waE2E.Message{Conversation: proto.String(part)}
		resp, err := a.client.SendMessage(ctx, jid, waMsg)
		if err != nil {
			a.metrics.RecordMessageFailed()
			a.metrics.RecordError(channels.ErrCodeInternal)
			return channels.ErrInternal("failed to send message", err)
		}
		msg.ChannelMsgID = resp.ID
	}

	a.metrics.RecordMessageSent()
	return nil
}

// SendFile sends the attachment URL as text; media upload needs the
// raw bytes which the gateway does not retain.
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

// SendApprovalPrompt sends the plain-text prompt; WhatsApp has no
// inline buttons for bots.
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

// QRChannel streams pairing codes while the adapter is unpaired.
func (a *Adapter) QRChannel() <-chan string {
	return a.qr
}

// ID returns the channel row id.
func (a *Adapter) ID() string {
	return a.config.ChannelID
}

// Type returns the platform type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWhatsApp
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports socket connectivity.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if a.client == nil {
		health.Message = "client not initialized"
		return health
	}
	health.Latency = time.Since(start)
	if a.client.IsConnected() {
		health.Healthy = true
		health.Message = "connected"
	} else {
		health.Message = "not connected"
	}
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) numberAllowed(number string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[number]
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

func targetJID(msg *models.Message) (types.JID, error) {
	raw, ok := msg.Metadata["chat_id"]
	if !ok {
		return types.JID{}, fmt.Errorf("chat_id missing")
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return types.JID{}, fmt.Errorf("chat_id missing")
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid jid %q: %w", s, err)
	}
	return jid, nil
}

// backoffDelay doubles per attempt from base, capped.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
