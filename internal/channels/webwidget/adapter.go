// Package webwidget implements the embeddable web chat widget adapter.
// Visitors connect over WebSocket keyed by a session id; each text
// frame becomes an inbound message and replies are pushed back down
// the visitor's socket.
package webwidget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	maxFrameSize = 64 << 10
)

// Config holds web-widget adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// AllowedOrigins restricts the Origin header on upgrade requests.
	// Empty admits any origin, which is only sensible in development.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Validate applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

type wireFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// visitorConn serializes writes to one visitor socket.
type visitorConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	name    string
}

func (v *visitorConn) writeJSON(frame wireFrame) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteJSON(frame)
}

// Adapter implements channels.Adapter for the web widget.
type Adapter struct {
	config   Config
	upgrader websocket.Upgrader
	messages chan *models.Message

	mu     sync.RWMutex
	status channels.Status

	connMu sync.RWMutex
	conns  map[string]*visitorConn

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *channels.Metrics
	logger  *slog.Logger
}

// NewAdapter validates the config and builds an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:   config,
		messages: make(chan *models.Message, 100),
		conns:    make(map[string]*visitorConn),
		metrics:  channels.NewMetrics(models.ChannelWebWidget),
		logger:   config.Logger.With("adapter", "webwidget"),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.originAllowed,
	}
	return a, nil
}

// Start marks the endpoint live.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.setStatus(true, "")
	a.logger.Info("webwidget adapter started", "allowed_origins", len(a.config.AllowedOrigins))
	return nil
}

// Stop closes every visitor socket and the message stream.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.connMu.Lock()
	for id, vc := range a.conns {
		vc.conn.Close()
		delete(a.conns, id)
	}
	a.connMu.Unlock()

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

// HandleWebSocket upgrades the request and serves the visitor until
// the socket closes. The visitor session id comes from the "session"
// query parameter; a fresh id is minted when absent.
func (a *Adapter) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	visitorID := r.URL.Query().Get("session")
	if visitorID == "" {
		visitorID = uuid.NewString()
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.metrics.RecordError(channels.ErrCodeConnection)
		a.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	vc := &visitorConn{conn: conn}
	a.connMu.Lock()
	if old, ok := a.conns[visitorID]; ok {
		old.conn.Close()
	}
	a.conns[visitorID] = vc
	a.connMu.Unlock()

	vc.writeJSON(wireFrame{Type: "session", Text: visitorID})

	a.wg.Add(2)
	go a.pingLoop(vc)
	go a.readLoop(visitorID, vc)
}

func (a *Adapter) pingLoop(vc *visitorConn) {
	defer a.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.runCtx.Done():
			return
		case <-ticker.C:
			vc.writeMu.Lock()
			vc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := vc.conn.WriteMessage(websocket.PingMessage, nil)
			vc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readLoop(visitorID string, vc *visitorConn) {
	defer a.wg.Done()
	defer func() {
		vc.conn.Close()
		a.connMu.Lock()
		if a.conns[visitorID] == vc {
			delete(a.conns, visitorID)
		}
		a.connMu.Unlock()
	}()

	vc.conn.SetReadLimit(maxFrameSize)
	vc.conn.SetReadDeadline(time.Now().Add(pongWait))
	vc.conn.SetPongHandler(func(string) error {
		vc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := vc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug("visitor socket closed", "visitor", visitorID, "error", err)
			}
			return
		}
		a.touchPing()

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Bare text frames are accepted as messages.
			frame = wireFrame{Type: "message", Text: string(raw)}
		}
		switch frame.Type {
		case "hello":
			vc.name = frame.Name
		case "message", "":
			a.emit(visitorID, vc, frame.Text)
		}
	}
}

func (a *Adapter) emit(visitorID string, vc *visitorConn, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.metrics.RecordMessageReceived()
	name := vc.name
	if name == "" {
		name = "visitor"
	}
	msg := &models.Message{
		Channel:      models.ChannelWebWidget,
		ChannelMsgID: uuid.NewString(),
		SenderID:     visitorID,
		SenderName:   name,
		Direction:    models.DirectionInbound,
		Role:         models.RoleUser,
		Content:      text,
		Metadata:     map[string]any{"chat_id": visitorID},
		CreatedAt:    time.Now().UTC(),
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("messages channel full, dropping frame", "visitor", visitorID)
		a.metrics.RecordMessageFailed()
	}
}

// Send pushes the reply down the visitor's socket.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	visitorID, err := targetVisitor(msg)
	if err != nil {
		return channels.ErrInvalidInput("chat_id not found in message", err)
	}

	a.connMu.RLock()
	vc, ok := a.conns[visitorID]
	a.connMu.RUnlock()
	if !ok {
		a.metrics.RecordMessageDropped()
		return channels.ErrUnavailable("visitor not connected", nil)
	}

	if err := vc.writeJSON(wireFrame{Type: "message", Text: msg.Content}); err != nil {
		a.metrics.RecordMessageFailed()
		a.metrics.RecordError(channels.ErrCodeConnection)
		return channels.ErrConnection("failed to write to visitor socket", err)
	}
	a.metrics.RecordMessageSent()
	return nil
}

// SendFile pushes the attachment URL as a message frame.
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

// SendApprovalPrompt pushes the plain-text prompt to the visitor.
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
	return models.ChannelWebWidget
}

// Status returns the connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports endpoint liveness and the active visitor count.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	a.mu.RLock()
	connected := a.status.Connected
	a.mu.RUnlock()

	health := channels.HealthStatus{
		LastCheck: time.Now(),
		Healthy:   connected,
	}
	if connected {
		health.Message = fmt.Sprintf("healthy, %d visitors connected", a.VisitorCount())
	} else {
		health.Message = "stopped"
	}
	return health
}

// Metrics returns the adapter's counters snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// VisitorCount reports how many visitor sockets are open.
func (a *Adapter) VisitorCount() int {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return len(a.conns)
}

func (a *Adapter) originAllowed(r *http.Request) bool {
	if len(a.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range a.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
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

func targetVisitor(msg *models.Message) (string, error) {
	if raw, ok := msg.Metadata["chat_id"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("chat_id missing")
}
