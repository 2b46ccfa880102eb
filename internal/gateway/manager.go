package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/channels"
	"github.com/loopgate/loopgate/internal/channels/discord"
	"github.com/loopgate/loopgate/internal/channels/email"
	"github.com/loopgate/loopgate/internal/channels/mattermost"
	"github.com/loopgate/loopgate/internal/channels/slack"
	"github.com/loopgate/loopgate/internal/channels/telegram"
	"github.com/loopgate/loopgate/internal/channels/webhook"
	"github.com/loopgate/loopgate/internal/channels/webwidget"
	"github.com/loopgate/loopgate/internal/channels/whatsapp"
	"github.com/loopgate/loopgate/internal/store"
	"github.com/loopgate/loopgate/pkg/models"
)

const statusPollInterval = 30 * time.Second

// StatusEvent is the bus payload for channel.status.
type StatusEvent struct {
	ChannelID string
	Channel   models.ChannelType
	Connected bool
	Error     string
}

// Manager builds adapters from enabled channel rows, pumps their inbound
// streams into the router, and mirrors adapter status onto the event bus.
// It also delivers approval prompts back through the adapter that owns
// the conversation.
type Manager struct {
	store    *store.Store
	events   *bus.Bus
	router   *Router
	registry *channels.Registry
	dataDir  string
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a Manager from its dependencies.
func NewManager(st *store.Store, events *bus.Bus, router *Router, dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:    st,
		events:   events,
		router:   router,
		registry: channels.NewRegistry(),
		dataDir:  dataDir,
		logger:   logger.With("component", "gateway"),
	}
}

// Registry exposes the live adapters, mainly for status endpoints.
func (m *Manager) Registry() *channels.Registry {
	return m.registry
}

// Start loads enabled channel rows, builds and starts an adapter per
// row, and begins pumping messages. A channel that fails to build or
// start is logged and skipped; the rest of the gateway comes up.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	records, err := m.store.ListChannels(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}

	for _, rec := range records {
		adapter, err := m.buildAdapter(rec)
		if err != nil {
			m.logger.Error("failed to build adapter", "channel", rec.ID, "type", rec.Type, "error", err)
			continue
		}
		if err := adapter.Start(runCtx); err != nil {
			m.logger.Error("failed to start adapter", "channel", rec.ID, "type", rec.Type, "error", err)
			continue
		}
		m.registry.Register(adapter)
		m.logger.Info("channel started", "channel", rec.ID, "type", rec.Type, "name", rec.Name)

		m.wg.Add(1)
		go m.pump(runCtx, adapter)

		if wa, ok := adapter.(*whatsapp.Adapter); ok {
			m.wg.Add(1)
			go m.logPairingCodes(runCtx, wa)
		}
	}

	m.wg.Add(1)
	go m.watchStatus(runCtx)
	return nil
}

// Stop shuts down every adapter and waits for in-flight runs to drain.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.registry.StopAll(ctx)

	done := make(chan struct{})
	go func() {
		m.router.Wait()
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// pump forwards one adapter's inbound stream into the router.
func (m *Manager) pump(ctx context.Context, adapter channels.Adapter) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			m.events.Publish(bus.TopicMessageReceived, msg)
			m.router.HandleInbound(ctx, adapter, msg)
		}
	}
}

// logPairingCodes surfaces whatsapp pairing codes in the log so an
// operator can pair without watching the QR directory.
func (m *Manager) logPairingCodes(ctx context.Context, wa *whatsapp.Adapter) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case code, ok := <-wa.QRChannel():
			if !ok {
				return
			}
			m.logger.Info("whatsapp pairing code available", "channel", wa.ID(), "code", code)
		}
	}
}

// watchStatus polls adapter status and publishes transitions.
func (m *Manager) watchStatus(ctx context.Context) {
	defer m.wg.Done()

	last := make(map[string]channels.Status)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, adapter := range m.registry.All() {
				status := adapter.Status()
				prev, seen := last[adapter.ID()]
				if seen && prev.Connected == status.Connected && prev.Error == status.Error {
					continue
				}
				last[adapter.ID()] = status
				m.events.Publish(bus.TopicChannelStatus, StatusEvent{
					ChannelID: adapter.ID(),
					Channel:   adapter.Type(),
					Connected: status.Connected,
					Error:     status.Error,
				})
			}
		}
	}
}

// NotifyApproval posts an approval prompt on the adapter that owns the
// conversation. It implements the hitl notifier contract.
func (m *Manager) NotifyApproval(ctx context.Context, conv *models.Conversation, req *models.ApprovalRequest) error {
	adapter, ok := m.registry.Get(conv.ChannelID)
	if !ok {
		return fmt.Errorf("no adapter for channel %s", conv.ChannelID)
	}

	prompt := &channels.ApprovalPrompt{
		ApprovalID: req.ID,
		ToolName:   req.ToolName,
		Risk:       req.Risk,
		Summary:    summarizeInput(req.ToolInput),
		Input:      req.ToolInput,
		ExpiresAt:  req.TimeoutAt,
	}
	return adapter.SendApprovalPrompt(ctx, conv.GroupKey, prompt)
}

// summarizeInput renders tool input compactly for the prompt message.
func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return "(no input)"
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "(unprintable input)"
	}
	const maxLen = 300
	s := string(raw)
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}

// Routes registers the HTTP surfaces of adapters that receive inbound
// traffic over webhooks or sockets instead of persistent connections.
func (m *Manager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/mattermost/{channelID}", m.serveMattermost)
	mux.HandleFunc("POST /webhook/incoming/{channelID}", m.serveWebhook)
	mux.HandleFunc("GET /widget/{channelID}/ws", m.serveWidget)
}

type slashCommandHandler interface {
	HandleSlashCommand(http.ResponseWriter, *http.Request)
}

type incomingHandler interface {
	HandleIncoming(http.ResponseWriter, *http.Request)
}

type socketHandler interface {
	HandleWebSocket(http.ResponseWriter, *http.Request)
}

func (m *Manager) serveMattermost(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.lookupHandler(r.PathValue("channelID")).(slashCommandHandler); ok {
		h.HandleSlashCommand(w, r)
		return
	}
	http.NotFound(w, r)
}

func (m *Manager) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.lookupHandler(r.PathValue("channelID")).(incomingHandler); ok {
		h.HandleIncoming(w, r)
		return
	}
	http.NotFound(w, r)
}

func (m *Manager) serveWidget(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.lookupHandler(r.PathValue("channelID")).(socketHandler); ok {
		h.HandleWebSocket(w, r)
		return
	}
	http.NotFound(w, r)
}

func (m *Manager) lookupHandler(channelID string) channels.Adapter {
	adapter, ok := m.registry.Get(channelID)
	if !ok {
		return nil
	}
	return adapter
}

// buildAdapter constructs the adapter for one stored channel row. The
// config map keys mirror what the channel setup flow writes.
func (m *Manager) buildAdapter(rec *models.ChannelRecord) (channels.Adapter, error) {
	cfg := rec.Config

	switch rec.Type {
	case models.ChannelTelegram:
		return telegram.NewAdapter(telegram.Config{
			ChannelID:    rec.ID,
			Token:        cfgString(cfg, "token"),
			AllowedChats: cfgInt64s(cfg, "allowed_chats"),
			Logger:       m.logger,
		})
	case models.ChannelWhatsApp:
		stateDir := filepath.Join(m.dataDir, "whatsapp", rec.ID)
		return whatsapp.NewAdapter(whatsapp.Config{
			ChannelID:      rec.ID,
			SessionPath:    filepath.Join(stateDir, "session.db"),
			QRDir:          stateDir,
			AllowedNumbers: cfgStrings(cfg, "allowed_numbers"),
			Logger:         m.logger,
		})
	case models.ChannelEmail:
		return email.NewAdapter(email.Config{
			ChannelID:      rec.ID,
			TenantID:       cfgString(cfg, "tenant_id"),
			ClientID:       cfgString(cfg, "client_id"),
			ClientSecret:   cfgString(cfg, "client_secret"),
			AccessToken:    cfgString(cfg, "access_token"),
			UserEmail:      cfgString(cfg, "user_email"),
			AllowedSenders: cfgStrings(cfg, "allowed_senders"),
			PollInterval:   cfgSeconds(cfg, "poll_seconds"),
			FolderID:       cfgString(cfg, "folder_id"),
			Logger:         m.logger,
		})
	case models.ChannelSlack:
		return slack.NewAdapter(slack.Config{
			ChannelID:       rec.ID,
			BotToken:        cfgString(cfg, "bot_token"),
			AppToken:        cfgString(cfg, "app_token"),
			AllowedChannels: cfgStrings(cfg, "allowed_channels"),
			Logger:          m.logger,
		})
	case models.ChannelDiscord:
		return discord.NewAdapter(discord.Config{
			ChannelID:       rec.ID,
			Token:           cfgString(cfg, "token"),
			AllowedChannels: cfgStrings(cfg, "allowed_channels"),
			Logger:          m.logger,
		})
	case models.ChannelMattermost:
		return mattermost.NewAdapter(mattermost.Config{
			ChannelID:   rec.ID,
			VerifyToken: cfgString(cfg, "verify_token"),
			ServerURL:   cfgString(cfg, "server_url"),
			BotToken:    cfgString(cfg, "bot_token"),
			Logger:      m.logger,
		})
	case models.ChannelWebhook:
		return webhook.NewAdapter(webhook.Config{
			ChannelID:   rec.ID,
			Secret:      cfgString(cfg, "secret"),
			Sync:        cfgBool(cfg, "sync"),
			SyncTimeout: cfgSeconds(cfg, "sync_timeout_seconds"),
			CallbackURL: cfgString(cfg, "callback_url"),
			Logger:      m.logger,
		})
	case models.ChannelWebWidget:
		return webwidget.NewAdapter(webwidget.Config{
			ChannelID:      rec.ID,
			AllowedOrigins: cfgStrings(cfg, "allowed_origins"),
			Logger:         m.logger,
		})
	}
	return nil, fmt.Errorf("unsupported channel type %q", rec.Type)
}

func cfgString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func cfgBool(m map[string]any, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

// cfgStrings accepts a JSON array of strings or a comma-separated string.
func cfgStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// cfgInt64s accepts a JSON array of numbers or numeric strings.
func cfgInt64s(m map[string]any, key string) []int64 {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			out = append(out, int64(v))
		case int64:
			out = append(out, v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

func cfgSeconds(m map[string]any, key string) time.Duration {
	if v, ok := m[key].(float64); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return 0
}
