package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loopgate/loopgate/internal/agent"
	"github.com/loopgate/loopgate/internal/bus"
	"github.com/loopgate/loopgate/internal/store"
)

const (
	connectAttempts  = 5
	connectBaseDelay = 500 * time.Millisecond
)

type serverState struct {
	record      *store.MCPServerRecord
	client      *Client
	containerID string
	toolNames   []string
}

// Manager owns the lifecycle of all configured MCP servers: container
// start/stop, client handshake, tool bridging and health checks.
type Manager struct {
	store    *store.Store
	runtime  *ContainerRuntime
	registry *agent.ToolRegistry
	events   *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*serverState
}

// NewManager wires the MCP manager.
func NewManager(st *store.Store, runtime *ContainerRuntime, registry *agent.ToolRegistry, events *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:    st,
		runtime:  runtime,
		registry: registry,
		events:   events,
		logger:   logger.With("component", "mcp"),
		servers:  make(map[string]*serverState),
	}
}

// StartAll starts every enabled server, continuing past failures.
func (m *Manager) StartAll(ctx context.Context) error {
	records, err := m.store.ListMCPServers(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list mcp servers: %w", err)
	}
	for _, rec := range records {
		if err := m.StartServer(ctx, rec.ID); err != nil {
			m.logger.Error("failed to start mcp server", "server", rec.Name, "error", err)
		}
	}
	return nil
}

// StartServer pulls the image, starts the container, handshakes and
// bridges the server's tools into the registry.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, exists := m.servers[id]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetMCPServer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load mcp server %s: %w", id, err)
	}

	m.setStatus(ctx, rec, StatusStarting, "", 0)

	state, err := m.launch(ctx, rec)
	if err != nil {
		m.setStatus(ctx, rec, StatusError, err.Error(), 0)
		return err
	}

	state.toolNames = BridgeTools(m.registry, state.client, serverSlug(rec.Name), m.logger)

	m.mu.Lock()
	m.servers[id] = state
	m.mu.Unlock()

	m.setStatus(ctx, rec, StatusRunning, "", len(state.toolNames))
	return nil
}

// launch starts the container and connects a client with retry backoff.
func (m *Manager) launch(ctx context.Context, rec *store.MCPServerRecord) (*serverState, error) {
	if rec.Image == "" {
		return nil, fmt.Errorf("server %s has no image configured", rec.Name)
	}
	if err := m.runtime.EnsureImage(ctx, rec.Image); err != nil {
		return nil, err
	}

	cmd := strings.Fields(rec.Command)
	slug := serverSlug(rec.Name)

	switch TransportType(rec.Transport) {
	case TransportSSE:
		port := rec.Port
		if port <= 0 {
			port = 8080
		}
		containerID, hostPort, err := m.runtime.StartSSE(ctx, slug, rec.Image, cmd, rec.Env, port)
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("http://127.0.0.1:%d/mcp", hostPort)
		client, err := m.connectWithRetry(ctx, rec.ID, func() Transport {
			return NewSSETransport(url, nil, 30*time.Second)
		})
		if err != nil {
			m.runtime.Stop(ctx, containerID)
			return nil, err
		}
		return &serverState{record: rec, client: client, containerID: containerID}, nil

	default:
		stream, containerID, err := m.runtime.StartStdio(ctx, slug, rec.Image, cmd, rec.Env)
		if err != nil {
			return nil, err
		}

		client, err := m.connectStdio(ctx, rec.ID, stream)
		if err != nil {
			m.runtime.Stop(ctx, containerID)
			return nil, err
		}
		return &serverState{record: rec, client: client, containerID: containerID}, nil
	}
}

// connectWithRetry handshakes over a freshly built transport, backing
// off between attempts while the server boots.
func (m *Manager) connectWithRetry(ctx context.Context, serverID string, build func() Transport) (*Client, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client := NewClient(serverID, build(), m.logger)
		if err := client.Initialize(ctx); err != nil {
			lastErr = err
			client.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectBaseDelay * time.Duration(attempt)):
			}
			continue
		}
		return client, nil
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", connectAttempts, lastErr)
}

// connectStdio handshakes over an attached stream. The stream cannot be
// rebuilt per attempt, so only the initialize call is retried.
func (m *Manager) connectStdio(ctx context.Context, serverID string, stream io.ReadWriteCloser) (*Client, error) {
	transport := NewStdioTransport(stream, 30*time.Second, m.logger)
	client := NewClient(serverID, transport, m.logger)

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := client.Initialize(ctx); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				transport.Close()
				return nil, ctx.Err()
			case <-time.After(connectBaseDelay * time.Duration(attempt)):
			}
			continue
		}
		return client, nil
	}
	transport.Close()
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", connectAttempts, lastErr)
}

// StopServer disconnects, unregisters bridged tools and removes the
// container.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	m.mu.Lock()
	state, exists := m.servers[id]
	if exists {
		delete(m.servers, id)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	m.teardown(ctx, state)
	m.setStatus(ctx, state.record, StatusStopped, "", 0)
	return nil
}

// StopAll stops every running server, used at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopServer(ctx, id); err != nil {
			m.logger.Warn("mcp server stop failed", "server", id, "error", err)
		}
	}
}

func (m *Manager) teardown(ctx context.Context, state *serverState) {
	for _, name := range state.toolNames {
		m.registry.Unregister(name)
	}
	if state.client != nil {
		state.client.Close()
	}
	if state.containerID != "" {
		m.runtime.Stop(ctx, state.containerID)
	}
}

// StartHealthLoop checks container and client health periodically until
// ctx ends. A dropped server gets one restart attempt before it is
// marked errored.
func (m *Manager) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkHealth(ctx)
			}
		}
	}()
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		state, exists := m.servers[id]
		m.mu.Unlock()
		if !exists {
			continue
		}

		healthy := state.client.Connected() && m.runtime.IsRunning(ctx, state.containerID)
		if healthy {
			// Keep the cached tool list current so Status reports live counts.
			if err := state.client.RefreshTools(ctx); err != nil {
				m.logger.Debug("tool list refresh failed", "server", state.record.Name, "error", err)
			}
			continue
		}

		m.logger.Warn("mcp server unhealthy, attempting restart", "server", state.record.Name)
		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
		m.teardown(ctx, state)

		if err := m.StartServer(ctx, id); err != nil {
			m.logger.Error("mcp server restart failed", "server", state.record.Name, "error", err)
		}
	}
}

// CallTool invokes a tool on a running server by record id.
func (m *Manager) CallTool(ctx context.Context, id, toolName string, arguments []byte) (*ToolCallResult, error) {
	m.mu.Lock()
	state, exists := m.servers[id]
	m.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("mcp server %s not running", id)
	}
	return state.client.CallTool(ctx, toolName, arguments)
}

// Status reports every configured server with live tool counts.
func (m *Manager) Status(ctx context.Context) ([]*StatusEvent, error) {
	records, err := m.store.ListMCPServers(ctx, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*StatusEvent, 0, len(records))
	for _, rec := range records {
		ev := &StatusEvent{ServerID: rec.ID, Name: rec.Name, Status: rec.Status, Error: rec.LastError}
		if state, exists := m.servers[rec.ID]; exists {
			ev.Tools = len(state.toolNames)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Manager) setStatus(ctx context.Context, rec *store.MCPServerRecord, status, lastError string, tools int) {
	if err := m.store.UpdateMCPServerStatus(ctx, rec.ID, status, lastError); err != nil {
		m.logger.Warn("failed to persist mcp status", "server", rec.Name, "error", err)
	}
	if m.events != nil {
		m.events.Publish(bus.TopicMCPStatus, &StatusEvent{
			ServerID: rec.ID,
			Name:     rec.Name,
			Status:   status,
			Error:    lastError,
			Tools:    tools,
		})
	}
}

func serverSlug(name string) string {
	return sanitizeNamePart(name)
}
