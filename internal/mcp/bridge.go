package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/loopgate/loopgate/internal/agent"
)

const maxBridgedNameLen = 64

// ToolBridge exposes one remote MCP tool as an agent tool under a
// collision-free prefixed name.
type ToolBridge struct {
	client   *Client
	serverID string
	tool     *Tool
	name     string
}

// NewToolBridge wraps a remote tool with its precomputed safe name.
func NewToolBridge(client *Client, serverID string, tool *Tool, safeName string) *ToolBridge {
	return &ToolBridge{client: client, serverID: serverID, tool: tool, name: safeName}
}

func (b *ToolBridge) Name() string { return b.name }

func (b *ToolBridge) Description() string {
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.serverID, b.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.serverID, b.tool.Name, desc)
}

func (b *ToolBridge) Schema() json.RawMessage {
	if len(b.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b.tool.InputSchema
}

// Execute forwards the call to the remote server. Remote failures come
// back as in-band error results so the agent loop can react to them.
func (b *ToolBridge) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	result, err := b.client.CallTool(ctx, b.tool.Name, input)
	if err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("MCP tool %s failed: %v", b.tool.Name, err),
			IsError: true,
		}, nil
	}

	content, isError := formatToolCallResult(result)
	return &agent.ToolResult{Content: content, IsError: isError}, nil
}

// BridgeTools registers every tool of a server into the agent registry
// and returns the registered names. Built-in tools keep their names, so
// a colliding remote tool is skipped with a warning.
func BridgeTools(registry *agent.ToolRegistry, client *Client, serverID string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tools := append([]*Tool(nil), client.Tools()...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	used := make(map[string]struct{})
	var registered []string
	for _, tool := range tools {
		name := safeToolName(serverID, tool.Name, used)
		if err := registry.Register(NewToolBridge(client, serverID, tool, name)); err != nil {
			logger.Warn("skipping mcp tool, name conflicts with built-in",
				"server", serverID, "tool", tool.Name, "name", name)
			continue
		}
		registered = append(registered, name)
	}
	return registered
}

// safeToolName builds mcp_<server>_<tool>, capped at 64 characters with
// a hash suffix when truncated or deduplicated.
func safeToolName(serverID, toolName string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeNamePart(serverID) + "_" + sanitizeNamePart(toolName)
	name := base
	if len(name) > maxBridgedNameLen {
		name = truncateWithHash(base, serverID, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, serverID, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func bridgedNameHash(serverID, toolName string) string {
	sum := sha1.Sum([]byte(serverID + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, serverID, toolName string) string {
	suffix := "_" + bridgedNameHash(serverID, toolName)
	trimLen := maxBridgedNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, serverID, toolName string) string {
	name := base + "_" + bridgedNameHash(serverID, toolName)
	if len(name) <= maxBridgedNameLen {
		return name
	}
	return truncateWithHash(base, serverID, toolName)
}

// formatToolCallResult flattens text-only results into plain text and
// falls back to the JSON envelope for mixed content.
func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result.Content)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}
