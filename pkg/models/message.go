package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram   ChannelType = "telegram"
	ChannelWhatsApp   ChannelType = "whatsapp"
	ChannelEmail      ChannelType = "email"
	ChannelSlack      ChannelType = "slack"
	ChannelDiscord    ChannelType = "discord"
	ChannelMattermost ChannelType = "mattermost"
	ChannelWebhook    ChannelType = "webhook"
	ChannelWebWidget  ChannelType = "web_widget"
)

// KnownChannelTypes lists every supported platform.
var KnownChannelTypes = []ChannelType{
	ChannelTelegram,
	ChannelWhatsApp,
	ChannelEmail,
	ChannelSlack,
	ChannelDiscord,
	ChannelMattermost,
	ChannelWebhook,
	ChannelWebWidget,
}

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	// ID is the monotonic row id assigned by the store; zero until persisted.
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	BranchID       string         `json:"branch_id"`
	Channel        ChannelType    `json:"channel"`
	ChannelMsgID   string         `json:"channel_msg_id"` // Platform-specific message ID
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name,omitempty"`
	Direction      Direction      `json:"direction"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult   `json:"tool_results,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
