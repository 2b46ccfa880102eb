package models

import "time"

// Conversation represents a chat thread on one channel, keyed by the
// platform-specific group or peer identifier.
type Conversation struct {
	ID             string         `json:"id"`
	ChannelID      string         `json:"channel_id"`
	Channel        ChannelType    `json:"channel"`
	GroupKey       string         `json:"group_key"` // Platform chat/peer identifier
	Title          string         `json:"title,omitempty"`
	ActiveBranchID string         `json:"active_branch_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Branch represents a conversation branch. Branches allow exploring
// alternative conversation paths from any point in the history.
type Branch struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	// ParentBranchID is nil for the root branch.
	ParentBranchID *string `json:"parent_branch_id,omitempty"`
	Name           string  `json:"name"`

	// BranchPoint is the message id in the parent branch where this branch
	// diverges. Messages with id <= BranchPoint are inherited from the parent.
	BranchPoint int64 `json:"branch_point"`

	// IsPrimary marks the conversation's root "main" branch, which can
	// never be deleted.
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot returns true if this is a root branch (no parent).
func (b *Branch) IsRoot() bool {
	return b.ParentBranchID == nil
}

// NewPrimaryBranch creates the root branch for a conversation.
func NewPrimaryBranch(conversationID string) *Branch {
	return &Branch{
		ConversationID: conversationID,
		Name:           "main",
		IsPrimary:      true,
		CreatedAt:      time.Now().UTC(),
	}
}

// ChannelRecord is a configured channel instance.
type ChannelRecord struct {
	ID        string         `json:"id"`
	Type      ChannelType    `json:"type"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config,omitempty"` // Encrypted at rest
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
