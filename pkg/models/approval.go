package models

import "time"

// RiskLevel classifies how dangerous a tool invocation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalTimedOut     ApprovalStatus = "timeout"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// ApprovalRequest is a persisted human-in-the-loop gate for one tool call.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	RunID          string         `json:"run_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	Risk           RiskLevel      `json:"risk"`
	Status         ApprovalStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	RespondedBy    string         `json:"responded_by,omitempty"`

	// TimeoutAt is when the in-process waiter gives up and applies the
	// rule's timeout action. ExpiresAt (2x the timeout) is when the sweep
	// turns an orphaned pending row into a timeout.
	TimeoutAt   time.Time  `json:"timeout_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// TimeoutAction is what happens when nobody responds before TimeoutAt.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// ApprovalRule configures the approval requirement for a tool pattern.
// AutoApprove waives the human gate while still recording each matched
// call as an auto_approved request for audit.
type ApprovalRule struct {
	ID            string        `json:"id"`
	ToolPattern   string        `json:"tool_pattern"` // exact name or prefix*
	Risk          RiskLevel     `json:"risk"`
	RequireHuman  bool          `json:"require_human"`
	AutoApprove   bool          `json:"auto_approve"`
	TimeoutSec    int           `json:"timeout_sec"`
	TimeoutAction TimeoutAction `json:"timeout_action"`
	CreatedAt     time.Time     `json:"created_at"`
}
