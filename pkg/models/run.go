package models

import "time"

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AgentRun records one invocation of the agent loop for a conversation.
type AgentRun struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	BranchID       string         `json:"branch_id"`
	Status         RunStatus      `json:"status"`
	Model          string         `json:"model"`
	Iterations     int            `json:"iterations"`
	InputTokens    int64          `json:"input_tokens"`
	OutputTokens   int64          `json:"output_tokens"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// APICall records one provider API invocation for usage accounting.
type APICall struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	GroupKey     string    `json:"group_key,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary aggregates api_calls over a period for a group or model.
type UsageSummary struct {
	Period       string  `json:"period"` // YYYY-MM-DD or YYYY-MM
	Model        string  `json:"model,omitempty"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TotalTokens returns combined input and output tokens.
func (u UsageSummary) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
