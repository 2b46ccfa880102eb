package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/loopgate/pkg/models"
)

// CreateApproval persists a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ApprovalPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, conversation_id, run_id, tool_name, tool_input, risk,
			status, reason, responded_by, timeout_at, expires_at, created_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		req.ID, req.ConversationID, req.RunID, req.ToolName, marshalJSON(req.ToolInput),
		string(req.Risk), string(req.Status), req.Reason, req.RespondedBy,
		req.TimeoutAt.Unix(), req.ExpiresAt.Unix(), req.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

// ResolveApproval finalizes a pending request. Only the first resolution
// wins; later attempts get ErrApprovalAlreadyFinal.
func (s *Store) ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, respondedBy, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, responded_by = ?, reason = ?, responded_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), respondedBy, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := s.GetApproval(ctx, id); gerr != nil {
			return gerr
		}
		return ErrApprovalAlreadyFinal
	}
	return nil
}

// GetApproval loads one approval request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, run_id, tool_name, tool_input, risk, status, reason,
			responded_by, timeout_at, expires_at, created_at, responded_at
		FROM approval_requests WHERE id = ?`, id)
	return scanApproval(row)
}

// ListPendingApprovals returns pending requests for a conversation, or all
// conversations when conversationID is empty.
func (s *Store) ListPendingApprovals(ctx context.Context, conversationID string) ([]*models.ApprovalRequest, error) {
	query := `
		SELECT id, conversation_id, run_id, tool_name, tool_input, risk, status, reason,
			responded_by, timeout_at, expires_at, created_at, responded_at
		FROM approval_requests WHERE status = 'pending'`
	args := []any{}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ExpireStaleApprovals turns pending rows past their hard expiry into
// timeouts and returns how many were swept. These are requests whose
// in-process waiter died with the process, so the timeout status applies
// just as it would have at TimeoutAt.
func (s *Store) ExpireStaleApprovals(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = 'timeout', responded_at = ?
		WHERE status = 'pending' AND expires_at < ?`,
		now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		req                    models.ApprovalRequest
		toolInput, risk, state string
		timeoutAt, expiresAt   int64
		createdAt              int64
		respondedAt            sql.NullInt64
	)
	err := row.Scan(&req.ID, &req.ConversationID, &req.RunID, &req.ToolName, &toolInput,
		&risk, &state, &req.Reason, &req.RespondedBy, &timeoutAt, &expiresAt, &createdAt, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	req.Risk = models.RiskLevel(risk)
	req.Status = models.ApprovalStatus(state)
	req.TimeoutAt = time.Unix(timeoutAt, 0).UTC()
	req.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	if respondedAt.Valid {
		t := time.Unix(respondedAt.Int64, 0).UTC()
		req.RespondedAt = &t
	}
	json.Unmarshal([]byte(toolInput), &req.ToolInput)
	return &req, nil
}

// UpsertApprovalRule inserts or replaces the rule for a tool pattern.
func (s *Store) UpsertApprovalRule(ctx context.Context, rule *models.ApprovalRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.TimeoutAction == "" {
		rule.TimeoutAction = models.TimeoutReject
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_rules (id, tool_pattern, risk, require_human, auto_approve, timeout_sec, timeout_action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tool_pattern) DO UPDATE SET
			risk = excluded.risk,
			require_human = excluded.require_human,
			auto_approve = excluded.auto_approve,
			timeout_sec = excluded.timeout_sec,
			timeout_action = excluded.timeout_action`,
		rule.ID, rule.ToolPattern, string(rule.Risk), boolToInt(rule.RequireHuman),
		boolToInt(rule.AutoApprove), rule.TimeoutSec, string(rule.TimeoutAction), rule.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert approval rule: %w", err)
	}
	return nil
}

// ListApprovalRules returns all configured rules.
func (s *Store) ListApprovalRules(ctx context.Context) ([]*models.ApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_pattern, risk, require_human, auto_approve, timeout_sec, timeout_action, created_at
		FROM approval_rules ORDER BY tool_pattern`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval rules: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRule
	for rows.Next() {
		var (
			rule                      models.ApprovalRule
			risk, action              string
			requireHuman, autoApprove int
			createdAt                 int64
		)
		err := rows.Scan(&rule.ID, &rule.ToolPattern, &risk, &requireHuman, &autoApprove,
			&rule.TimeoutSec, &action, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval rule: %w", err)
		}
		rule.Risk = models.RiskLevel(risk)
		rule.RequireHuman = requireHuman != 0
		rule.AutoApprove = autoApprove != 0
		rule.TimeoutAction = models.TimeoutAction(action)
		rule.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &rule)
	}
	return out, rows.Err()
}
