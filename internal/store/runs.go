package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopgate/loopgate/pkg/models"
)

// CreateRun inserts a pending agent run.
func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, conversation_id, branch_id, status, model, iterations,
			input_tokens, output_tokens, error, metadata, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, '', ?, ?, NULL)`,
		run.ID, run.ConversationID, run.BranchID, string(run.Status), run.Model,
		marshalJSON(run.Metadata), run.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus moves a run through its lifecycle. Completed and failed
// transitions also stamp completed_at.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, runErr string) error {
	var completedAt any
	if status == models.RunCompleted || status == models.RunFailed {
		completedAt = time.Now().Unix()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), runErr, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRunUsage accumulates token counts and iteration count on a run.
func (s *Store) RecordRunUsage(ctx context.Context, runID string, iterations int, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET iterations = ?, input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		WHERE id = ?`,
		iterations, inputTokens, outputTokens, runID)
	if err != nil {
		return fmt.Errorf("failed to record run usage: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, branch_id, status, model, iterations, input_tokens,
			output_tokens, error, metadata, started_at, completed_at
		FROM agent_runs WHERE id = ?`, id)

	var (
		run         models.AgentRun
		status      string
		metadata    string
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.ConversationID, &run.BranchID, &status, &run.Model,
		&run.Iterations, &run.InputTokens, &run.OutputTokens, &run.Error, &metadata,
		&startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	run.Metadata = unmarshalMap(metadata)
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

// ListRuns returns a conversation's runs, oldest first.
func (s *Store) ListRuns(ctx context.Context, conversationID string, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, branch_id, status, model, iterations, input_tokens,
			output_tokens, error, metadata, started_at, completed_at
		FROM agent_runs WHERE conversation_id = ?
		ORDER BY started_at, id LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentRun
	for rows.Next() {
		var (
			run         models.AgentRun
			status      string
			metadata    string
			startedAt   int64
			completedAt sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.ConversationID, &run.BranchID, &status, &run.Model,
			&run.Iterations, &run.InputTokens, &run.OutputTokens, &run.Error, &metadata,
			&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = models.RunStatus(status)
		run.Metadata = unmarshalMap(metadata)
		run.StartedAt = time.Unix(startedAt, 0).UTC()
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0).UTC()
			run.CompletedAt = &t
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// RecordAPICall persists one provider invocation for usage accounting.
func (s *Store) RecordAPICall(ctx context.Context, call *models.APICall) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (id, run_id, group_key, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.GroupKey, call.Provider, call.Model,
		call.InputTokens, call.OutputTokens, call.CostUSD, call.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert api call: %w", err)
	}
	return nil
}

// GroupTokensSince sums tokens spent by a group since the cutoff. The
// router's budget gate reads this before starting a run.
func (s *Store) GroupTokensSince(ctx context.Context, groupKey string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(input_tokens + output_tokens) FROM api_calls
		WHERE group_key = ? AND created_at >= ?`,
		groupKey, since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum group tokens: %w", err)
	}
	return total.Int64, nil
}

// UsageByDay aggregates api_calls per day and model since the cutoff.
func (s *Store) UsageByDay(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', created_at, 'unixepoch') AS day, model,
			COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM api_calls WHERE created_at >= ?
		GROUP BY day, model ORDER BY day, model`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageSummary
	for rows.Next() {
		var u models.UsageSummary
		if err := rows.Scan(&u.Period, &u.Model, &u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
