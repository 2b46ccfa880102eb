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

// GetOrCreateConversation finds the conversation for a channel/group pair
// or creates it together with its primary "main" branch. A non-empty
// title is stored on create and refreshed when the chat was renamed.
func (s *Store) GetOrCreateConversation(ctx context.Context, channelID string, channelType models.ChannelType, groupKey, title string) (*models.Conversation, error) {
	conv, err := s.getConversationByKey(ctx, channelID, groupKey)
	if err == nil {
		if title != "" && conv.Title != title {
			if _, uerr := s.db.ExecContext(ctx, `
				UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
				title, time.Now().Unix(), conv.ID); uerr != nil {
				return nil, fmt.Errorf("failed to update conversation title: %w", uerr)
			}
			conv.Title = title
		}
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &models.Conversation{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Channel:   channelType,
		GroupKey:  groupKey,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	branch := models.NewPrimaryBranch(conv.ID)
	branch.ID = uuid.NewString()
	conv.ActiveBranchID = branch.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, channel_id, channel_type, group_key, title, active_branch_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		conv.ID, channelID, string(channelType), groupKey, title, branch.ID, now.Unix(), now.Unix())
	if err != nil {
		// A concurrent creator may have won the unique race; re-read.
		if existing, gerr := s.getConversationByKey(ctx, channelID, groupKey); gerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_branches (id, conversation_id, parent_branch_id, name, branch_point, is_primary, created_at)
		VALUES (?, ?, NULL, 'main', 0, 1, ?)`,
		branch.ID, conv.ID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert primary branch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) getConversationByKey(ctx context.Context, channelID, groupKey string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, channel_type, group_key, title, active_branch_id, metadata, created_at, updated_at
		FROM conversations WHERE channel_id = ? AND group_key = ?`, channelID, groupKey)
	return scanConversation(row)
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, channel_type, group_key, title, active_branch_id, metadata, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv                 models.Conversation
		chType, metadata     string
		createdAt, updatedAt int64
	)
	err := row.Scan(&conv.ID, &conv.ChannelID, &chType, &conv.GroupKey, &conv.Title,
		&conv.ActiveBranchID, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.Channel = models.ChannelType(chType)
	conv.Metadata = unmarshalMap(metadata)
	conv.CreatedAt = time.Unix(createdAt, 0).UTC()
	conv.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &conv, nil
}

// touchConversation bumps updated_at.
func (s *Store) touchConversation(ctx context.Context, id string) {
	s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
}

// CreateBranch forks a new branch off parentBranchID at branchPoint, which
// must be a message id visible in the parent's history.
func (s *Store) CreateBranch(ctx context.Context, conversationID, parentBranchID, name string, branchPoint int64) (*models.Branch, error) {
	parent, err := s.GetBranch(ctx, parentBranchID)
	if err != nil {
		return nil, err
	}
	if parent.ConversationID != conversationID {
		return nil, ErrBranchNotFound
	}

	visible, err := s.isMessageVisible(ctx, parent, branchPoint)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, ErrBranchPointInvalid
	}

	branch := &models.Branch{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParentBranchID: &parent.ID,
		Name:           name,
		BranchPoint:    branchPoint,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_branches (id, conversation_id, parent_branch_id, name, branch_point, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		branch.ID, conversationID, parent.ID, name, branchPoint, branch.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert branch: %w", err)
	}
	return branch, nil
}

// isMessageVisible reports whether message id is part of the branch's
// assembled history.
func (s *Store) isMessageVisible(ctx context.Context, branch *models.Branch, messageID int64) (bool, error) {
	segments, err := s.branchSegments(ctx, branch)
	if err != nil {
		return false, err
	}
	for _, seg := range segments {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE branch_id = ? AND id = ? AND id <= ?`,
			seg.branchID, messageID, seg.maxID).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("failed to check message visibility: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetBranch loads a branch by id.
func (s *Store) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, parent_branch_id, name, branch_point, is_primary, created_at
		FROM conversation_branches WHERE id = ?`, id)
	return scanBranch(row)
}

func scanBranch(row rowScanner) (*models.Branch, error) {
	var (
		b         models.Branch
		parent    sql.NullString
		isPrimary int
		createdAt int64
	)
	err := row.Scan(&b.ID, &b.ConversationID, &parent, &b.Name, &b.BranchPoint, &isPrimary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan branch: %w", err)
	}
	if parent.Valid {
		b.ParentBranchID = &parent.String
	}
	b.IsPrimary = isPrimary != 0
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &b, nil
}

// ListBranches returns every branch of a conversation, oldest first.
func (s *Store) ListBranches(ctx context.Context, conversationID string) ([]*models.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, parent_branch_id, name, branch_point, is_primary, created_at
		FROM conversation_branches WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SwitchBranch makes branchID the conversation's active branch.
func (s *Store) SwitchBranch(ctx context.Context, conversationID, branchID string) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.ConversationID != conversationID {
		return ErrBranchNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET active_branch_id = ?, updated_at = ? WHERE id = ?`,
		branchID, time.Now().Unix(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to switch branch: %w", err)
	}
	return nil
}

// DeleteBranch removes a non-primary branch, every branch descended from
// it, and all of their messages. Descendants only exist relative to the
// deleted fork, so the deletion cascades rather than re-parents. If the
// active branch is among the deleted, the conversation falls back to the
// primary branch.
func (s *Store) DeleteBranch(ctx context.Context, conversationID, branchID string) error {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	if branch.ConversationID != conversationID {
		return ErrBranchNotFound
	}
	if branch.IsPrimary {
		return ErrCannotDeletePrimary
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	const doomed = `
		WITH RECURSIVE doomed(id) AS (
			SELECT ?
			UNION ALL
			SELECT b.id FROM conversation_branches b JOIN doomed ON b.parent_branch_id = doomed.id
		)`

	_, err = tx.ExecContext(ctx, doomed+`
		DELETE FROM messages WHERE branch_id IN (SELECT id FROM doomed)`, branchID)
	if err != nil {
		return fmt.Errorf("failed to delete branch messages: %w", err)
	}
	_, err = tx.ExecContext(ctx, doomed+`
		DELETE FROM conversation_branches WHERE id IN (SELECT id FROM doomed)`, branchID)
	if err != nil {
		return fmt.Errorf("failed to delete branches: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET active_branch_id = (
			SELECT id FROM conversation_branches WHERE conversation_id = ? AND is_primary = 1
		), updated_at = ?
		WHERE id = ? AND active_branch_id NOT IN (
			SELECT id FROM conversation_branches WHERE conversation_id = ?
		)`,
		conversationID, time.Now().Unix(), conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to reset active branch: %w", err)
	}

	return tx.Commit()
}

// SaveMessage appends a message to its branch and returns the assigned id.
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	attachments, _ := json.Marshal(msg.Attachments)
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	toolResults, _ := json.Marshal(msg.ToolResults)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, branch_id, channel, channel_msg_id, sender_id, sender_name,
			direction, role, content, attachments, tool_calls, tool_results, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.BranchID, string(msg.Channel), msg.ChannelMsgID, msg.SenderID, msg.SenderName,
		string(msg.Direction), string(msg.Role), msg.Content,
		nullableJSON(attachments, "[]"), nullableJSON(toolCalls, "[]"), nullableJSON(toolResults, "[]"),
		marshalJSON(msg.Metadata), msg.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	s.touchConversation(ctx, msg.ConversationID)
	return nil
}

func nullableJSON(b []byte, empty string) string {
	if len(b) == 0 || string(b) == "null" {
		return empty
	}
	return string(b)
}

// branchSegment is one ancestor's contribution to a branch history.
type branchSegment struct {
	branchID string
	maxID    int64
}

// branchSegments walks from the leaf to the root collecting the visible
// id range per ancestor. An ancestor contributes messages with
// id <= min(branch points of every fork on the path below it).
func (s *Store) branchSegments(ctx context.Context, leaf *models.Branch) ([]branchSegment, error) {
	const maxDepth = 100 // cycle guard

	segments := []branchSegment{{branchID: leaf.ID, maxID: int64(1) << 62}}
	current := leaf
	limitID := int64(1) << 62

	for depth := 0; !current.IsRoot(); depth++ {
		if depth >= maxDepth {
			return nil, fmt.Errorf("branch ancestry too deep for %s", leaf.ID)
		}
		parent, err := s.GetBranch(ctx, *current.ParentBranchID)
		if err != nil {
			return nil, err
		}
		if current.BranchPoint < limitID {
			limitID = current.BranchPoint
		}
		segments = append(segments, branchSegment{branchID: parent.ID, maxID: limitID})
		current = parent
	}

	// Reverse to root-first order.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return segments, nil
}

// BranchHistory assembles the full history visible from a branch: each
// ancestor's messages up to the fork point, then the branch's own
// messages, ordered by id. limit > 0 keeps only the most recent messages.
func (s *Store) BranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	segments, err := s.branchSegments(ctx, branch)
	if err != nil {
		return nil, err
	}

	var all []*models.Message
	for _, seg := range segments {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, conversation_id, branch_id, channel, channel_msg_id, sender_id, sender_name,
				direction, role, content, attachments, tool_calls, tool_results, metadata, created_at
			FROM messages WHERE branch_id = ? AND id <= ? ORDER BY id`,
			seg.branchID, seg.maxID)
		if err != nil {
			return nil, fmt.Errorf("failed to query branch segment: %w", err)
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			m                                   models.Message
			channel, direction, role            string
			attachments, toolCalls, toolResults string
			metadata                            string
			createdAt                           int64
		)
		err := rows.Scan(&m.ID, &m.ConversationID, &m.BranchID, &channel, &m.ChannelMsgID,
			&m.SenderID, &m.SenderName, &direction, &role, &m.Content,
			&attachments, &toolCalls, &toolResults, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Channel = models.ChannelType(channel)
		m.Direction = models.Direction(direction)
		m.Role = models.Role(role)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		m.Metadata = unmarshalMap(metadata)
		json.Unmarshal([]byte(attachments), &m.Attachments)
		json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
		json.Unmarshal([]byte(toolResults), &m.ToolResults)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountBranchMessages counts the messages visible from a branch,
// inherited segments included.
func (s *Store) CountBranchMessages(ctx context.Context, branchID string) (int64, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return 0, err
	}
	segments, err := s.branchSegments(ctx, branch)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, seg := range segments {
		var n int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE branch_id = ? AND id <= ?`,
			seg.branchID, seg.maxID).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count branch messages: %w", err)
		}
		total += n
	}
	return total, nil
}

// ClearBranchMessages deletes the messages owned by a branch and returns
// how many were removed. Inherited ancestor messages are untouched.
func (s *Store) ClearBranchMessages(ctx context.Context, branchID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE branch_id = ?`, branchID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear branch messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MessageSeen reports whether a platform message id was already persisted
// for a channel, for inbound dedup.
func (s *Store) MessageSeen(ctx context.Context, channel models.ChannelType, channelMsgID string) (bool, error) {
	if channelMsgID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE channel = ? AND channel_msg_id = ? AND direction = 'inbound'`,
		string(channel), channelMsgID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check message dedup: %w", err)
	}
	return n > 0, nil
}
