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

// CreateChannel persists a channel configuration. The config map is
// encrypted at rest when a cipher is configured.
func (s *Store) CreateChannel(ctx context.Context, ch *models.ChannelRecord) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	config, err := s.encrypt(marshalJSON(ch.Config))
	if err != nil {
		return fmt.Errorf("failed to encrypt channel config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, type, name, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, string(ch.Type), ch.Name, boolToInt(ch.Enabled), config, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

// UpdateChannel rewrites a channel's name, enabled flag and config.
func (s *Store) UpdateChannel(ctx context.Context, ch *models.ChannelRecord) error {
	config, err := s.encrypt(marshalJSON(ch.Config))
	if err != nil {
		return fmt.Errorf("failed to encrypt channel config: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET name = ?, enabled = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		ch.Name, boolToInt(ch.Enabled), config, time.Now().Unix(), ch.ID)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChannel loads one channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (*models.ChannelRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, enabled, config, created_at, updated_at
		FROM channels WHERE id = ?`, id)
	return s.scanChannel(row)
}

// ListChannels returns all channels. When enabledOnly is set, disabled
// rows are filtered out.
func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]*models.ChannelRecord, error) {
	query := `SELECT id, type, name, enabled, config, created_at, updated_at FROM channels`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.ChannelRecord
	for rows.Next() {
		ch, err := s.scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteChannel removes a channel row.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanChannel(row rowScanner) (*models.ChannelRecord, error) {
	var (
		ch                   models.ChannelRecord
		chType, config       string
		enabled              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&ch.ID, &chType, &ch.Name, &enabled, &config, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	ch.Type = models.ChannelType(chType)
	ch.Enabled = enabled != 0
	ch.CreatedAt = time.Unix(createdAt, 0).UTC()
	ch.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	plain := s.decrypt(config)
	var cfg map[string]any
	if err := json.Unmarshal([]byte(plain), &cfg); err == nil {
		ch.Config = cfg
	}
	return &ch, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
