package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MCPServerRecord is a configured MCP server instance.
type MCPServerRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image,omitempty"`
	Transport string            `json:"transport"` // stdio | sse
	URL       string            `json:"url,omitempty"`
	Port      int               `json:"port,omitempty"` // Container service port for sse
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"` // Encrypted at rest
	Enabled   bool              `json:"enabled"`
	Status    string            `json:"status"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CreateMCPServer persists an MCP server configuration.
func (s *Store) CreateMCPServer(ctx context.Context, rec *MCPServerRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = "stopped"
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	env, err := s.encrypt(marshalJSON(rec.Env))
	if err != nil {
		return fmt.Errorf("failed to encrypt server env: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, image, transport, url, port, command, env, enabled, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		rec.ID, rec.Name, rec.Image, rec.Transport, rec.URL, rec.Port, rec.Command, env,
		boolToInt(rec.Enabled), rec.Status, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert mcp server: %w", err)
	}
	return nil
}

// UpdateMCPServerStatus records the runtime status and last error.
func (s *Store) UpdateMCPServerStatus(ctx context.Context, id, status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update mcp server status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMCPServers returns configured servers, optionally enabled only.
func (s *Store) ListMCPServers(ctx context.Context, enabledOnly bool) ([]*MCPServerRecord, error) {
	query := `SELECT id, name, image, transport, url, port, command, env, enabled, status, last_error, created_at, updated_at FROM mcp_servers`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []*MCPServerRecord
	for rows.Next() {
		rec, err := s.scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetMCPServer loads one server by id.
func (s *Store) GetMCPServer(ctx context.Context, id string) (*MCPServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, image, transport, url, port, command, env, enabled, status, last_error, created_at, updated_at
		FROM mcp_servers WHERE id = ?`, id)
	return s.scanMCPServer(row)
}

// DeleteMCPServer removes a server row.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanMCPServer(row rowScanner) (*MCPServerRecord, error) {
	var (
		rec                  MCPServerRecord
		env                  string
		enabled              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Image, &rec.Transport, &rec.URL, &rec.Port, &rec.Command,
		&env, &enabled, &rec.Status, &rec.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mcp server: %w", err)
	}
	rec.Enabled = enabled != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	json.Unmarshal([]byte(s.decrypt(env)), &rec.Env)
	return &rec, nil
}
