package store

import (
	"context"
	"fmt"
	"time"
)

// CheckRateLimit counts one hit for key inside a fixed window and reports
// whether the hit is allowed. A window that has rolled over resets the
// counter. The whole check is one UPSERT so concurrent callers agree.
func (s *Store) CheckRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := time.Now().Unix()
	windowStart := now - (now % int64(window.Seconds()))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN rate_limits.window_start = excluded.window_start
				THEN rate_limits.count + 1 ELSE 1 END,
			window_start = excluded.window_start`,
		key, windowStart)
	if err != nil {
		return false, fmt.Errorf("failed to bump rate limit: %w", err)
	}

	var count int
	err = s.db.QueryRowContext(ctx, `SELECT count FROM rate_limits WHERE key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return count <= limit, nil
}
