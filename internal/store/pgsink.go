package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hireloop/realtime/internal/wire"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
	id         BIGINT PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	path       TEXT NOT NULL DEFAULT '',
	is_read    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_user_id_idx ON notifications (user_id);
`

// PGSink archives notification records in Postgres.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink wraps an existing pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// EnsureSchema creates the notifications table if it does not exist.
func (s *PGSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Has reports whether a notification with the given id is archived.
func (s *PGSink) Has(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup notification %d: %w", id, err)
	}
	return exists, nil
}

// Store archives a record. ON CONFLICT DO NOTHING keeps the operation
// idempotent under at-least-once delivery.
func (s *PGSink) Store(ctx context.Context, rec wire.NotificationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, path, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.Title, rec.Message, rec.Path, rec.IsRead, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store notification %d: %w", rec.ID, err)
	}
	return nil
}

// CountForUser returns the number of archived notifications for a user.
func (s *PGSink) CountForUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications for user %d: %w", userID, err)
	}
	return count, nil
}
