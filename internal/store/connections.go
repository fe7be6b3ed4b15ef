// ABOUTME: Sealed credential storage keyed by owner and app
// ABOUTME: The store never sees plaintext; sealing happens in the credentials package

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ ConnectionStore = (*SQLiteStore)(nil)

// PutConnection inserts or replaces the owner's credential for an app.
func (s *SQLiteStore) PutConnection(ctx context.Context, c *Connection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (owner_id, app_id, kind, sealed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, app_id) DO UPDATE SET
			kind = excluded.kind, sealed = excluded.sealed, updated_at = excluded.updated_at
	`, c.OwnerID, c.AppID, c.Kind, c.Sealed, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, ownerID, appID string) (*Connection, error) {
	var c Connection
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, app_id, kind, sealed, created_at, updated_at
		FROM connections WHERE owner_id = ? AND app_id = ?
	`, ownerID, appID).Scan(&c.OwnerID, &c.AppID, &c.Kind, &c.Sealed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// ListConnections returns the owner's connections without their sealed values.
func (s *SQLiteStore) ListConnections(ctx context.Context, ownerID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, app_id, kind, created_at, updated_at
		FROM connections WHERE owner_id = ? ORDER BY app_id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []*Connection
	for rows.Next() {
		var c Connection
		var createdAt, updatedAt string
		if err := rows.Scan(&c.OwnerID, &c.AppID, &c.Kind, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		c.CreatedAt, _ = parseTime(createdAt)
		c.UpdatedAt, _ = parseTime(updatedAt)
		conns = append(conns, &c)
	}
	return conns, rows.Err()
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, ownerID, appID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE owner_id = ? AND app_id = ?`, ownerID, appID)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
