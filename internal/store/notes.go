// ABOUTME: SQLite storage for the notes app
// ABOUTME: Notes are key-value pairs scoped to their owner

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ NoteStore = (*SQLiteStore)(nil)

// SetNote creates or updates a note.
func (s *SQLiteStore) SetNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, note.ID, note.OwnerID, note.Key, note.Value, formatTime(note.CreatedAt), formatTime(note.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by owner and key.
func (s *SQLiteStore) GetNote(ctx context.Context, ownerID, key string) (*Note, error) {
	var n Note
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, key, value, created_at, updated_at
		FROM notes WHERE owner_id = ? AND key = ?
	`, ownerID, key).Scan(&n.ID, &n.OwnerID, &n.Key, &n.Value, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	n.CreatedAt, _ = parseTime(createdAt)
	n.UpdatedAt, _ = parseTime(updatedAt)
	return &n, nil
}

// ListNotes lists all notes for an owner, ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, ownerID string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, key, value, created_at, updated_at
		FROM notes WHERE owner_id = ?
		ORDER BY key ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notes []*Note
	for rows.Next() {
		var n Note
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = parseTime(createdAt)
		n.UpdatedAt, _ = parseTime(updatedAt)
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// DeleteNote deletes a note by owner and key.
func (s *SQLiteStore) DeleteNote(ctx context.Context, ownerID, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE owner_id = ? AND key = ?`, ownerID, key)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
