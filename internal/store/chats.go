// ABOUTME: Chat log and tool source persistence for the turn state machine
// ABOUTME: Logs are replaced wholesale on save and truncated by position on rollback

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ ChatStore = (*SQLiteStore)(nil)

// chatOwner returns the owner of a chat, or ErrNotFound.
func chatOwner(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, chatID string) (string, error) {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT owner_id FROM chats WHERE id = ?`, chatID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying chat owner: %w", err)
	}
	return owner, nil
}

// ensureChat creates the chat row on first use and rejects writes by
// anyone but its owner.
func ensureChat(ctx context.Context, tx *sql.Tx, chatID, userID, title string) error {
	owner, err := chatOwner(ctx, tx, chatID)
	now := formatTime(time.Now())
	switch {
	case errors.Is(err, ErrNotFound):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chats (id, owner_id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, chatID, userID, title, now, now)
		if err != nil {
			return fmt.Errorf("inserting chat: %w", err)
		}
		return nil
	case err != nil:
		return err
	case owner != userID:
		return ErrForbidden
	}

	if title != "" {
		_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ?, title = ? WHERE id = ?`, now, title, chatID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID)
	}
	if err != nil {
		return fmt.Errorf("touching chat: %w", err)
	}
	return nil
}

// LoadChat returns the chat's log in order. A chat that does not exist yet
// has an empty log; a chat owned by someone else is ErrNotFound.
func (s *SQLiteStore) LoadChat(ctx context.Context, chatID, ownerID string) ([]Message, error) {
	owner, err := chatOwner(ctx, s.db, chatID)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	if owner != ownerID {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM chat_messages WHERE chat_id = ? ORDER BY position ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []Message{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decoding chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat messages: %w", err)
	}
	return messages, nil
}

// SaveChat replaces the chat's log with p.Messages.
func (s *SQLiteStore) SaveChat(ctx context.Context, p SaveChatParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureChat(ctx, tx, p.ChatID, p.UserID, p.Title); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, p.ChatID); err != nil {
		return fmt.Errorf("clearing chat messages: %w", err)
	}

	for i, msg := range p.Messages {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message %s: %w", msg.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (chat_id, position, id, role, status, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ChatID, i, msg.ID, msg.Role, msg.Metadata.Status, string(body), formatTime(msg.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
			}
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chat: %w", err)
	}
	s.logger.Debug("saved chat", "chat_id", p.ChatID, "messages", len(p.Messages))
	return nil
}

// DeleteMessageAndAfter removes messageID and every message after it.
func (s *SQLiteStore) DeleteMessageAndAfter(ctx context.Context, chatID, messageID, userID string) error {
	owner, err := chatOwner(ctx, s.db, chatID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrNotFound
	}

	var position int
	err = s.db.QueryRowContext(ctx, `
		SELECT position FROM chat_messages WHERE chat_id = ? AND id = ?
	`, chatID, messageID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locating message: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE chat_id = ? AND position >= ?
	`, chatID, position)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	n, _ := result.RowsAffected()
	s.logger.Debug("truncated chat", "chat_id", chatID, "from", messageID, "deleted", n)
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at FROM chats WHERE id = ?
	`, chatID).Scan(&c.ID, &c.OwnerID, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// ListChats returns the owner's chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at
		FROM chats WHERE owner_id = ?
		ORDER BY updated_at DESC LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []*Chat
	for rows.Next() {
		var c Chat
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		c.CreatedAt, _ = parseTime(createdAt)
		c.UpdatedAt, _ = parseTime(updatedAt)
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// SetToolSources replaces the ordered tool sources of a chat, creating the
// chat if needed.
func (s *SQLiteStore) SetToolSources(ctx context.Context, chatID, userID string, sources []ToolSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureChat(ctx, tx, chatID, userID, ""); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_tool_sources WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clearing tool sources: %w", err)
	}
	for i, src := range sources {
		raw, err := json.Marshal(src)
		if err != nil {
			return fmt.Errorf("encoding tool source: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_tool_sources (chat_id, position, source) VALUES (?, ?, ?)
		`, chatID, i, string(raw)); err != nil {
			return fmt.Errorf("inserting tool source: %w", err)
		}
	}
	return tx.Commit()
}

// ListToolSources returns a chat's tool sources in attachment order.
func (s *SQLiteStore) ListToolSources(ctx context.Context, chatID, userID string) ([]ToolSource, error) {
	owner, err := chatOwner(ctx, s.db, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if owner != userID {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source FROM chat_tool_sources WHERE chat_id = ? ORDER BY position ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying tool sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []ToolSource
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning tool source: %w", err)
		}
		var src ToolSource
		if err := json.Unmarshal([]byte(raw), &src); err != nil {
			return nil, fmt.Errorf("decoding tool source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}
