// ABOUTME: Registered capability servers and their opaque access tokens
// ABOUTME: A server binds an owner to the set of apps served at /mcp/{token}

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ ServerStore = (*SQLiteStore)(nil)

// NewServerToken returns a random URL-safe token.
func NewServerToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateServer inserts srv, filling in the id, token and timestamp when empty.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Token == "" {
		token, err := NewServerToken()
		if err != nil {
			return err
		}
		srv.Token = token
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	apps, err := json.Marshal(srv.Apps)
	if err != nil {
		return fmt.Errorf("encoding apps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, token, owner_id, name, apps, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, srv.ID, srv.Token, srv.OwnerID, srv.Name, string(apps), formatTime(srv.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	s.logger.Debug("created server", "id", srv.ID, "owner", srv.OwnerID, "apps", srv.Apps)
	return nil
}

const serverColumns = `id, token, owner_id, name, apps, created_at`

func scanServer(row interface{ Scan(...any) error }) (*Server, error) {
	var srv Server
	var apps, createdAt string
	if err := row.Scan(&srv.ID, &srv.Token, &srv.OwnerID, &srv.Name, &apps, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(apps), &srv.Apps); err != nil {
		return nil, fmt.Errorf("decoding apps: %w", err)
	}
	srv.CreatedAt, _ = parseTime(createdAt)
	return &srv, nil
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return srv, err
}

func (s *SQLiteStore) GetServerByToken(ctx context.Context, token string) (*Server, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return srv, err
}

// ListServers returns the owner's servers, or every server when ownerID is empty.
func (s *SQLiteStore) ListServers(ctx context.Context, ownerID string) ([]*Server, error) {
	query := `SELECT ` + serverColumns + ` FROM mcp_servers`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server. An empty ownerID skips the owner check.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id, ownerID string) error {
	query := `DELETE FROM mcp_servers WHERE id = ?`
	args := []any{id}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
