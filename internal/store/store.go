// ABOUTME: Store interfaces and data types for coven-apps persistence
// ABOUTME: Defines chats, messages, tool sources, servers, connections, and notes

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/coven-apps/internal/runledger"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key is already taken
var ErrDuplicate = errors.New("already exists")

// ErrForbidden is returned when a chat belongs to another user
var ErrForbidden = errors.New("chat belongs to another user")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message statuses
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

// Chat is a conversation owned by one user
type Chat struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCall is a tool invocation requested by the assistant
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type MessageMetadata struct {
	Status string `json:"status"`
}

// Message is one entry of a chat's log
type Message struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Metadata   MessageMetadata `json:"metadata"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SaveChatParams replaces the stored log of a chat
type SaveChatParams struct {
	ChatID   string
	UserID   string
	Title    string
	Messages []Message
}

// DirectConfig is the literal endpoint of an ad hoc tool source
type DirectConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ToolSource is one integration endpoint attached to a chat
type ToolSource struct {
	IsRemoteMCP     bool          `json:"isRemoteMcp"`
	MCPServerID     string        `json:"mcpServerId,omitempty"`
	Config          *DirectConfig `json:"config,omitempty"`
	IncludeAllTools bool          `json:"includeAllTools"`
	Tools           []string      `json:"tools,omitempty"`
}

// Server is a pre-registered remote capability server. Apps lists the
// module names it serves on behalf of its owner.
type Server struct {
	ID        string
	Token     string
	OwnerID   string
	Name      string
	Apps      []string
	CreatedAt time.Time
}

// Connection is an owner's sealed credential for one app
type Connection struct {
	OwnerID   string
	AppID     string
	Kind      string
	Sealed    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Note is a key-value note kept by the notes app
type Note struct {
	ID        string
	OwnerID   string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatStore persists chat logs and their tool sources
type ChatStore interface {
	LoadChat(ctx context.Context, chatID, ownerID string) ([]Message, error)
	SaveChat(ctx context.Context, p SaveChatParams) error
	DeleteMessageAndAfter(ctx context.Context, chatID, messageID, userID string) error
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	ListChats(ctx context.Context, ownerID string, limit int) ([]*Chat, error)
	SetToolSources(ctx context.Context, chatID, userID string, sources []ToolSource) error
	ListToolSources(ctx context.Context, chatID, userID string) ([]ToolSource, error)
}

// ServerStore manages registered capability servers
type ServerStore interface {
	CreateServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByToken(ctx context.Context, token string) (*Server, error)
	ListServers(ctx context.Context, ownerID string) ([]*Server, error)
	DeleteServer(ctx context.Context, id, ownerID string) error
}

// ConnectionStore manages sealed credentials
type ConnectionStore interface {
	PutConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, ownerID, appID string) (*Connection, error)
	ListConnections(ctx context.Context, ownerID string) ([]*Connection, error)
	DeleteConnection(ctx context.Context, ownerID, appID string) error
}

// NoteStore backs the notes app
type NoteStore interface {
	SetNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, ownerID, key string) (*Note, error)
	ListNotes(ctx context.Context, ownerID string) ([]*Note, error)
	DeleteNote(ctx context.Context, ownerID, key string) error
}

// Store is everything the gateway persists
type Store interface {
	ChatStore
	ServerStore
	ConnectionStore
	NoteStore
	runledger.Store
	runledger.Reader
	runledger.Reconciler
	Close() error
}
