// ABOUTME: Turn state machine over a chat's persisted message log
// ABOUTME: Submit appends or replaces the user turn before generation; regenerate rolls back and replays

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

var (
	// ErrMessageNotFound indicates the regenerate target is not in the log.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotUserMessage indicates the regenerate target is not a user message.
	ErrNotUserMessage = errors.New("message is not a user message")
	// ErrEmptyLog indicates there is nothing left to generate from.
	ErrEmptyLog = errors.New("chat log is empty")
	// ErrInvalidMessage indicates a submitted message without id or user role.
	ErrInvalidMessage = errors.New("invalid message")
)

// ChatStore defines what the service needs from storage
type ChatStore interface {
	LoadChat(ctx context.Context, chatID, ownerID string) ([]store.Message, error)
	SaveChat(ctx context.Context, p store.SaveChatParams) error
	DeleteMessageAndAfter(ctx context.Context, chatID, messageID, userID string) error
	ListToolSources(ctx context.Context, chatID, userID string) ([]store.ToolSource, error)
}

// ToolAssembler builds the tool set for a turn.
type ToolAssembler interface {
	Assemble(ctx context.Context, userID string, sources []toolset.Source) (*toolset.Set, error)
}

// Config contains configuration for the Service.
type Config struct {
	Store       ChatStore
	Tools       ToolAssembler
	Agent       agent.Agent
	Locker      Locker
	Broadcaster *Broadcaster
	Logger      *slog.Logger
}

// Service runs chat turns. Every turn holds the chat's lock from load to
// final save.
type Service struct {
	store       ChatStore
	tools       ToolAssembler
	agent       agent.Agent
	locker      Locker
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a new conversation Service
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Service{
		store:       cfg.Store,
		tools:       cfg.Tools,
		agent:       cfg.Agent,
		locker:      locker,
		broadcaster: cfg.Broadcaster,
		logger:      logger.With("component", "conversation"),
		now:         time.Now,
	}
}

// SubmitRequest carries a user message for a chat.
type SubmitRequest struct {
	ChatID  string
	UserID  string
	Title   string
	Message store.Message
}

// RegenerateRequest names the user message to regenerate from.
type RegenerateRequest struct {
	ChatID    string
	UserID    string
	MessageID string
}

// Result is the outcome of a turn.
type Result struct {
	// Messages is the full log after the turn.
	Messages []store.Message
	// Generated holds the messages the agent produced.
	Generated    []store.Message
	Events       []agent.Event
	ToolFailures []toolset.Failure
}

// Apply merges msg into log: when msg has the id of the last message it
// replaces it, otherwise it is appended. log is not modified.
func Apply(log []store.Message, msg store.Message) []store.Message {
	out := make([]store.Message, len(log), len(log)+1)
	copy(out, log)
	if n := len(out); n > 0 && out[n-1].ID == msg.ID {
		out[n-1] = msg
		return out
	}
	return append(out, msg)
}

// Submit records the user's message, generates a reply and records the
// finished exchange.
//
// Record first, then act: the user message is saved as pending before the
// agent runs, so a failed generation still leaves the turn durable. After
// generation the message is resubmitted with the same id and status done,
// replacing the pending copy.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	msg := req.Message
	if req.ChatID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: chat and user are required", ErrInvalidMessage)
	}
	if msg.ID == "" || msg.Role != store.RoleUser {
		return nil, fmt.Errorf("%w: need an id and role %q", ErrInvalidMessage, store.RoleUser)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}

	unlock, err := s.locker.Lock(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log, err := s.store.LoadChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}

	msg.Metadata.Status = store.StatusPending
	log = Apply(log, msg)
	if err := s.save(ctx, req.ChatID, req.UserID, req.Title, log); err != nil {
		return nil, err
	}
	s.publishMessage(req.UserID, req.ChatID, msg)

	s.logger.Debug("user message recorded",
		"chat_id", req.ChatID,
		"message_id", msg.ID,
		"log_length", len(log))

	res, err := s.generate(ctx, req.ChatID, req.UserID, log)
	if err != nil {
		return res, err
	}

	msg.Metadata.Status = store.StatusDone
	log = Apply(log, msg)
	for _, m := range res.Generated {
		log = Apply(log, m)
	}
	if err := s.save(context.WithoutCancel(ctx), req.ChatID, req.UserID, req.Title, log); err != nil {
		return res, err
	}
	s.publishMessage(req.UserID, req.ChatID, msg)
	for _, m := range res.Generated {
		s.publishMessage(req.UserID, req.ChatID, m)
	}

	res.Messages = log
	return res, nil
}

// Regenerate deletes every message after the target user message and
// generates a new reply from the log that ends with it. Nothing is
// mutated when the target is missing or not a user message.
func (s *Service) Regenerate(ctx context.Context, req RegenerateRequest) (*Result, error) {
	unlock, err := s.locker.Lock(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log, err := s.store.LoadChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}

	idx := -1
	for i, m := range log {
		if m.ID == req.MessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, req.MessageID)
	}
	if log[idx].Role != store.RoleUser {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotUserMessage, req.MessageID, log[idx].Role)
	}

	if idx+1 < len(log) {
		if err := s.store.DeleteMessageAndAfter(ctx, req.ChatID, log[idx+1].ID, req.UserID); err != nil {
			return nil, fmt.Errorf("rolling back chat: %w", err)
		}
		s.logger.Debug("rolled back chat",
			"chat_id", req.ChatID,
			"from_message", log[idx+1].ID,
			"deleted", len(log)-idx-1)
	}
	log = log[:idx+1]
	if len(log) == 0 {
		return nil, ErrEmptyLog
	}

	res, err := s.generate(ctx, req.ChatID, req.UserID, log)
	if err != nil {
		return res, err
	}
	for _, m := range res.Generated {
		log = Apply(log, m)
	}
	if err := s.save(context.WithoutCancel(ctx), req.ChatID, req.UserID, "", log); err != nil {
		return res, err
	}
	for _, m := range res.Generated {
		s.publishMessage(req.UserID, req.ChatID, m)
	}

	res.Messages = log
	return res, nil
}

// History returns the chat's log.
func (s *Service) History(ctx context.Context, chatID, userID string) ([]store.Message, error) {
	return s.store.LoadChat(ctx, chatID, userID)
}

// generate assembles the chat's tools and runs the agent over log.
func (s *Service) generate(ctx context.Context, chatID, userID string, log []store.Message) (*Result, error) {
	res := &Result{}

	var set *toolset.Set
	if s.tools != nil {
		sources, err := s.store.ListToolSources(ctx, chatID, userID)
		if err != nil {
			return res, fmt.Errorf("loading tool sources: %w", err)
		}
		set, err = s.tools.Assemble(ctx, userID, sources)
		if err != nil {
			return res, fmt.Errorf("assembling tools: %w", err)
		}
		defer func() {
			if err := set.Close(); err != nil {
				s.logger.Debug("closing tool sessions", "chat_id", chatID, "error", err)
			}
		}()
		res.ToolFailures = set.Failures
	}

	out, err := s.agent.Run(ctx, agent.Request{
		ChatID:   chatID,
		UserID:   userID,
		Messages: log,
		Tools:    set,
	})
	if out != nil {
		res.Events = out.Events
		for i := range out.Events {
			s.publish(&Update{OwnerID: userID, ChatID: chatID, Event: &out.Events[i]})
		}
	}
	if err != nil {
		s.logger.Warn("generation failed", "chat_id", chatID, "error", err)
		return res, fmt.Errorf("generating reply: %w", err)
	}
	res.Generated = out.Messages
	return res, nil
}

func (s *Service) save(ctx context.Context, chatID, userID, title string, log []store.Message) error {
	if err := s.store.SaveChat(ctx, store.SaveChatParams{
		ChatID:   chatID,
		UserID:   userID,
		Title:    title,
		Messages: log,
	}); err != nil {
		return fmt.Errorf("saving chat: %w", err)
	}
	return nil
}

func (s *Service) publishMessage(ownerID, chatID string, msg store.Message) {
	s.publish(&Update{OwnerID: ownerID, ChatID: chatID, Message: &msg})
}

func (s *Service) publish(u *Update) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(u)
	}
}
