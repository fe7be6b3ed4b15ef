// ABOUTME: Chat operations: history, submit, regenerate, tool sources and a live update stream
// ABOUTME: Turns run through the conversation service; updates stream as server-sent events

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/conversation"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

type chatPath struct {
	ChatID string `path:"chatID" doc:"Chat id, chosen by the client"`
}

type chatResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type toolFailure struct {
	Source int    `json:"source"`
	Label  string `json:"label"`
	Error  string `json:"error"`
}

type turnResponse struct {
	Messages     []store.Message `json:"messages"`
	Generated    []store.Message `json:"generated"`
	Events       []agent.Event   `json:"events"`
	ToolFailures []toolFailure   `json:"toolFailures,omitempty"`
}

type turnOutput struct {
	Body turnResponse `json:"body"`
}

type submitBody struct {
	ID      string `json:"id" minLength:"1" doc:"Client-chosen message id; resubmitting the last id replaces it"`
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

type regenerateBody struct {
	MessageID string `json:"messageId" minLength:"1"`
}

type sourcesBody struct {
	Sources []store.ToolSource `json:"sources"`
}

// keepAlive is how often an idle event stream sends a ping.
const keepAlive = 25 * time.Second

func turnResult(res *conversation.Result) *turnOutput {
	out := turnResponse{
		Messages:  res.Messages,
		Generated: res.Generated,
		Events:    res.Events,
	}
	if out.Messages == nil {
		out.Messages = []store.Message{}
	}
	if out.Generated == nil {
		out.Generated = []store.Message{}
	}
	if out.Events == nil {
		out.Events = []agent.Event{}
	}
	for _, f := range res.ToolFailures {
		out.ToolFailures = append(out.ToolFailures, toolFailure{Source: f.Source, Label: f.Label, Error: f.Err.Error()})
	}
	return &turnOutput{Body: out}
}

func (h *handler) conversations() (Conversations, huma.StatusError) {
	if h.convos == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "chat generation is not configured")
	}
	return h.convos, nil
}

// checkSources rejects sources that cannot be resolved for user.
func (h *handler) checkSources(ctx context.Context, user string, sources []store.ToolSource) error {
	for i, src := range sources {
		if src.IsRemoteMCP {
			if src.MCPServerID == "" {
				return fmt.Errorf("%w: source %d: remote source without server id", toolset.ErrInvalidSource, i)
			}
			srv, err := h.store.GetServer(ctx, src.MCPServerID)
			if err != nil || srv.OwnerID != user {
				return fmt.Errorf("%w: source %d: unknown server %s", toolset.ErrInvalidSource, i, src.MCPServerID)
			}
			continue
		}
		if src.Config == nil || src.Config.URL == "" {
			return fmt.Errorf("%w: source %d: direct source without url", toolset.ErrInvalidSource, i)
		}
	}
	return nil
}

func (h *handler) registerChats(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-chats",
		Method:      http.MethodGet,
		Path:        "/v1/chats",
		Summary:     "List the caller's chats, most recent first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []chatResponse `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		chats, err := h.store.ListChats(ctx, user, input.Limit)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := make([]chatResponse, len(chats))
		for i, c := range chats {
			out[i] = chatResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
		}
		return &struct {
			Body []chatResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/v1/chats/{chatID}/messages",
		Summary:     "Get a chat's message log",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *chatPath) (*struct {
		Body []store.Message `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		convos, unavailable := h.conversations()
		if unavailable != nil {
			return nil, unavailable
		}
		msgs, err := convos.History(ctx, input.ChatID, user)
		if err != nil {
			return nil, h.handleError(err)
		}
		if msgs == nil {
			msgs = []store.Message{}
		}
		return &struct {
			Body []store.Message `json:"body"`
		}{Body: msgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-message",
		Method:      http.MethodPost,
		Path:        "/v1/chats/{chatID}/messages",
		Summary:     "Submit a user message and generate a reply",
		Errors: []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity,
			http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ChatID string     `path:"chatID"`
		Body   submitBody `json:"body"`
	}) (*turnOutput, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		convos, unavailable := h.conversations()
		if unavailable != nil {
			return nil, unavailable
		}
		res, err := convos.Submit(ctx, conversation.SubmitRequest{
			ChatID: input.ChatID,
			UserID: user,
			Title:  input.Body.Title,
			Message: store.Message{
				ID:      input.Body.ID,
				Role:    store.RoleUser,
				Content: input.Body.Content,
			},
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return turnResult(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate",
		Method:      http.MethodPost,
		Path:        "/v1/chats/{chatID}/regenerate",
		Summary:     "Discard everything after a user message and generate again",
		Errors: []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity,
			http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ChatID string         `path:"chatID"`
		Body   regenerateBody `json:"body"`
	}) (*turnOutput, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		convos, unavailable := h.conversations()
		if unavailable != nil {
			return nil, unavailable
		}
		res, err := convos.Regenerate(ctx, conversation.RegenerateRequest{
			ChatID:    input.ChatID,
			UserID:    user,
			MessageID: input.Body.MessageID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return turnResult(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sources",
		Method:      http.MethodGet,
		Path:        "/v1/chats/{chatID}/sources",
		Summary:     "List a chat's tool sources",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *chatPath) (*struct {
		Body sourcesBody `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sources, err := h.store.ListToolSources(ctx, input.ChatID, user)
		if err != nil {
			return nil, h.handleError(err)
		}
		if sources == nil {
			sources = []store.ToolSource{}
		}
		return &struct {
			Body sourcesBody `json:"body"`
		}{Body: sourcesBody{Sources: sources}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-sources",
		Method:      http.MethodPut,
		Path:        "/v1/chats/{chatID}/sources",
		Summary:     "Replace a chat's tool sources",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ChatID string      `path:"chatID"`
		Body   sourcesBody `json:"body"`
	}) (*struct {
		Body sourcesBody `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.checkSources(ctx, user, input.Body.Sources); err != nil {
			return nil, h.handleError(err)
		}
		if err := h.store.SetToolSources(ctx, input.ChatID, user, input.Body.Sources); err != nil {
			return nil, h.handleError(err)
		}
		sources := input.Body.Sources
		if sources == nil {
			sources = []store.ToolSource{}
		}
		return &struct {
			Body sourcesBody `json:"body"`
		}{Body: sourcesBody{Sources: sources}}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "chat-events",
		Method:      http.MethodGet,
		Path:        "/v1/chats/{chatID}/events",
		Summary:     "Stream a chat's saved messages and agent events",
	}, map[string]any{
		"update": conversation.Update{},
		"ping":   pingEvent{},
		"error":  apiErrorBody{},
	}, func(ctx context.Context, input *chatPath, send sse.Sender) {
		user, authErr := userID(ctx)
		if authErr != nil {
			_ = send.Data(apiErrorBody{Code: "unauthorized", Message: authErr.Error()})
			return
		}
		if h.broadcaster == nil {
			_ = send.Data(apiErrorBody{Code: "unavailable", Message: "chat updates are not configured"})
			return
		}
		// Another owner's chat is ErrNotFound. A chat that does not exist yet
		// may be watched; the subscription only ever carries the caller's updates.
		if _, err := h.store.ListToolSources(ctx, input.ChatID, user); err != nil {
			se := h.handleError(err)
			_ = send.Data(apiErrorBody{Code: defaultCodeForStatus(se.GetStatus()), Message: se.Error()})
			return
		}
		h.streamUpdates(ctx, user, input.ChatID, send)
	})
}

type pingEvent struct {
	Time time.Time `json:"time"`
}

func (h *handler) streamUpdates(ctx context.Context, ownerID, chatID string, send sse.Sender) {
	updates, subID := h.broadcaster.Subscribe(ctx, ownerID, chatID)
	h.logger.Debug("event stream opened", "chat_id", chatID, "subscriber", subID)
	defer h.logger.Debug("event stream closed", "chat_id", chatID, "subscriber", subID)

	// The first ping flushes headers so clients know the stream is live.
	if err := send.Data(pingEvent{Time: time.Now().UTC()}); err != nil {
		return
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := send.Data(*u); err != nil {
				return
			}
		case t := <-ticker.C:
			if err := send.Data(pingEvent{Time: t.UTC()}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
