// ABOUTME: Notes app: key-value notes kept in SQLite, scoped to the server owner
// ABOUTME: Needs no credential; every tool reads the owner from the logging context

package apps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/props"
	"github.com/2389/coven-apps/internal/store"
)

var (
	noteKey = props.ShortText.Required("key", props.Config[string]{
		DisplayName: "Key",
		Description: "Name of the note",
	})
	noteValue = props.LongText.Required("value", props.Config[string]{
		DisplayName: "Value",
		Description: "Contents of the note",
	})
	noteQuery = props.ShortText.Optional("query", props.Config[string]{
		DisplayName: "Query",
		Description: "Only return notes whose key or value contains this text",
	})
)

// Notes builds the notes module over s.
func Notes(s store.NoteStore) *capability.Module {
	n := &notesHandlers{store: s}
	return &capability.Module{
		Name:        "notes",
		DisplayName: "Notes",
		Description: "Keep short notes that persist between conversations",
		Categories:  []capability.Category{capability.CategoryCore, capability.CategoryProductivity},
		Tools: []*capability.Tool{
			capability.ParamTool("note_set", "Store a note, replacing any note with the same key",
				props.NewMap(noteKey, noteValue), n.set,
				capability.WithAnnotations(capability.Annotations{IdempotentHint: boolPtr(true)})),
			capability.ParamTool("note_get", "Retrieve a note",
				props.NewMap(noteKey), n.get, readOnly()),
			capability.ParamTool("note_list", "List notes, optionally filtered by a search query",
				props.NewMap(noteQuery), n.list, readOnly()),
			capability.ParamTool("note_delete", "Delete a note",
				props.NewMap(noteKey), n.delete,
				capability.WithAnnotations(capability.Annotations{DestructiveHint: boolPtr(true)})),
		},
	}
}

type notesHandlers struct {
	store store.NoteStore
}

func (n *notesHandlers) set(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	owner, res := ownerOf(ec)
	if res != nil {
		return res, nil
	}
	key, err := noteKey.Value(args)
	if err != nil {
		return nil, err
	}
	value, err := noteValue.Value(args)
	if err != nil {
		return nil, err
	}

	if err := n.store.SetNote(ctx, &store.Note{OwnerID: owner, Key: key, Value: value}); err != nil {
		return nil, fmt.Errorf("store note: %w", err)
	}
	return capability.JSONResult(map[string]bool{"ok": true}), nil
}

func (n *notesHandlers) get(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	owner, res := ownerOf(ec)
	if res != nil {
		return res, nil
	}
	key, err := noteKey.Value(args)
	if err != nil {
		return nil, err
	}

	note, err := n.store.GetNote(ctx, owner, key)
	if errors.Is(err, store.ErrNotFound) {
		return capability.JSONResult(map[string]any{"found": false}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return capability.JSONResult(map[string]any{"found": true, "value": note.Value}), nil
}

type noteEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

func (n *notesHandlers) list(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	owner, res := ownerOf(ec)
	if res != nil {
		return res, nil
	}
	query, err := noteQuery.Value(args)
	if err != nil {
		return nil, err
	}

	notes, err := n.store.ListNotes(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	entries := make([]noteEntry, 0, len(notes))
	for _, note := range notes {
		if query != nil && !matchesNote(note, *query) {
			continue
		}
		entries = append(entries, noteEntry{
			Key:       note.Key,
			Value:     note.Value,
			UpdatedAt: note.UpdatedAt.Format(time.RFC3339),
		})
	}
	return capability.JSONResult(map[string]any{"notes": entries}), nil
}

func (n *notesHandlers) delete(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	owner, res := ownerOf(ec)
	if res != nil {
		return res, nil
	}
	key, err := noteKey.Value(args)
	if err != nil {
		return nil, err
	}

	err = n.store.DeleteNote(ctx, owner, key)
	if errors.Is(err, store.ErrNotFound) {
		return capability.JSONResult(map[string]bool{"deleted": false}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete note: %w", err)
	}
	return capability.JSONResult(map[string]bool{"deleted": true}), nil
}

func matchesNote(note *store.Note, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(note.Key), q) ||
		strings.Contains(strings.ToLower(note.Value), q)
}

// ownerOf returns the owner notes are scoped to, or an error result when
// the call carries no owner.
func ownerOf(ec capability.ExecutionContext) (string, *capability.Result) {
	if ec.Logging == nil || ec.Logging.OwnerID == "" {
		return "", capability.Errorf("notes are only available through a server with an owner")
	}
	return ec.Logging.OwnerID, nil
}
