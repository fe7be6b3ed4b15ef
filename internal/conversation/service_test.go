// ABOUTME: Tests for submit and regenerate over a real SQLite chat store
// ABOUTME: Uses a scripted agent to observe the log handed to generation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

type scriptedAgent struct {
	mu     sync.Mutex
	calls  [][]store.Message
	err    error
	seq    int
	during func(req agent.Request)

	inflight atomic.Int32
	peak     atomic.Int32
}

func (a *scriptedAgent) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)
	if n > a.peak.Load() {
		a.peak.Store(n)
	}
	if a.during != nil {
		a.during(req)
	}

	a.mu.Lock()
	a.calls = append(a.calls, append([]store.Message(nil), req.Messages...))
	a.seq++
	id := fmt.Sprintf("reply-%d", a.seq)
	err := a.err
	a.mu.Unlock()

	if err != nil {
		return &agent.Response{Events: []agent.Event{{Type: agent.EventError, Error: err.Error()}}}, err
	}
	reply := store.Message{ID: id, Role: store.RoleAssistant, Content: "ok", Metadata: store.MessageMetadata{Status: store.StatusDone}}
	return &agent.Response{
		Messages: []store.Message{reply},
		Events:   []agent.Event{{Type: agent.EventText, Text: "ok"}, {Type: agent.EventDone, Text: "ok"}},
	}, nil
}

func (a *scriptedAgent) lastCall() []store.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[len(a.calls)-1]
}

func newTestService(t *testing.T, ag agent.Agent) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{Store: st, Agent: ag}), st
}

func userMsg(id string) store.Message {
	return store.Message{ID: id, Role: store.RoleUser, Content: "question " + id}
}

func ids(log []store.Message) []string {
	out := make([]string, len(log))
	for i, m := range log {
		out[i] = m.ID
	}
	return out
}

func TestApply(t *testing.T) {
	log := Apply(nil, userMsg("m1"))
	assert.Equal(t, []string{"m1"}, ids(log))

	updated := userMsg("m1")
	updated.Metadata.Status = store.StatusDone
	replaced := Apply(log, updated)
	require.Len(t, replaced, 1)
	assert.Equal(t, store.StatusDone, replaced[0].Metadata.Status)
	assert.Empty(t, log[0].Metadata.Status, "input log is not modified")

	assert.Equal(t, []string{"m1", "m2"}, ids(Apply(replaced, userMsg("m2"))))

	// Only the last message is replaced; an older id is appended again.
	two := []store.Message{userMsg("m1"), userMsg("m2")}
	assert.Equal(t, []string{"m1", "m2", "m1"}, ids(Apply(two, userMsg("m1"))))
}

func TestSubmit_SavesPendingBeforeGeneration(t *testing.T) {
	ag := &scriptedAgent{}
	svc, st := newTestService(t, ag)
	ctx := context.Background()

	ag.during = func(req agent.Request) {
		stored, err := st.LoadChat(ctx, "chat-1", "alice")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "m1", stored[0].ID)
		assert.Equal(t, store.StatusPending, stored[0].Metadata.Status)
	}

	res, err := svc.Submit(ctx, SubmitRequest{ChatID: "chat-1", UserID: "alice", Title: "First", Message: userMsg("m1")})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "reply-1"}, ids(res.Messages))
	assert.Equal(t, store.StatusDone, res.Messages[0].Metadata.Status)
	assert.Len(t, res.Events, 2)

	stored, err := st.LoadChat(ctx, "chat-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "reply-1"}, ids(stored))
	assert.Equal(t, store.StatusDone, stored[0].Metadata.Status)

	chat, err := st.GetChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "First", chat.Title)
}

func TestSubmit_ResubmitLastIDReplaces(t *testing.T) {
	ag := &scriptedAgent{err: errors.New("model down")}
	svc, st := newTestService(t, ag)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: userMsg("m1")})
	require.Error(t, err)

	stored, err := st.LoadChat(ctx, "c", "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1, "user turn survives a failed generation")
	assert.Equal(t, store.StatusPending, stored[0].Metadata.Status)

	ag.err = nil
	retry := userMsg("m1")
	retry.Content = "edited"
	res, err := svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: retry})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "reply-2"}, ids(res.Messages))
	assert.Equal(t, "edited", res.Messages[0].Content)
	assert.Equal(t, []string{"m1"}, ids(ag.lastCall()))
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t, &scriptedAgent{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: store.Message{Role: store.RoleUser}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: store.Message{ID: "x", Role: store.RoleAssistant}})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = svc.Submit(ctx, SubmitRequest{UserID: "alice", Message: userMsg("m1")})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSubmit_OtherOwnersChat(t *testing.T) {
	svc, _ := newTestService(t, &scriptedAgent{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: userMsg("m1")})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "mallory", Message: userMsg("m9")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func seed(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	log := []store.Message{
		userMsg("m1"),
		{ID: "m2", Role: store.RoleAssistant, Content: "a1"},
		userMsg("m3"),
		{ID: "m4", Role: store.RoleAssistant, Content: "a2"},
	}
	require.NoError(t, st.SaveChat(context.Background(), store.SaveChatParams{ChatID: "c", UserID: "alice", Messages: log}))
}

func TestRegenerate_RollsBackAndReplays(t *testing.T) {
	ag := &scriptedAgent{}
	svc, st := newTestService(t, ag)
	seed(t, st)
	ctx := context.Background()

	ag.during = func(agent.Request) {
		stored, err := st.LoadChat(ctx, "c", "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(stored), "deleted in the store before generation")
	}

	res, err := svc.Regenerate(ctx, RegenerateRequest{ChatID: "c", UserID: "alice", MessageID: "m3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(ag.lastCall()))
	assert.Equal(t, []string{"m1", "m2", "m3", "reply-1"}, ids(res.Messages))

	stored, err := st.LoadChat(ctx, "c", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "reply-1"}, ids(stored))
}

func TestRegenerate_LastMessageNeedsNoDeletion(t *testing.T) {
	ag := &scriptedAgent{}
	svc, st := newTestService(t, ag)
	require.NoError(t, st.SaveChat(context.Background(), store.SaveChatParams{ChatID: "c", UserID: "alice", Messages: []store.Message{userMsg("m1")}}))

	res, err := svc.Regenerate(context.Background(), RegenerateRequest{ChatID: "c", UserID: "alice", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "reply-1"}, ids(res.Messages))
}

func TestRegenerate_FailuresDoNotMutate(t *testing.T) {
	tests := []struct {
		name      string
		messageID string
		want      error
	}{
		{"unknown id", "nope", ErrMessageNotFound},
		{"assistant message", "m2", ErrNotUserMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ag := &scriptedAgent{}
			svc, st := newTestService(t, ag)
			seed(t, st)
			ctx := context.Background()

			_, err := svc.Regenerate(ctx, RegenerateRequest{ChatID: "c", UserID: "alice", MessageID: tt.messageID})
			assert.ErrorIs(t, err, tt.want)

			stored, err := st.LoadChat(ctx, "c", "alice")
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(stored))
			assert.Empty(t, ag.calls, "no generation attempted")
		})
	}
}

func TestRegenerate_EmptyChat(t *testing.T) {
	ag := &scriptedAgent{}
	svc, _ := newTestService(t, ag)
	_, err := svc.Regenerate(context.Background(), RegenerateRequest{ChatID: "new", UserID: "alice", MessageID: "m1"})
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Empty(t, ag.calls)
}

func TestSubmit_SerializedPerChat(t *testing.T) {
	ag := &scriptedAgent{during: func(agent.Request) { time.Sleep(10 * time.Millisecond) }}
	svc, st := newTestService(t, ag)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Go(func() {
			_, err := svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: userMsg(fmt.Sprintf("u%d", i))})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), ag.peak.Load(), "one turn at a time per chat")
	stored, err := st.LoadChat(ctx, "c", "alice")
	require.NoError(t, err)
	assert.Len(t, stored, 10)
}

type fakeAssembler struct {
	sources []toolset.Source
}

func (f *fakeAssembler) Assemble(ctx context.Context, userID string, sources []toolset.Source) (*toolset.Set, error) {
	f.sources = sources
	return toolset.NewAssembler(toolset.Config{}).Assemble(ctx, userID, nil)
}

func TestSubmit_AssemblesChatSources(t *testing.T) {
	ag := &scriptedAgent{}
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	asm := &fakeAssembler{}
	svc := New(Config{Store: st, Agent: ag, Tools: asm})
	ctx := context.Background()

	sources := []store.ToolSource{{IsRemoteMCP: true, MCPServerID: "srv-1", IncludeAllTools: true}}
	require.NoError(t, st.SetToolSources(ctx, "c", "alice", sources))

	_, err = svc.Submit(ctx, SubmitRequest{ChatID: "c", UserID: "alice", Message: userMsg("m1")})
	require.NoError(t, err)
	assert.Equal(t, sources, asm.sources)
}

func TestSubmit_PublishesUpdates(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := New(Config{Store: st, Agent: &scriptedAgent{}, Broadcaster: b})

	ch, _ := b.Subscribe(t.Context(), "alice", "c")
	other, _ := b.Subscribe(t.Context(), "mallory", "c")
	_, err = svc.Submit(context.Background(), SubmitRequest{ChatID: "c", UserID: "alice", Message: userMsg("m1")})
	require.NoError(t, err)

	var messages, events int
	for len(ch) > 0 {
		u := <-ch
		if u.Message != nil {
			messages++
		}
		if u.Event != nil {
			events++
		}
	}
	assert.Equal(t, 3, messages, "pending user, done user, reply")
	assert.Equal(t, 2, events)
	assert.Empty(t, other, "updates reach only the chat owner")
}
