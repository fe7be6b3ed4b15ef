// ABOUTME: In-memory fan-out of chat updates to the chat owner's subscribers
// ABOUTME: Publishes persisted messages and agent events so other clients can follow a turn

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-apps/internal/agent"
	"github.com/2389/coven-apps/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Update is one change to a chat: either a persisted message or an agent
// event observed during generation.
type Update struct {
	// OwnerID scopes delivery; it is never sent to clients.
	OwnerID string         `json:"-"`
	ChatID  string         `json:"chatId"`
	Message *store.Message `json:"message,omitempty"`
	Event   *agent.Event   `json:"event,omitempty"`
}

// topic identifies one owner's chat. Chat ids are chosen by clients, so
// the id alone does not say whose updates a subscriber may see.
type topic struct {
	owner string
	chat  string
}

// Broadcaster provides in-memory pub/sub for chat updates. Subscribers
// register for an owner's chat and receive updates as turns progress.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[topic]map[string]chan *Update // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[topic]map[string]chan *Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on ownerID's chatID. Only
// updates published with the same owner are delivered. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, ownerID, chatID string) (<-chan *Update, string) {
	subID := uuid.New().String()
	ch := make(chan *Update, subscriberBufferSize)
	key := topic{owner: ownerID, chat: chatID}

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Update)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "chat_id", chatID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(ownerID, chatID, subID)
	}()

	return ch, subID
}

// Publish sends an update to the owner's subscribers of its chat. Updates
// without an owner reach nobody. Updates are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(u *Update) {
	if u.OwnerID == "" {
		return
	}
	b.mu.RLock()
	subs, ok := b.subscribers[topic{owner: u.OwnerID, chat: u.ChatID}]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan *Update, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- u:
		default:
			b.logger.Debug("dropped update for slow subscriber", "chat_id", u.ChatID)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ownerID, chatID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := topic{owner: ownerID, chat: chatID}
	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "chat_id", chatID, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers of ownerID's chatID.
func (b *Broadcaster) SubscriberCount(ownerID, chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic{owner: ownerID, chat: chatID}])
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.logger.Debug("broadcaster closed")
}
