// ABOUTME: In-memory fan-out event broadcaster for live inbox views
// ABOUTME: Publishes new_message, conversation_summary and inbox_updated events per topic

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-inbox/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// InboxTopic receives inbox_updated events for every conversation.
	InboxTopic = "inbox"
)

// EventType names a broadcast event.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventConversationSummary EventType = "conversation_summary"
	EventInboxUpdated        EventType = "inbox_updated"
)

// Event is a best-effort notification for live subscribers.
type Event struct {
	ID             string              `json:"id"`
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	Message        *store.Message      `json:"message,omitempty"`
	At             time.Time           `json:"at"`
}

// EventBroadcaster provides in-memory pub/sub. Subscribers register for a
// topic (a conversation ID or InboxTopic) and receive events as they are
// published. Delivery never blocks the publisher.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on topic. Returns a channel
// that receives events and a subscription ID for later unsubscription.
// The subscription is cleaned up when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of topic. If excludeSubID is
// non-empty that subscriber is skipped. Events are dropped for subscribers
// whose channels are full.
func (b *EventBroadcaster) Publish(topic string, event *Event, excludeSubID string) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	targets := make([]chan *Event, 0, len(subs))
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, ch)
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"event_type", event.Type,
				"event_id", event.ID)
		}
	}
	b.mu.RUnlock()
}

// PublishMessage fans a stored message out to the conversation topic and
// an inbox_updated event to the inbox topic.
func (b *EventBroadcaster) PublishMessage(conv *store.Conversation, msg *store.Message) {
	b.Publish(conv.ID, &Event{Type: EventNewMessage, ConversationID: conv.ID, Message: msg}, "")
	b.Publish(conv.ID, &Event{Type: EventConversationSummary, ConversationID: conv.ID, Conversation: conv}, "")
	b.Publish(InboxTopic, &Event{Type: EventInboxUpdated, ConversationID: conv.ID, Conversation: conv}, "")
}

// PublishConversation announces a conversation change without a new message.
func (b *EventBroadcaster) PublishConversation(conv *store.Conversation) {
	b.Publish(conv.ID, &Event{Type: EventConversationSummary, ConversationID: conv.ID, Conversation: conv}, "")
	b.Publish(InboxTopic, &Event{Type: EventInboxUpdated, ConversationID: conv.ID, Conversation: conv}, "")
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
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
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
