// Package bus carries messages and events between the gateway, the agent
// runtime, and the channel docks.
package bus

import (
	"sync"
)

// InboundMessage is a message received from a channel driver.
type InboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	SenderID  string `json:"senderId"`
	ChatID    string `json:"chatId"`
	ChatKind  string `json:"chatKind"` // "direct" or "group"
	Content   string `json:"content"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Owner     bool   `json:"owner,omitempty"`
	// SentAt is a UTC timestamp truncated to minute precision, unix ms.
	SentAt int64 `json:"sentAt,omitempty"`
}

// OutboundMessage is a payload bound for a channel.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to"`
	Content   string `json:"content"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Event is a server-side event broadcast to gateway clients.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler consumes a broadcast event.
type EventHandler func(Event)

// EventPublisher decouples event producers from the gateway broadcaster.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Bus is the in-process EventPublisher. Broadcast fans out synchronously in
// subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]EventHandler
}

func New() *Bus {
	return &Bus{handlers: map[string]EventHandler{}}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
