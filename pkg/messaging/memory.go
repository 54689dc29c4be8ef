package messaging

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher used by tests and local runs
// without a broker.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
}

// Message is one published event captured by the bus.
type Message struct {
	Subject string
	Data    interface{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish records the event.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{Subject: subject, Data: data})
	return nil
}

// Messages returns a copy of everything published so far.
func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// BySubject returns the messages published on one subject.
func (b *MemoryBus) BySubject(subject string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}
