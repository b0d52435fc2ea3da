// Package memory implements an in-process completion publisher.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PublishedMessage records one publish call for inspection in tests.
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

// Publisher captures published messages in memory.
type Publisher struct {
	mu       sync.Mutex
	messages []PublishedMessage
	seq      int
}

// New creates an in-memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish marshals the payload and records it under the topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: data})
	return fmt.Sprintf("mem-%d", p.seq), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
