package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// subscriber buffer and the brief block before a message is dropped.
const (
	memSubBuffer = 256
	memSendWait  = 10 * time.Millisecond
)

// MemoryBroker is the in-process broker used when no BROKER_URL is
// configured, and by tests. Overflowing subscribers block the producer
// briefly, then the message is dropped and counted.
type MemoryBroker struct {
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger: logger.With("subsystem", "broker"),
		subs:   make(map[string]map[int]chan []byte),
	}
}

// Dropped returns how many messages overflowed a subscriber.
func (b *MemoryBroker) Dropped() uint64 { return b.dropped.Load() }

// Publish JSON-encodes the payload and delivers it to every subscriber
// of the channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	targets := make([]chan []byte, 0, len(b.subs[channel]))
	for _, ch := range b.subs[channel] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- data:
		case <-time.After(memSendWait):
			b.dropped.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler; each subscriber gets its own goroutine
// and buffered queue.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	ch := make(chan []byte, memSubBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed")
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.nextID++
	id := b.nextID
	b.subs[channel][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case data, ok := <-ch:
				if !ok {
					return
				}
				handler(data)
			case <-ctx.Done():
				return
			}
		}
	}()

	unsub := func() {
		b.mu.Lock()
		if m, ok := b.subs[channel]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
		}
		b.mu.Unlock()
		<-done
	}
	return unsub, nil
}

// Close drops all subscribers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, m := range b.subs {
		for id, ch := range m {
			delete(m, id)
			close(ch)
		}
	}
	return nil
}
