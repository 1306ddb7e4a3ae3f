package storage

import (
	"context"
	"sync"
	"time"
)

// In memory implementation of KV and PubSub below. Used by tests and
// as a single-process fallback when no Redis is configured.

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	subs    map[string]map[int]chan []byte
	nextSub int

	// Now is the clock used for expiry checks. Overridable in tests.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: map[string]memoryEntry{},
		subs:    map[string]map[int]chan []byte{},
		Now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !m.Now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = m.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs[topic] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case ch <- msg:
		default:
			// Slow subscriber. Drop rather than block the
			// publisher; a reconnecting client resyncs from
			// state.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan []byte, 16)
	if m.subs[topic] == nil {
		m.subs[topic] = map[int]chan []byte{}
	}
	m.subs[topic][id] = ch
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], id)
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
			m.mu.Unlock()
			close(ch)
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	}

	return NewSubscription(ch, unsubscribe), nil
}
