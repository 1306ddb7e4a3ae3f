// Package storage abstracts the shared state backend: a key-value
// store with per-key TTLs and a publish/subscribe bus. The service
// runs against Redis; tests and the CLI run against the in-memory and
// sqlite implementations.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// KV is a key-value store with time-based eviction. Values are
// immutable once written; updates replace the whole value.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// PubSub is a topic-based fan-out bus. Subscriptions deliver payloads
// published after the subscription was established; there is no
// replay.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe starts a subscription on topic. The subscription
	// ends when Close is called or ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// A live subscription to a single topic.
type Subscription struct {
	msgs  chan []byte
	close func()
}

// NewSubscription wraps a message channel and a close hook. Intended
// for PubSub implementations.
func NewSubscription(msgs chan []byte, closeFn func()) *Subscription {
	return &Subscription{msgs: msgs, close: closeFn}
}

// Messages returns the channel payloads are delivered on. The channel
// is closed when the subscription ends.
func (s *Subscription) Messages() <-chan []byte {
	return s.msgs
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
		s.close = nil
	}
}
