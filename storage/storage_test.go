package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exercises every KV implementation against the same behavior.
func testKV(t *testing.T, kv KV, advance func(time.Duration)) {
	ctx := context.Background()

	// Missing key
	_, err := kv.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// Write and read back
	require.NoError(t, kv.Set(ctx, "a", []byte("hello"), 0))
	value, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)

	// Replace
	require.NoError(t, kv.Set(ctx, "a", []byte("world"), 0))
	value, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), value)

	// TTL expiry
	require.NoError(t, kv.Set(ctx, "b", []byte("short"), time.Minute))
	_, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	advance(2 * time.Minute)
	_, err = kv.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete, including missing keys
	require.NoError(t, kv.Delete(ctx, "a", "nope"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, kv.Ping(ctx))
}

func TestMemoryKV(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.Now = func() time.Time { return now }
	testKV(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestSQLiteKV(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	s.Now = func() time.Time { return now }
	testKV(t, s, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "reroute:drv-1")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "reroute:drv-1", []byte("one")))
	require.NoError(t, m.Publish(ctx, "reroute:other", []byte("ignored")))
	require.NoError(t, m.Publish(ctx, "reroute:drv-1", []byte("two")))

	assert.Equal(t, []byte("one"), <-sub.Messages())
	assert.Equal(t, []byte("two"), <-sub.Messages())

	sub.Close()
	_, ok := <-sub.Messages()
	assert.False(t, ok)

	// Publishing to a topic with no subscribers is fine
	assert.NoError(t, m.Publish(ctx, "reroute:drv-1", []byte("dropped")))
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer sub.Close()

	// Fill the subscriber buffer and keep going: the publisher never
	// blocks, the overflow is dropped.
	for i := 0; i < 40; i++ {
		require.NoError(t, m.Publish(ctx, "topic", []byte{byte(i)}))
	}

	received := 0
	for {
		select {
		case <-sub.Messages():
			received++
		default:
			assert.Equal(t, 16, received)
			return
		}
	}
}

func TestMemoryPubSubContextCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := m.Subscribe(ctx, "topic")
	require.NoError(t, err)

	cancel()

	// The message channel closes once the context is done.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after context cancel")
		}
	}
}
