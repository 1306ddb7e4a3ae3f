package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Redis-backed implementation of KV and PubSub. This is the shared
// backend in production: sessions, matrix cache and reroute topics all
// live here.
type Redis struct {
	client *redis.Client
}

func NewRedis(host string, port int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
		}),
	}
}

// NewRedisWithClient wraps an existing client. Useful for tests and
// for callers that need custom client options.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", topic)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)

	// Force the subscription to be established before returning, so
	// that publications after Subscribe are never missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "redis subscribe %s", topic)
	}

	msgs := make(chan []byte, 16)
	go func() {
		defer close(msgs)
		for msg := range pubsub.Channel() {
			select {
			case msgs <- []byte(msg.Payload):
			default:
				// Slow subscriber. Drop rather than block the
				// forwarder forever; a reconnecting client resyncs
				// from state.
			}
		}
	}()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			pubsub.Close()
		}()
	}

	return NewSubscription(msgs, func() {
		pubsub.Close()
	}), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
