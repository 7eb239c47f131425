package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go-agent-presence/internal/core"
)

// RedisBus implements Bus using Redis Pub/Sub with automatic reconnection.
type RedisBus struct {
	mu            sync.Mutex
	client        *redis.Client
	options       *redis.Options
	subscriptions map[string]*redis.PubSub
	logger        *slog.Logger
}

// NewRedisBus creates a new Redis-backed notification bus using the given options.
func NewRedisBus(opts *redis.Options, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(opts)
	return &RedisBus{
		client:        client,
		options:       opts,
		subscriptions: make(map[string]*redis.PubSub),
		logger:        logger,
	}
}

// ensureConnection pings the server and reconnects if necessary. Callers
// hold b.mu.
func (b *RedisBus) ensureConnection(ctx context.Context) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.logger.Warn("eventbus reconnecting to Redis", "addr", b.options.Addr, "error", err)
		_ = b.client.Close()
		b.client = redis.NewClient(b.options)
	}
}

// Ping reports whether Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	return client.Ping(ctx).Err()
}

// Publish sends a notification to a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, n core.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ensureConnection(ctx)
	client := b.client
	b.mu.Unlock()
	return client.Publish(ctx, topic, data).Err()
}

// subscribeInternal waits for the subscription to be confirmed and then
// pumps decoded notifications into the returned channel until ctx ends or
// the subscription is closed.
func (b *RedisBus) subscribeInternal(ctx context.Context, pubsub *redis.PubSub) (<-chan core.Notification, error) {
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := make(chan core.Notification)
	go func() {
		defer close(ch)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				b.logger.Warn("eventbus receive error", "error", err)
				time.Sleep(time.Second)
				continue
			}
			var n core.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				b.logger.Warn("eventbus dropped undecodable message", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// SubscribePattern listens for notifications on every topic matching a
// glob pattern. A pattern without wildcards matches exactly one topic.
func (b *RedisBus) SubscribePattern(ctx context.Context, pattern string) (<-chan core.Notification, error) {
	b.mu.Lock()
	b.ensureConnection(ctx)
	ps := b.client.PSubscribe(ctx, pattern)
	b.subscriptions[pattern] = ps
	b.mu.Unlock()
	return b.subscribeInternal(ctx, ps)
}

// Unsubscribe stops listening on a pattern and closes its channel.
func (b *RedisBus) Unsubscribe(ctx context.Context, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.subscriptions[pattern]
	if !ok {
		return nil
	}
	delete(b.subscriptions, pattern)
	return ps.Close()
}

// Close terminates all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.subscriptions {
		_ = ps.Close()
	}
	b.subscriptions = make(map[string]*redis.PubSub)
	return b.client.Close()
}
