package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the pub/sub channels in a shared Redis.
const channelPrefix = "callsight:"

// RedisBroker distributes messages over Redis Pub/Sub so dashboards and
// wallboards in other processes receive them.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBroker connects to the Redis at the given URL
// (redis://host:port/db) and verifies it is reachable.
func NewRedisBroker(ctx context.Context, url string, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisBroker{
		client: client,
		logger: logger.With("subsystem", "broker"),
	}, nil
}

// Publish JSON-encodes the payload and publishes it. A publish failure
// is returned for the caller to count and log; state flow continues.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channelPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for messages on a channel. The handler
// runs on the subscription goroutine; slow handlers delay later messages
// on the same channel only.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// Close unsubscribes everything and closes the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}
