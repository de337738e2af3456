// Package redis provides a Redis pub/sub backed broker.Broker for
// multi-node deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/broker"
)

const defaultChannel = "blockscape:events"

// Broker implements broker.Broker over a single Redis pub/sub channel.
type Broker struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// Channel is the pub/sub channel name. Defaults to "blockscape:events".
	Channel string
	// Logger receives subscription errors. Defaults to slog.Default().
	Logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Redis-backed broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Broker{client: client, channel: channel, log: log}
}

func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, fn broker.Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Force the subscription to be established before returning so frames
	// published afterwards are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var env broker.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("dropping malformed broker frame", "err", err)
				continue
			}
			fn(env)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}
