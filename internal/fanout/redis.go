package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel shared by every node
const DefaultChannel = "classpulse:fanout"

// RedisBus fans broadcasts out across nodes with Redis pub/sub
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisBus connects to redisURL and verifies the connection
func NewRedisBus(redisURL, channel string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opts), channel, logger)
}

// NewRedisBusWithClient wraps an existing client; the bus owns it afterwards
func NewRedisBusWithClient(client *redis.Client, channel string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultChannel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBus{client: client, channel: channel, logger: logger}, nil
}

// Publish sends env to every subscribed node
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe starts delivering envelopes to handler. It returns once the
// subscription is confirmed by the server.
func (b *RedisBus) Subscribe(handler func(Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.pubsub != nil {
		return ErrAlreadySubscribed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.receiveLoop(pubsub.Channel(), handler, b.done)
	return nil
}

func (b *RedisBus) receiveLoop(messages <-chan *redis.Message, handler func(Envelope), done chan struct{}) {
	defer close(done)

	for msg := range messages {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn("dropping malformed fanout envelope", zap.Error(err))
			continue
		}
		handler(env)
	}
}

// Close unsubscribes and releases the Redis client
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubsub, done := b.pubsub, b.done
	b.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
		<-done
	}
	return b.client.Close()
}
