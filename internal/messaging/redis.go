package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used for coordination messages
const DefaultChannel = "konomitv-offline:downloads"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Channel  string // pub/sub channel, DefaultChannel when empty
}

// RedisBus is a Bus over Redis pub/sub, letting the agent and task managers run in
// separate processes.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(config RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	channel := config.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	logger := slog.Default()
	logger.Info("Connected to Redis message bus", "addr", config.Addr, "db", config.DB, "channel", channel)

	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("Ignoring malformed bus message", "channel", raw.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
