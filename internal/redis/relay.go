// Package redis relays websocket broadcasts between server instances over
// Redis pub/sub, so every connected client sees every tournament event no
// matter which instance committed it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pong-tournament/internal/config"
)

// envelope tags a payload with the instance that published it
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Relay publishes encoded hub messages and delivers those of other instances
type Relay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *slog.Logger
}

// NewRelay connects to Redis and creates a relay on cfg.Channel
func NewRelay(cfg *config.RedisConfig, logger *slog.Logger) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRelayWithClient(client, cfg.Channel, logger), nil
}

// NewRelayWithClient creates a relay on an existing client
func NewRelayWithClient(client *redis.Client, channel string, logger *slog.Logger) *Relay {
	id := uuid.New().String()
	return &Relay{
		client:     client,
		channel:    channel,
		instanceID: id,
		logger:     logger.With("relay_instance", id),
	}
}

// Close closes the Redis connection
func (r *Relay) Close() error {
	return r.client.Close()
}

// InstanceID identifies this process on the channel
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Publish sends payload to every other instance
func (r *Relay) Publish(ctx context.Context, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: r.instanceID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the channel and hands payloads published by other
// instances to deliver until ctx is cancelled. Our own messages were
// already delivered locally and are skipped.
func (r *Relay) Run(ctx context.Context, deliver func([]byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for confirmation that subscription is created
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("broadcast relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("broadcast relay stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping malformed relay message", "error", err)
				continue
			}
			if env.Origin == r.instanceID {
				continue
			}
			deliver(env.Payload)
		}
	}
}
