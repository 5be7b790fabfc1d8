package records

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChangeChannel is the pub/sub channel shared by all server instances.
const DefaultChangeChannel = "clinicdesk_changes"

type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisFeed relays changes between server instances over Redis pub/sub.
// Publish only reaches local subscribers once the message returns through Run.
type RedisFeed struct {
	*Hub
	client  redisPubSubClient
	channel string
	logger  *zap.Logger
}

// NewRedisFeed constructs a Redis-backed feed.
func NewRedisFeed(client *redis.Client, channel string, logger *zap.Logger) *RedisFeed {
	return newRedisFeed(client, channel, logger)
}

func newRedisFeed(client redisPubSubClient, channel string, logger *zap.Logger) *RedisFeed {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{Hub: NewHub(), client: client, channel: channel, logger: logger}
}

// Publish sends change to every subscribed instance.
func (feed *RedisFeed) Publish(ctx context.Context, change Change) error {
	payload, err := encodeChange(change)
	if err != nil {
		return err
	}
	if publishErr := feed.client.Publish(ctx, feed.channel, payload).Err(); publishErr != nil {
		return fmt.Errorf("records.change.redis.publish: %w", publishErr)
	}
	return nil
}

// Run subscribes to the channel and relays messages until ctx is done.
func (feed *RedisFeed) Run(ctx context.Context) error {
	pubsub := feed.client.Subscribe(ctx, feed.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("records.change.redis.subscribe: %w", err)
	}
	feed.logger.Info("change feed subscribed", zap.String("driver", "redis"), zap.String("channel", feed.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			feed.relay(message.Payload)
		}
	}
}

func (feed *RedisFeed) relay(payload string) {
	change, err := decodeChange(payload)
	if err != nil {
		feed.logger.Warn("dropping malformed change",
			zap.String("code", "records.change.redis.malformed"),
			zap.Error(err))
		return
	}
	feed.Deliver(change)
}
