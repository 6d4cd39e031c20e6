package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// DefaultRedisChannel carries mail events between processes
const DefaultRedisChannel = "gotrs-mail:events"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes events on a Redis pub/sub channel so that API
// servers can relay events emitted by the runner to their websocket clients.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	now     func() time.Time
}

// NewRedisPublisher creates a publisher on the given channel
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return newRedisPublisher(client, channel)
}

func newRedisPublisher(client redisPublisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

// PublishSent implements outgoing.Publisher
func (p *RedisPublisher) PublishSent(ctx context.Context, m *models.OutgoingMail) error {
	payload, err := encode(NewSentEvent(m, p.now()))
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s to redis: %w", m.ID, err)
	}
	return nil
}

// Relay forwards events published on a Redis channel to the hub until ctx is
// cancelled
func Relay(ctx context.Context, client redis.UniversalClient, channel string, hub *Hub, logger *zap.Logger) error {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			ev, err := decode([]byte(msg.Payload))
			if err != nil {
				logger.Warn("dropping malformed event", zap.String("channel", channel), zap.Error(err))
				continue
			}
			if err := hub.Broadcast(ctx, ev); err != nil {
				return nil
			}
		}
	}
}
