package services

import (
	"context"
	"encoding/json"

	"snapmap/logger"
	"snapmap/models"

	"github.com/redis/go-redis/v9"
)

// EventPublisher announces terminal verification outcomes
type EventPublisher interface {
	Publish(ctx context.Context, ev models.VerificationEvent) error
}

// RedisEventBus fans verification events out over a Redis pub/sub channel
type RedisEventBus struct {
	rdb   redis.UniversalClient
	topic string
}

func NewRedisEventBus(rdb redis.UniversalClient, topic string) *RedisEventBus {
	return &RedisEventBus{rdb: rdb, topic: topic}
}

func (b *RedisEventBus) Publish(ctx context.Context, ev models.VerificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.topic, data).Err()
}

// Subscribe streams decoded events until ctx is done. The channel is closed
// when the subscription ends.
func (b *RedisEventBus) Subscribe(ctx context.Context) (<-chan models.VerificationEvent, error) {
	sub := b.rdb.Subscribe(ctx, b.topic)
	// wait for the subscription confirmation so no event published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan models.VerificationEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		log := logger.Named("events")
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.VerificationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("[Events] dropping undecodable event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
