package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const eventChannelPrefix = "equb:events:"

// EventChannel is the pub/sub channel carrying a pool's events.
func EventChannel(poolID string) string {
	return eventChannelPrefix + poolID
}

// RedisPublisher forwards events to Redis pub/sub for the notification layer.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Handle(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	channel := EventChannel(ev.PoolID)
	if ev.PoolID == "" {
		channel = eventChannelPrefix + "members"
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
