package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts events with PUBLISH, one message per channel.
// Channel names get Prefix prepended, e.g. "spotmatch:user.7".
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

// NewRedisClient creates a client and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, ch := range e.Channels {
		if err := p.Client.Publish(ctx, p.Prefix+ch, data).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
