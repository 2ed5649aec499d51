package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func consumedKey(token string) string {
	return fmt.Sprintf("pairing:consumed:%s", token)
}

// MarkConsumed records that a pairing token has been exchanged for a
// session. Returns false when the token was already consumed. The marker
// lives for the token's remaining TTL; after that the timestamp check
// alone rejects it.
func (c *Client) MarkConsumed(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	return c.SetNX(ctx, consumedKey(token), time.Now().UnixMilli(), ttl).Result()
}
