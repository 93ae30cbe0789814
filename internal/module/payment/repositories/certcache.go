package repositories

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/pkg/signature"

	"github.com/redis/go-redis/v9"
)

type certCache struct {
	client *redis.Client
	prefix string
}

// NewCertCache keeps provider signing certificates in redis, keyed by URL.
func NewCertCache(client *redis.Client, prefix string) signature.CertCache {
	return &certCache{client: client, prefix: prefix}
}

func (c *certCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *certCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}
