// Package redis shares the completion-event memory between replicas through
// Redis keys with a TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

const defaultPrefix = "resize:published:"

// Config options for the Redis deduper
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Deduper stores one key per published event
type Deduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a deduper on client
func New(client redis.UniversalClient, cfg Config) (*Deduper, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &Deduper{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

// Seen checks if the key exists
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if key exists: %w", err)
	}
	return n > 0, nil
}

// Mark sets the key with the configured TTL
func (d *Deduper) Mark(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark key in Redis: %w", err)
	}
	return nil
}

// Claim sets the key only if it is absent (SET NX with the configured TTL)
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim key in Redis: %w", err)
	}
	return ok, nil
}

// Release deletes the key
func (d *Deduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release key in Redis: %w", err)
	}
	return nil
}

var (
	_ simpleresize.Deduper = (*Deduper)(nil)
	_ simpleresize.Claimer = (*Deduper)(nil)
)
