// Package memory remembers published completion events in a bounded LRU with
// a retention window. Memory is per process: replicas do not share it.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

const (
	defaultMaxSize = 10_000
	defaultTTL     = 15 * time.Minute
)

// Config bounds the memory
type Config struct {
	MaxSize int
	TTL     time.Duration
}

// Deduper is an LRU-backed simpleresize.Deduper
type Deduper struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// New creates a deduper; zero config values fall back to defaults
func New(cfg Config) *Deduper {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	// lru.New only errors on non-positive size which we guard above
	cache, _ := lru.New[string, time.Time](cfg.MaxSize)
	return &Deduper{cache: cache, ttl: cfg.TTL, now: time.Now}
}

// Seen reports whether key was marked within the retention window
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live(key), nil
}

// Mark records key
func (d *Deduper) Mark(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(key, d.now())
	return nil
}

// Claim records key unless it is already live
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live(key) {
		return false, nil
	}
	d.cache.Add(key, d.now())
	return true, nil
}

// Release forgets key
func (d *Deduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
	return nil
}

// live must be called with mu held; it drops key once expired
func (d *Deduper) live(key string) bool {
	markedAt, ok := d.cache.Get(key)
	if !ok {
		return false
	}
	if d.now().Sub(markedAt) < d.ttl {
		return true
	}
	d.cache.Remove(key)
	return false
}

// Len returns the number of remembered keys, expired ones included
func (d *Deduper) Len() int {
	return d.cache.Len()
}

var (
	_ simpleresize.Deduper = (*Deduper)(nil)
	_ simpleresize.Claimer = (*Deduper)(nil)
)
