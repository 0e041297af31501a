package querytemplates

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	catalogVersionKey = "ai:templates:version"
	catalogKeyPrefix  = "ai:templates:active:"
	catalogBumpTopic  = "ai:templates:bump"
)

// CatalogCache keeps a versioned snapshot of the active templates in Redis.
// Statistics inside the snapshot may lag; reads that need exact numbers go
// to the repository.
type CatalogCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCatalogCache instantiates the cache helper. A nil client disables caching.
func NewCatalogCache(client *redis.Client, ttl time.Duration) *CatalogCache {
	return &CatalogCache{client: client, ttl: ttl}
}

// Version returns the current catalog version, initialising when missing.
func (c *CatalogCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, catalogVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SETNX so concurrent initialisers agree on the first version.
		if err := c.client.SetNX(ctx, catalogVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, catalogVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Active returns the cached active templates or loads and stores them.
func (c *CatalogCache) Active(ctx context.Context, loader func(context.Context) ([]Template, error)) ([]Template, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return nil, err
	}
	key := catalogKeyPrefix + strconv.FormatInt(ver, 10)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var templates []Template
		if err := json.Unmarshal(payload, &templates); err != nil {
			return nil, err
		}
		return templates, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		templates, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(templates)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return templates, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Template), nil
	}
}

// Bump invalidates the snapshot by incrementing the version and publishing it.
func (c *CatalogCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, catalogVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, catalogBumpTopic, strconv.FormatInt(ver, 10)).Err()
}

// Subscribe delivers catalog versions announced by Bump until ctx ends.
func (c *CatalogCache) Subscribe(ctx context.Context, onBump func(version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, catalogBumpTopic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if ver, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil && onBump != nil {
					onBump(ver)
				}
			}
		}
	}()
	return nil
}
