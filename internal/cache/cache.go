// Package cache is the rendezvous store that lets a generated image be picked
// up later by the video request that uses it as a poster.
package cache

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultWaitTimeout  = 30 * time.Second
	DefaultWaitInterval = time.Second
)

// Entry is a cached artifact.
type Entry struct {
	Data       []byte    `json:"data"`
	MIMEType   string    `json:"mimeType"`
	InsertedAt time.Time `json:"insertedAt"`
}

// EntryStat describes one live entry without its payload.
type EntryStat struct {
	URL  string        `json:"url"`
	Age  time.Duration `json:"age"`
	Size int           `json:"size"`
}

type Stats struct {
	TotalEntries int         `json:"totalEntries"`
	Entries      []EntryStat `json:"entries"`
}

// Store is a TTL-keyed entry store. Get must report an entry older than the
// TTL as absent and remove it.
type Store interface {
	Put(ctx context.Context, key string, e Entry) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) (int, error)
}

// Cache wraps a Store with logging and the blocking WaitFor read.
type Cache struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// Put inserts or replaces the entry for key.
func (c *Cache) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	err := c.store.Put(ctx, key, Entry{Data: data, MIMEType: mimeType})
	if err != nil {
		c.logger.Error("cache put failed", zap.String("key", key), zap.Error(err))
		return err
	}
	c.logger.Debug("cached artifact", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Get returns the live entry for key. Store errors are logged and reported
// as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	if ok {
		c.logger.Debug("cache hit", zap.String("key", key), zap.Duration("age", time.Since(e.InsertedAt)))
	}
	return e, ok
}

// WaitFor polls Get every interval until the key appears or timeout elapses.
// A timeout is reported as a miss with a nil error; only ctx cancellation
// returns an error.
func (c *Cache) WaitFor(ctx context.Context, key string, timeout, interval time.Duration) (Entry, bool, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	deadline := time.Now().Add(timeout)
	c.logger.Debug("waiting for cache entry", zap.String("key", key), zap.Duration("timeout", timeout))

	for {
		if e, ok := c.Get(ctx, key); ok {
			return e, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logger.Debug("timed out waiting for cache entry", zap.String("key", key))
			return Entry{}, false, nil
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.Clear(ctx)
	if err == nil {
		c.logger.Info("cleared cache", zap.Int("entries", n))
	}
	return n, err
}

// Canonicalize strips the query string and fragment from raw so an image and
// the video that references it agree on one key.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
