package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps generations per client with a sliding one-minute window
// stored in Redis. It is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(clientID, kind string) string {
	return fmt.Sprintf("fauxweb:ratelimit:%s:%s", kind, clientID)
}

// Allow records one generation of the given kind ("html", "image", "video")
// for clientID and reports whether it fits in the window.
func (l *Limiter) Allow(ctx context.Context, clientID, kind string) (bool, error) {
	res, err := l.store.AllowN(ctx, key(clientID, kind), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, clientID, kind string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(clientID, kind))
}
