package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestRedisStore_PutGet(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "http://site/x.png", Entry{Data: []byte{0, 1, 2}, MIMEType: "image/webp"}))
	assert.True(t, mr.Exists(defaultKeyPrefix+"http://site/x.png"))

	e, ok, err := store.Get(ctx, "http://site/x.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2}, e.Data)
	assert.Equal(t, "image/webp", e.MIMEType)
	assert.False(t, e.InsertedAt.IsZero())
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", Entry{Data: []byte("x")}))
	mr.FastForward(time.Minute + time.Second)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_StatsAndClear(t *testing.T) {
	store, _ := newRedisStore(t, time.Minute)
	ctx := context.Background()

	_ = store.Put(ctx, "b", Entry{Data: []byte("123")})
	_ = store.Put(ctx, "a", Entry{Data: []byte("1")})

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, "a", stats.Entries[0].URL)
	assert.Equal(t, 3, stats.Entries[1].Size)

	n, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, _ = store.Stats(ctx)
	assert.Zero(t, stats.TotalEntries)
}

func TestCache_RedisErrorsAreMisses(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	c := New(store, zap.NewNop())
	mr.Close()

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

// failDel rejects DEL commands and passes everything else through.
type failDel struct{}

func (failDel) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failDel) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "del" {
			return errors.New("READONLY You can't write against a read only replica")
		}
		return next(ctx, cmd)
	}
}

func (failDel) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_StaleEvictionFailureIsLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	client.AddHook(failDel{})
	store := NewRedisStore(client, time.Minute)

	// An entry that outlived its TTL without Redis expiring it.
	payload, err := json.Marshal(Entry{Data: []byte("x"), MIMEType: "image/png", InsertedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, mr.Set(defaultKeyPrefix+"k", string(payload)))

	_, ok, err := store.Get(context.Background(), "k")
	assert.False(t, ok)
	require.Error(t, err)

	core, logs := observer.New(zap.WarnLevel)
	c := New(store, zap.New(core))
	_, ok = c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("cache get failed").Len())
}
