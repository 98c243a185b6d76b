package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_IsOrderIndependent(t *testing.T) {
	a := Fingerprint("alice", "list", map[string]string{"type": "DEPOSIT", "page": "1", "limit": "20"})
	b := Fingerprint("alice", "list", map[string]string{"limit": "20", "page": "1", "type": "DEPOSIT"})
	assert.Equal(t, a, b)

	c := Fingerprint("alice", "list", map[string]string{"limit": "20", "page": "2", "type": "DEPOSIT"})
	assert.NotEqual(t, a.Digest, c.Digest)

	d := Fingerprint("bob", "list", map[string]string{"type": "DEPOSIT", "page": "1", "limit": "20"})
	assert.NotEqual(t, a.String(), d.String())
	assert.Equal(t, a.Digest, d.Digest)

	assert.Regexp(t, `^txcache:\{alice\}:list:0:[0-9a-f]{64}$`, a.String())

	a.Generation = 7
	assert.Regexp(t, `^txcache:\{alice\}:list:7:[0-9a-f]{64}$`, a.String())
}

func backends(t *testing.T) map[string]Cache {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  NewRedisCache(rdb),
	}
}

func TestCache_PutGetInvalidate(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			aliceList := Fingerprint("alice", "list", map[string]string{"page": "1"})
			aliceStats := Fingerprint("alice", "analytics", map[string]string{"group": "type"})
			bobList := Fingerprint("bob", "list", map[string]string{"page": "1"})

			_, ok, err := c.Get(ctx, aliceList)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Put(ctx, aliceList, []byte(`[1]`), time.Minute))
			require.NoError(t, c.Put(ctx, aliceStats, []byte(`{"n":2}`), time.Minute))
			require.NoError(t, c.Put(ctx, bobList, []byte(`[3]`), time.Minute))

			got, ok, err := c.Get(ctx, aliceList)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte(`[1]`), got)

			require.NoError(t, c.InvalidateBySubject(ctx, "alice"))

			_, ok, _ = c.Get(ctx, aliceList)
			assert.False(t, ok)
			_, ok, _ = c.Get(ctx, aliceStats)
			assert.False(t, ok)
			got, ok, _ = c.Get(ctx, bobList)
			assert.True(t, ok, "other subjects keep their entries")
			assert.Equal(t, []byte(`[3]`), got)

			require.NoError(t, c.InvalidateBySubject(ctx, "nobody"))
		})
	}
}

func TestCache_InvalidationAdvancesGeneration(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gen, err := c.Generation(ctx, "alice")
			require.NoError(t, err)
			assert.Zero(t, gen)

			require.NoError(t, c.InvalidateBySubject(ctx, "alice"))
			require.NoError(t, c.InvalidateBySubject(ctx, "alice"))
			gen, err = c.Generation(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), gen)

			gen, err = c.Generation(ctx, "bob")
			require.NoError(t, err)
			assert.Zero(t, gen)
		})
	}
}

func TestBestEffort_LatePutAfterInvalidationIsNeverServed(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBestEffort(c, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
			ctx := context.Background()
			base := Fingerprint("alice", "list", map[string]string{"page": "1"})

			// A reader binds its key, then a write invalidates before the
			// reader stores what it computed.
			stale, ok := b.Bind(ctx, base)
			require.True(t, ok)
			b.Invalidate(ctx, "alice")
			b.PutJSON(ctx, stale, []string{"old"})

			fresh, ok := b.Bind(ctx, base)
			require.True(t, ok)
			assert.NotEqual(t, stale.String(), fresh.String())
			var got []string
			assert.False(t, b.GetJSON(ctx, fresh, &got))

			b.PutJSON(ctx, fresh, []string{"new"})
			require.True(t, b.GetJSON(ctx, fresh, &got))
			assert.Equal(t, []string{"new"}, got)
		})
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	key := Fingerprint("alice", "list", nil)

	require.NoError(t, c.Put(ctx, key, []byte("x"), time.Second))
	_, ok, _ := c.Get(ctx, key)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, key)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCache_PutSweepsExpiredEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i, subject := range []string{"alice", "bob", "carol"} {
		key := Fingerprint(subject, "list", map[string]string{"page": strconv.Itoa(i)})
		require.NoError(t, c.Put(ctx, key, []byte("x"), time.Second))
	}
	assert.Equal(t, 3, c.Len())

	// Never read again, the entries go on the next sweep.
	now = now.Add(sweepInterval)
	require.NoError(t, c.Put(ctx, Fingerprint("dave", "list", nil), []byte("y"), time.Minute))
	assert.Equal(t, 1, c.Len())
	assert.Len(t, c.index, 1)
}

func TestRedisCache_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewRedisCache(rdb)
	ctx := context.Background()
	key := Fingerprint("alice", "list", nil)

	require.NoError(t, c.Put(ctx, key, []byte("x"), 30*time.Second))
	assert.True(t, mr.Exists(key.String()))
	assert.True(t, mr.Exists(indexKey("alice")))

	// Every key of a subject shares one cluster hash tag.
	for _, k := range []string{key.String(), indexKey("alice"), generationKey("alice")} {
		assert.Contains(t, k, "{alice}")
	}

	mr.FastForward(31 * time.Second)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(indexKey("alice")))
}

func TestRedisCache_OutageIsReported(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	c := NewRedisCache(rdb)
	ctx := context.Background()
	key := Fingerprint("alice", "list", nil)

	_, _, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.ErrorIs(t, c.Put(ctx, key, []byte("x"), time.Minute), ErrCacheUnavailable)
	assert.ErrorIs(t, c.InvalidateBySubject(ctx, "alice"), ErrCacheUnavailable)
	_, err = c.Generation(ctx, "alice")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

type failingCache struct{}

func (failingCache) Get(context.Context, Key) ([]byte, bool, error) {
	return nil, false, ErrCacheUnavailable
}
func (failingCache) Put(context.Context, Key, []byte, time.Duration) error {
	return ErrCacheUnavailable
}
func (failingCache) Generation(context.Context, string) (uint64, error) {
	return 0, ErrCacheUnavailable
}
func (failingCache) InvalidateBySubject(context.Context, string) error {
	return errors.New("boom")
}

func TestBestEffort_AbsorbsBackendFailures(t *testing.T) {
	var logs bytes.Buffer
	b := NewBestEffort(failingCache{}, time.Minute, slog.New(slog.NewTextHandler(&logs, nil)))
	ctx := context.Background()
	key := Fingerprint("alice", "list", nil)

	_, ok := b.Bind(ctx, key)
	assert.False(t, ok, "an unknown generation bypasses the cache")

	var dst []int
	assert.False(t, b.GetJSON(ctx, key, &dst))
	b.PutJSON(ctx, key, []int{1})
	b.Invalidate(ctx, "alice", "", "alice")

	assert.Contains(t, logs.String(), "cache generation unavailable")
	assert.Contains(t, logs.String(), "cache read failed")
	assert.Contains(t, logs.String(), "cache write failed")
	assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("cache invalidation failed")))
}

func TestBestEffort_JSONRoundTrip(t *testing.T) {
	b := NewBestEffort(NewMemoryCache(), time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	key := Fingerprint("alice", "list", map[string]string{"page": "1"})

	type page struct {
		Items []string `json:"items"`
		Total int      `json:"total"`
	}
	b.PutJSON(ctx, key, page{Items: []string{"a", "b"}, Total: 2})

	var got page
	require.True(t, b.GetJSON(ctx, key, &got))
	assert.Equal(t, page{Items: []string{"a", "b"}, Total: 2}, got)

	b.Invalidate(ctx, "alice")
	assert.False(t, b.GetJSON(ctx, key, &got))

	var nilCache *BestEffort
	_, ok := nilCache.Bind(ctx, key)
	assert.False(t, ok)
	assert.False(t, nilCache.GetJSON(ctx, key, &got))
	nilCache.Invalidate(ctx, "alice")
}
