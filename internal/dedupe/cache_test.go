// ABOUTME: Tests for the dedupe cache used to replay retried message sends.
// ABOUTME: Validates TTL expiration, size limits, eviction order and cleanup

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func live[V any](c *Cache[V], key string) bool {
	_, ok := c.Get(key)
	return ok
}

func TestCache_GetMissing(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
}

func TestCache_PutAndGet(t *testing.T) {
	cache := New[[]byte](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("alice:tmp-1", []byte(`{"id":"m1"}`))

	got, ok := cache.Get("alice:tmp-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"m1"}`, string(got))
}

func TestCache_PutOverwrites(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("k", 1)
	cache.Put("k", 2)

	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, got)
	assert.Equal(t, 1, len(cache.seen))
}

func TestCache_Expired(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("expiring-key", 7)
	assert.True(t, live(cache, "expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, live(cache, "expiring-key"))
}

func TestCache_PutRefreshesTimestamp(t *testing.T) {
	cache := New[int](50*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("refresh-key", 1)
	time.Sleep(30 * time.Millisecond)
	cache.Put("refresh-key", 1)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, live(cache, "refresh-key"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	cache.Put("first", 1)
	cache.Put("second", 2)
	cache.Put("third", 3)

	cache.Put("fourth", 4)
	assert.False(t, live(cache, "first"), "first should be evicted")
	assert.True(t, live(cache, "second"))
	assert.True(t, live(cache, "third"))
	assert.True(t, live(cache, "fourth"))

	cache.Put("fifth", 5)
	assert.False(t, live(cache, "second"), "second should be evicted")
	assert.Equal(t, 3, len(cache.seen))
}

func TestCache_Cleanup(t *testing.T) {
	cache := New[int](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Put("cleanup-1", 1)
	cache.Put("cleanup-2", 2)
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()

	assert.Equal(t, 0, len(cache.seen), "cleanup should remove expired entries from map")
	assert.Equal(t, 0, cache.order.Len())
}

func TestCache_ConcurrentPutSameKey(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := range numGoroutines {
		go func() {
			defer wg.Done()
			cache.Put("contested-key", i)
		}()
	}
	wg.Wait()

	_, ok := cache.Get("contested-key")
	assert.True(t, ok)
	assert.Equal(t, 1, len(cache.seen))
	assert.Equal(t, 1, cache.order.Len())
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("key-%d-%d", i%26, j%10)
				cache.Put(key, j)
				cache.Get(key)
			}
		}()
	}
	wg.Wait()

	cache.Put("final-key", 1)
	assert.True(t, live(cache, "final-key"))
}

func TestCache_Close(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	cache.Put("before-close", 1)

	cache.Close()
	cache.Close()
}
