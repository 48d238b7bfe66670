package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))

	_, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok, "expired key must read as absent")

	// expired keys do not block SetNX
	won, err := c.SetNX(ctx, "k", "v2", time.Second)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	won, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, c.Del(ctx, "lock"))
	won, _ = c.SetNX(ctx, "lock", "c", time.Minute)
	assert.True(t, won)
}

func TestMemoryGetDelSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "session", "payload", time.Minute))

	const callers = 16
	var wg sync.WaitGroup
	hits := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok, _ := c.GetDel(ctx, "session"); ok {
				hits <- v
			}
		}()
	}
	wg.Wait()
	close(hits)

	var got []string
	for v := range hits {
		got = append(got, v)
	}
	require.Len(t, got, 1, "exactly one caller may consume the key")
	assert.Equal(t, "payload", got[0])
}
