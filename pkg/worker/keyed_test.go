package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedPool_ProcessesAllWork(t *testing.T) {
	var mu sync.Mutex
	got := make([]int, 0, 100)

	pool := NewKeyedPool(4, 64, func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(fmt.Sprintf("key-%d", i%7), i))
	}

	require.NoError(t, pool.Stop(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 100)

	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestKeyedPool_SameKeyIsOrdered(t *testing.T) {
	var mu sync.Mutex
	perKey := make(map[string][]int)

	pool := NewKeyedPool(8, 128, func(_ context.Context, w [2]any) error {
		key := w[0].(string)
		seq := w[1].(int)
		// No lock around the read-modify-write per key is needed beyond
		// the map lock: ordering is what we are asserting.
		mu.Lock()
		perKey[key] = append(perKey[key], seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	keys := []string{"dev1/s1", "dev1/s2", "dev2/s1", "dev3/s9"}
	for seq := 0; seq < 50; seq++ {
		for _, key := range keys {
			require.NoError(t, pool.Submit(key, [2]any{key, seq}))
		}
	}

	require.NoError(t, pool.Stop(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		seqs := perKey[key]
		require.Len(t, seqs, 50, "key %s", key)
		for i, seq := range seqs {
			assert.Equal(t, i, seq, "key %s out of order at %d", key, i)
		}
	}
}

func TestKeyedPool_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	pool := NewKeyedPool(1, 2, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// One in flight plus two queued; further submissions must be rejected.
	var errs int
	for i := 0; i < 10; i++ {
		if err := pool.Submit("same", i); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			errs++
		}
	}
	assert.GreaterOrEqual(t, errs, 7)

	close(block)
	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int64(errs), pool.Stats().Dropped)
}

func TestKeyedPool_Lifecycle(t *testing.T) {
	pool := NewKeyedPool(2, 8, func(_ context.Context, _ int) error { return nil })

	assert.ErrorIs(t, pool.Submit("k", 1), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit("k", 1), ErrPoolStopped)

	// Stop is idempotent.
	require.NoError(t, pool.Stop(time.Second))
}

func TestKeyedPool_FailedWorkCounted(t *testing.T) {
	pool := NewKeyedPool(2, 8, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit("k", i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}
