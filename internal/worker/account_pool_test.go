package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountPool_RunsEveryIndex(t *testing.T) {
	pool := NewAccountPool(3)
	defer pool.Stop()

	var mu sync.Mutex
	seen := make(map[int]bool)
	err := pool.Run(context.Background(), 10, func(ctx context.Context, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
}

func TestAccountPool_BoundsConcurrency(t *testing.T) {
	pool := NewAccountPool(2)
	defer pool.Stop()

	var active, peak atomic.Int32
	err := pool.Run(context.Background(), 8, func(ctx context.Context, i int) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, pool.Concurrency())
}

func TestAccountPool_DefaultsToSerial(t *testing.T) {
	pool := NewAccountPool(0)
	defer pool.Stop()
	assert.Equal(t, 1, pool.Concurrency())

	var order []int
	require.NoError(t, pool.Run(context.Background(), 5, func(ctx context.Context, i int) {
		order = append(order, i)
	}))
	assert.Len(t, order, 5)
}

func TestAccountPool_CancelledContextSkipsWork(t *testing.T) {
	pool := NewAccountPool(1)
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := pool.Run(ctx, 5, func(ctx context.Context, i int) {
		calls.Add(1)
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAccountPool_Empty(t *testing.T) {
	pool := NewAccountPool(1)
	defer pool.Stop()
	assert.NoError(t, pool.Run(context.Background(), 0, func(context.Context, int) {
		t.Fatal("must not be called")
	}))
}
