package keylock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker(t *testing.T) {
	var wg sync.WaitGroup
	counter := [3]int{}
	lock := New()
	const (
		outer = 10
		inner = 50
		total = outer * inner
	)
	for k := 0; k < outer; k++ {
		for j := range counter {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				id := fmt.Sprintf("%d", j)
				for i := 0; i < inner; i++ {
					assert.NoError(t, lock.Lock(context.Background(), id))
					n := counter[j]
					time.Sleep(time.Microsecond)
					counter[j] = n + 1
					lock.Unlock(id)
				}
			}(j)
		}
	}
	wg.Wait()
	assert.Equal(t, [3]int{total, total, total}, counter)
	assert.Equal(t, 0, lock.Len())
}

func TestLocker_ContextCancelled(t *testing.T) {
	lock := New()
	require.NoError(t, lock.Lock(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lock.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	lock.Unlock("a")
	assert.Equal(t, 0, lock.Len())
}

func TestLocker_DistinctKeysDoNotBlock(t *testing.T) {
	lock := New()
	require.NoError(t, lock.Lock(context.Background(), "a"))
	defer lock.Unlock("a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lock.Lock(ctx, "b"))
	lock.Unlock("b")
}

func TestLocker_LockAll(t *testing.T) {
	lock := New()
	unlock, err := lock.LockAll(context.Background(), "b", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, lock.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lock.LockAll(ctx, "c", "a")
	assert.Error(t, err)

	unlock()
	assert.Equal(t, 0, lock.Len())

	unlock, err = lock.LockAll(context.Background(), "a", "c")
	require.NoError(t, err)
	unlock()
}

func TestLocker_UnlockUnheldPanics(t *testing.T) {
	assert.Panics(t, func() { New().Unlock("x") })
}
