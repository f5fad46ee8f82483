package stock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/stock"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := stock.NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	m := stock.NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx2, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextTimeout(t *testing.T) {
	m := stock.NewKeyedMutex()
	ctx := context.Background()
	unlock, err := m.Lock(ctx, "k")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(waitCtx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second release is a no-op

	again, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	again()
}

// recordingLocker remembers acquisition order.
type recordingLocker struct {
	mu      sync.Mutex
	order   []string
	failOn  string
	release []string
}

func (l *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == l.failOn {
		return nil, context.Canceled
	}
	l.order = append(l.order, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.release = append(l.release, key)
	}, nil
}

func TestLockAll_SortedDedupedReverseRelease(t *testing.T) {
	l := &recordingLocker{}

	unlock, err := stock.LockAll(context.Background(), l, []string{"key:c", "key:a", "key:b", "key:a"})
	require.NoError(t, err)
	unlock()

	assert.Equal(t, []string{"key:a", "key:b", "key:c"}, l.order)
	assert.Equal(t, []string{"key:c", "key:b", "key:a"}, l.release)
}

func TestLockAll_FailureReleasesAcquired(t *testing.T) {
	l := &recordingLocker{failOn: "key:c"}

	_, err := stock.LockAll(context.Background(), l, []string{"key:c", "key:a", "key:b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"key:b", "key:a"}, l.release)
}
