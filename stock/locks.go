package stock

import (
	"context"
	"sort"
	"sync"
)

// Locker hands out exclusive, context-aware locks by key. Lock blocks until
// the key is free or ctx is done; the returned func releases the lock and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Lock key namespaces. Documents and stock keys never share a scope.
const (
	DocumentLockPrefix = "doc:"
	StockKeyLockPrefix = "key:"
)

// =============================================================================
// IN-PROCESS LOCKER
// =============================================================================

// KeyedMutex is a Locker for a single process. Entries are reference
// counted and removed once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				m.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// =============================================================================
// MULTI-KEY ACQUISITION
// =============================================================================

// LockAll acquires every key in sorted order and releases them in reverse.
// On failure nothing stays locked.
func LockAll(ctx context.Context, l Locker, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func stockKeyLocks(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = StockKeyLockPrefix + k.String()
	}
	return out
}
