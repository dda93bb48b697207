package retry

import (
	"context"
	"sort"
	"sync"
)

// keyedLocks serializes work per key. Each key is a one-slot channel so a
// waiter can give up when its context ends.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(k.locks, key)
	}
}

// acquire locks every key in sorted order, so overlapping key sets cannot
// deadlock. On context cancellation nothing stays held.
func (k *keyedLocks) acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := uniqueSorted(keys)
	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			key := held[i]
			k.mu.Lock()
			l := k.locks[key]
			k.mu.Unlock()
			<-l.ch
			k.unref(key)
		}
	}
	for _, key := range sorted {
		l := k.ref(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			k.unref(key)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
