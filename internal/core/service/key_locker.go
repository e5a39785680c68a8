package service

import (
	"sort"
	"sync"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// keyLocker hands out one mutex per stock position. Entries are dropped
// when their last holder unlocks so the map tracks only busy positions.
type keyLocker struct {
	mu    sync.Mutex
	locks map[domain.StockKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[domain.StockKey]*keyLock)}
}

// Lock acquires every key in canonical order and returns the release
// func. Two operations over overlapping keys therefore cannot deadlock.
func (l *keyLocker) Lock(keys ...domain.StockKey) func() {
	sorted := make([]domain.StockKey, 0, len(keys))
	seen := make(map[domain.StockKey]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	held := make([]*keyLock, 0, len(sorted))
	for _, k := range sorted {
		l.mu.Lock()
		kl, ok := l.locks[k]
		if !ok {
			kl = &keyLock{}
			l.locks[k] = kl
		}
		kl.refs++
		l.mu.Unlock()

		kl.mu.Lock()
		held = append(held, kl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()

			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, sorted[i])
			}
			l.mu.Unlock()
		}
	}
}

func (l *keyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
