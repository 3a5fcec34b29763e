package market

import (
	"sync"

	"github.com/atmx/marketplace-engine/internal/model"
)

// assetLocks hands out one mutex per asset ID. Entries are reference
// counted and dropped once nobody holds or waits on them.
type assetLocks struct {
	mu    sync.Mutex
	locks map[model.AssetID]*assetLock
}

type assetLock struct {
	mu   sync.Mutex
	refs int
}

func newAssetLocks() *assetLocks {
	return &assetLocks{locks: make(map[model.AssetID]*assetLock)}
}

// lock blocks until the caller owns id and returns the matching unlock.
func (l *assetLocks) lock(id model.AssetID) func() {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &assetLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()

		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of live entries.
func (l *assetLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
