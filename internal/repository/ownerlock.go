package repository

import (
	"sync"

	"github.com/gofrs/uuid/v5"
)

// OwnerLocks hands out one mutex per owner for in-process stores. Entries are dropped once unused.
type OwnerLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the owner's mutex is held and returns its release func.
func (l *OwnerLocks) Lock(ownerID uuid.UUID) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*ownerLock)
	}
	ol, ok := l.locks[ownerID]
	if !ok {
		ol = &ownerLock{}
		l.locks[ownerID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, ownerID)
		}
		l.mu.Unlock()
	}
}
