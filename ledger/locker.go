package ledger

import (
	"context"
	"sync"
)

// OwnerLocker serializes settlements for one owner. Different owners must
// not block each other.
type OwnerLocker interface {
	// Lock blocks until the owner's lock is held or ctx is done. The
	// returned func releases it and is safe to call more than once.
	Lock(ctx context.Context, ownerID OwnerID) (func(), error)
}

var _ OwnerLocker = (*KeyedLocker)(nil)

// KeyedLocker is an in-process OwnerLocker with one mutex per owner.
// Entries are reference counted and dropped when nobody holds or waits.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[OwnerID]*ownerLock
}

type ownerLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[OwnerID]*ownerLock)}
}

func (k *KeyedLocker) Lock(ctx context.Context, ownerID OwnerID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[ownerID]
	if !ok {
		l = &ownerLock{ch: make(chan struct{}, 1)}
		k.locks[ownerID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(ownerID, l)
		return nil, ErrConcurrencyConflict
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(ownerID, l)
		})
	}, nil
}

func (k *KeyedLocker) release(ownerID OwnerID, l *ownerLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, ownerID)
	}
}
