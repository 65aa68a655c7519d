package engine

import "sync"

// Locker provides per-(bucket,key) locking so concurrent writers to the
// same object are serialized while operations on distinct keys proceed
// independently. Locks are created lazily and never removed, which is
// fine for a long-lived single-node process.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.RWMutex)}
}

func (l *Locker) lockFor(bucket, key string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := bucket + "/" + key
	mu := l.locks[k]
	if mu == nil {
		mu = &sync.RWMutex{}
		l.locks[k] = mu
	}
	return mu
}

// Lock acquires an exclusive lock on (bucket, key), returning a function
// that releases it.
func (l *Locker) Lock(bucket, key string) func() {
	mu := l.lockFor(bucket, key)
	mu.Lock()
	return mu.Unlock
}

// RLock acquires a shared lock on (bucket, key), returning a function
// that releases it.
func (l *Locker) RLock(bucket, key string) func() {
	mu := l.lockFor(bucket, key)
	mu.RLock()
	return mu.RUnlock
}
