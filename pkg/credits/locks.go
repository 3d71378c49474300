package credits

import "sync"

// userLocks serializes state-changing operations per user so the admission
// check and the mutation never interleave for the same account. Locks for
// distinct users are independent. The map keeps one entry per user id for
// the process lifetime; entries are never evicted.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the given user's mutex and returns the unlock function.
func (registry *userLocks) acquire(userID UserID) func() {
	registry.mu.Lock()
	lock, exists := registry.locks[userID.String()]
	if !exists {
		lock = &sync.Mutex{}
		registry.locks[userID.String()] = lock
	}
	registry.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
