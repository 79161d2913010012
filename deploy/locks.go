package deploy

import "sync"

// lockTable provides non-blocking mutual exclusion per (host, service) pair.
// Contention is reported to the caller rather than queued, so a concurrent
// request for the same pair fails fast with ErrDeploymentInProgress.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if free, reporting whether it succeeded.
func (t *lockTable) TryAcquire(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.held[key]; taken {
		return false
	}
	t.held[key] = struct{}{}
	return true
}

// Release frees the lock for key.
func (t *lockTable) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}
