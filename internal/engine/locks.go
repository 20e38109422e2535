package engine

import "sync"

// listingLocks serializes read-check-write sequences per listing id, so a
// precondition check and the write it guards cannot interleave with a
// concurrent transition on the same listing. Different listings never
// contend.
type listingLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newListingLocks() *listingLocks {
	return &listingLocks{locks: map[string]*sync.Mutex{}}
}

func (ll *listingLocks) lock(listingID string) func() {
	ll.mu.Lock()
	m, ok := ll.locks[listingID]
	if !ok {
		m = &sync.Mutex{}
		ll.locks[listingID] = m
	}
	ll.mu.Unlock()
	m.Lock()
	return m.Unlock
}
