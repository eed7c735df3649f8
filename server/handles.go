package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/psvm/vm"
)

// handle is a server-side reference to a VM object.
type handle struct {
	id        string
	ref       vm.Ref
	display   string
	sessionID string
	created   time.Time
	lastUsed  time.Time
}

// HandleStore maps opaque string IDs to VM objects. The store is a root
// provider of the VM, so pinned objects survive collection and a restore
// that would free one of them fails with invalidrestore.
type HandleStore struct {
	mu      sync.RWMutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates a handle store and registers it with the
// worker's VM. Must be called before the worker runs any PostScript.
func NewHandleStore(worker *VMWorker) *HandleStore {
	s := &HandleStore{handles: make(map[string]*handle)}
	worker.Do(func(v *vm.VM) any {
		v.Memory().AddRootProvider(s)
		return nil
	})
	return s
}

// EnumRoots visits every pinned ref. Called by the collector and by
// restore on the VM worker goroutine. The collector rewrites the refs, so
// the write lock is held.
func (s *HandleStore) EnumRoots(fn func(p *vm.Ref)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		fn(&h.ref)
	}
}

// Create pins ref and returns an opaque handle ID.
// Must be called on the VM worker goroutine.
func (s *HandleStore) Create(ref vm.Ref, display, sessionID string) string {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.handles[id] = &handle{
		id:        id,
		ref:       ref,
		display:   display,
		sessionID: sessionID,
		created:   now,
		lastUsed:  now,
	}
	return id
}

// Lookup retrieves the pinned ref for a handle. The ref is only stable
// on the VM worker goroutine, since collection may move the object.
func (s *HandleStore) Lookup(id string) (vm.Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return vm.Ref{}, false
	}
	h.lastUsed = time.Now()
	return h.ref, true
}

// Release unpins a handle.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	return true
}

// ReleaseSession releases all handles owned by a session.
func (s *HandleStore) ReleaseSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, h := range s.handles {
		if h.sessionID == sessionID {
			delete(s.handles, id)
			n++
		}
	}
	return n
}

// Len returns the number of pinned handles.
func (s *HandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	if removed > 0 {
		serverLog.Debugf("swept %d idle handles", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
