package boundary

import (
	"math/rand/v2"
	"sync"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// slot is one rendezvous entry. owner is the token of the call that created
// it.
type slot struct {
	owner uint64
	data  []byte
}

// rendezvous maps random identifiers onto byte buffers exchanged with a
// guest during a single call. Entries are single-use.
type rendezvous struct {
	mu      sync.Mutex
	entries map[int32]slot
	nextID  func() int32
}

func newRendezvous() *rendezvous {
	return &rendezvous{
		entries: make(map[int32]slot),
		nextID:  rand.Int32,
	}
}

// insert stores data under a fresh identifier.
func (r *rendezvous) insert(owner uint64, data []byte) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := r.nextID()
		if _, taken := r.entries[id]; taken {
			continue
		}
		r.entries[id] = slot{owner: owner, data: data}
		return id
	}
}

// put stores data under an identifier chosen by the guest.
func (r *rendezvous) put(owner uint64, id int32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[id]; taken {
		return errspkg.ErrIdentifierInUse
	}
	r.entries[id] = slot{owner: owner, data: data}
	return nil
}

// take removes and returns the entry for id. An entry created by another
// call is left in place and reported as foreign.
func (r *rendezvous) take(owner uint64, id int32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[id]
	if !ok {
		return nil, errspkg.ErrIdentifierNotFound
	}
	if s.owner != owner {
		return nil, errspkg.ErrForeignIdentifier
	}
	delete(r.entries, id)
	return s.data, nil
}

// release drops every entry owned by owner.
func (r *rendezvous) release(owner uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.entries {
		if s.owner == owner {
			delete(r.entries, id)
		}
	}
}

func (r *rendezvous) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
