package state

import (
	"sync"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/store/providers"
	"github.com/provideplatform/unirep/store/providers/smt"
)

// NullifierRegistry is the append-only set of spent epoch key and reputation nullifiers,
// committed to by a sparse merkle tree
type NullifierRegistry struct {
	mutex  sync.RWMutex
	seen   map[crypto.Element]struct{}
	order  []crypto.Element
	commit providers.StoreProvider
}

// NewNullifierRegistry returns an empty registry
func NewNullifierRegistry() *NullifierRegistry {
	return &NullifierRegistry{
		seen:   map[crypto.Element]struct{}{},
		order:  make([]crypto.Element, 0),
		commit: smt.InitSMT(),
	}
}

// Contains returns true if the nullifier has been spent
func (r *NullifierRegistry) Contains(nullifier crypto.Element) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.seen[nullifier]
	return ok
}

// Add records the nullifiers; zero values are never recorded and re-adding is a no-op
func (r *NullifierRegistry) Add(nullifiers ...crypto.Element) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, n := range nullifiers {
		if n.IsZero() {
			continue
		}
		if _, ok := r.seen[n]; ok {
			continue
		}

		key := n.Bytes()
		if _, err := r.commit.Insert(key[:]); err != nil {
			return err
		}
		r.seen[n] = struct{}{}
		r.order = append(r.order, n)
	}
	return nil
}

// Len returns the number of spent nullifiers
func (r *NullifierRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.order)
}

// Values returns the spent nullifiers in the order they were recorded
func (r *NullifierRegistry) Values() []crypto.Element {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]crypto.Element, len(r.order))
	copy(out, r.order)
	return out
}

// Root returns the registry's commitment root, or nil when empty
func (r *NullifierRegistry) Root() *string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	root, err := r.commit.Root()
	if err != nil {
		return nil
	}
	return root
}
