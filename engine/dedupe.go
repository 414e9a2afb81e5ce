package engine

import (
	"sync"

	"golang.org/x/crypto/blake2b"
)

// dedupeCache is a fixed-capacity, circular record of recently seen punch
// nonces, keyed by a blake2b digest rather than the raw 16-byte uuid so the
// table itself never grows the hot path by more than a map-insert. Modeled
// on the circular hash table used for packet deduplication in MeshCore-go's
// device router.
type dedupeCache struct {
	mu       sync.Mutex
	capacity int
	order    []blake2bKey
	seen     map[blake2bKey]struct{}
	next     int
}

type blake2bKey [32]byte

func newDedupeCache(capacity int) *dedupeCache {
	return &dedupeCache{
		capacity: capacity,
		order:    make([]blake2bKey, capacity),
		seen:     make(map[blake2bKey]struct{}, capacity),
	}
}

func keyOf(b []byte) blake2bKey {
	return blake2b.Sum256(b)
}

// SeenBefore reports whether b was already recorded, and records it if not.
func (d *dedupeCache) SeenBefore(b []byte) bool {
	k := keyOf(b)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[k]; ok {
		return true
	}
	evicted := d.order[d.next]
	if evicted != (blake2bKey{}) {
		delete(d.seen, evicted)
	}
	d.order[d.next] = k
	d.seen[k] = struct{}{}
	d.next = (d.next + 1) % d.capacity
	return false
}
