package dedup

import "sync"

// Deduplicator remembers the newest processed version per order key. It
// gives an at-most-once-per-version guarantee: two events for the same key
// with the same updatedAt are indistinguishable and the second is dropped.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]int64
}

func New() *Deduplicator {
	return &Deduplicator{seen: make(map[string]int64)}
}

// ShouldProcess reports whether updatedAt is newer than the last recorded
// version for key.
func (d *Deduplicator) ShouldProcess(key string, updatedAt int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.seen[key]
	return !ok || updatedAt > last
}

// Record marks updatedAt as processed for key. Older versions never move
// the marker backwards.
func (d *Deduplicator) Record(key string, updatedAt int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && last >= updatedAt {
		return
	}
	d.seen[key] = updatedAt
}

// Last returns the recorded version for key.
func (d *Deduplicator) Last(key string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.seen[key]
	return v, ok
}

// Reset forgets every key. Called when the socket reconnects.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen = make(map[string]int64)
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}
