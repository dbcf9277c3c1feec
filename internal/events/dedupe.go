package events

// Deduper tracks a bounded set of recently seen event ids so a consumer can
// collapse the bus's at-least-once delivery into exactly-once handling.
// It is not safe for concurrent use; each consumer owns its own Deduper.
type Deduper struct {
	capacity int
	seen     map[int64]struct{}
	order    []int64
	next     int
}

// NewDeduper creates a deduper remembering up to capacity ids.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 512
	}
	return &Deduper{
		capacity: capacity,
		seen:     make(map[int64]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already recorded. Ids <= 0
// (heartbeats, gaps) are never deduplicated.
func (d *Deduper) Seen(id int64) bool {
	if id <= 0 {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}

	if len(d.order) < d.capacity {
		d.order = append(d.order, id)
	} else {
		delete(d.seen, d.order[d.next])
		d.order[d.next] = id
		d.next = (d.next + 1) % d.capacity
	}
	d.seen[id] = struct{}{}
	return false
}

// Len returns the number of ids currently remembered.
func (d *Deduper) Len() int {
	return len(d.seen)
}
