package openai

// dedupRing remembers the last n event IDs seen on the wire so redelivered
// events can be dropped. Bounded: once full, marking a new ID evicts the
// oldest one.
//
// Not safe for concurrent use; the session's event loop is the only caller.
type dedupRing struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newDedupRing(n int) *dedupRing {
	return &dedupRing{
		seen:  make(map[string]struct{}, n),
		order: make([]string, n),
	}
}

// Observe marks id as seen and reports whether it had been seen before.
// Empty IDs are never tracked and never count as duplicates.
func (r *dedupRing) Observe(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.seen[id]; ok {
		return true
	}
	if old := r.order[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.seen[id] = struct{}{}
	return false
}
