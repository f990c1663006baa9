package nat

// idPool allocates public transport identifiers (TCP/UDP ports, or
// ICMP query IDs) uniquely across live sessions from a fixed
// [low, high] range, per §4.J outbound step 3. Once the range is
// exhausted it evicts the least-recently-allocated holder rather than
// failing the new session outright, matching §4.J's "evicted oldest
// on table pressure" policy for the session table itself.
type idPool struct {
	low, high uint16
	cursor    uint16
	allocated map[uint16]*Session
	order     []uint16 // FIFO of currently-allocated ids, oldest first
}

func newIDPool(low, high uint16) *idPool {
	return &idPool{low: low, high: high, cursor: low, allocated: make(map[uint16]*Session)}
}

// allocate assigns an id to sess, returning the session whose id was
// reclaimed under table pressure (nil if none was needed).
func (p *idPool) allocate(sess *Session) (id uint16, evicted *Session) {
	span := int(p.high) - int(p.low) + 1
	for i := 0; i < span; i++ {
		candidate := p.low + uint16((int(p.cursor-p.low)+i)%span)
		if _, used := p.allocated[candidate]; !used {
			p.allocated[candidate] = sess
			p.order = append(p.order, candidate)
			p.cursor = candidate + 1
			return candidate, nil
		}
	}

	if len(p.order) == 0 {
		return 0, nil
	}
	oldest := p.order[0]
	p.order = p.order[1:]
	evicted = p.allocated[oldest]
	p.allocated[oldest] = sess
	p.order = append(p.order, oldest)
	p.cursor = oldest + 1
	return oldest, evicted
}

// release frees id, but only if it still belongs to sess — a session
// reclaimed by allocate's table-pressure path has already had its id
// handed to a new owner, and a stale release for the old owner must
// not clobber that reassignment.
func (p *idPool) release(sess *Session, id uint16) {
	if cur, ok := p.allocated[id]; !ok || cur != sess {
		return
	}
	delete(p.allocated, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}
