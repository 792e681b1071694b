package engine

import "github.com/marmos91/cfdp/internal/chunks"

// Pool is the fixed array of transaction records shared by every channel
// in the process. Allocation pops from a freelist of slot indices, so
// steady-state operation never allocates.
type Pool struct {
	txns []Transaction
	free []int
}

// NewPool creates a pool of n transaction records, each with an embedded
// chunk list of maxChunks ranges.
func NewPool(n, maxChunks int) *Pool {
	p := &Pool{
		txns: make([]Transaction, n),
		free: make([]int, 0, n),
	}
	// Freelist is popped from the tail; seed it in reverse so slot 0 is
	// handed out first.
	for i := n - 1; i >= 0; i-- {
		t := &p.txns[i]
		t.slot = i
		t.chunks = chunks.NewList(maxChunks)
		t.status = StatusUndefined
		p.free = append(p.free, i)
	}
	return p
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int {
	return len(p.txns)
}

// FreeCount returns the number of unallocated slots.
func (p *Pool) FreeCount() int {
	return len(p.free)
}

// Alloc pops a free transaction record, or returns nil when the pool is
// exhausted.
func (p *Pool) Alloc() *Transaction {
	if len(p.free) == 0 {
		return nil
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	t := &p.txns[slot]
	t.state = StateIdle
	return t
}

// Free scrubs a record back to its zero state and returns the slot to
// the freelist. The caller must have closed any file handle first.
func (p *Pool) Free(t *Transaction) {
	t.scrub()
	p.free = append(p.free, t.slot)
}

// Get returns the record in a slot.
func (p *Pool) Get(slot int) *Transaction {
	return &p.txns[slot]
}
