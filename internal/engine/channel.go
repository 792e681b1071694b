package engine

import (
	"github.com/marmos91/cfdp/internal/clock"
	"github.com/marmos91/cfdp/pkg/bus"
)

// txnQueue is an ordered set of pool slot indices. Queues never own
// storage beyond the preallocated index slice, preserving the
// no-allocation property of the pool.
type txnQueue struct {
	slots []int
}

func newTxnQueue(capacity int) *txnQueue {
	return &txnQueue{slots: make([]int, 0, capacity)}
}

func (q *txnQueue) push(slot int) {
	q.slots = append(q.slots, slot)
}

// insertByPriority places a slot before the first entry with a larger
// priority value (lower value is more urgent), keeping FIFO order among
// equals.
func (q *txnQueue) insertByPriority(slot int, pool *Pool) {
	pri := pool.Get(slot).priority
	at := len(q.slots)
	for i, s := range q.slots {
		if pool.Get(s).priority > pri {
			at = i
			break
		}
	}
	q.slots = append(q.slots, 0)
	copy(q.slots[at+1:], q.slots[at:])
	q.slots[at] = slot
}

func (q *txnQueue) remove(slot int) bool {
	for i, s := range q.slots {
		if s == slot {
			q.slots = append(q.slots[:i], q.slots[i+1:]...)
			return true
		}
	}
	return false
}

func (q *txnQueue) len() int {
	return len(q.slots)
}

// outClass orders outbound PDUs within one wakeup: receive-generated
// responses first, then tick-generated responses, then NAKs, then FINs.
type outClass uint8

const (
	outResponse outClass = iota
	outTick
	outNak
	outFin
	numOutClasses
)

// outPdu is one encoded PDU awaiting transmission.
type outPdu struct {
	kind string
	data []byte
}

// outQueue holds per-class FIFOs of encoded PDUs. PDUs that cannot be
// emitted within a wakeup's budget stay queued for the next one.
type outQueue struct {
	classes [numOutClasses][]outPdu
	limit   int
}

func newOutQueue(limit int) *outQueue {
	return &outQueue{limit: limit}
}

// push queues one PDU, reporting false when the queue is at capacity.
func (q *outQueue) push(class outClass, kind string, data []byte) bool {
	if q.size() >= q.limit {
		return false
	}
	q.classes[class] = append(q.classes[class], outPdu{kind: kind, data: data})
	return true
}

// pop removes the next PDU in class order.
func (q *outQueue) pop() (outPdu, bool) {
	for c := range q.classes {
		if len(q.classes[c]) > 0 {
			p := q.classes[c][0]
			q.classes[c] = q.classes[c][1:]
			return p, true
		}
	}
	return outPdu{}, false
}

func (q *outQueue) size() int {
	n := 0
	for c := range q.classes {
		n += len(q.classes[c])
	}
	return n
}

// pollState carries the runtime side of one polled directory.
type pollState struct {
	cfg      PollDirConfig
	enabled  bool
	interval clock.Timer
}

// Channel owns the per-channel queues, throttle, outbound buffer and
// polling state.
type Channel struct {
	num     uint8
	cfg     ChannelConfig
	enabled bool

	// Queue set. The freelist lives in the pool, shared process-wide.
	pend *txnQueue // pending send transactions, priority ordered
	txa  *txnQueue // active send transactions
	rxa  *txnQueue // active receive transactions

	hist *historyRing

	sem bus.Semaphore
	out *outQueue

	// cursor rotates the tick/transmit starting position so no
	// transaction is starved across wakeups.
	cursor int

	polls []pollState
}

func newChannel(num uint8, cfg ChannelConfig, poolSize, histSize int, sem bus.Semaphore) *Channel {
	ch := &Channel{
		num:     num,
		cfg:     cfg,
		enabled: true,
		pend:    newTxnQueue(poolSize),
		txa:     newTxnQueue(poolSize),
		rxa:     newTxnQueue(poolSize),
		hist:    newHistoryRing(histSize),
		sem:     sem,
		out:     newOutQueue(poolSize * 4),
	}
	for _, pd := range cfg.PollDirs {
		ps := pollState{cfg: pd, enabled: pd.Enabled}
		ch.polls = append(ch.polls, ps)
	}
	return ch
}

// activeCount returns the number of transactions on any channel queue.
func (ch *Channel) activeCount() int {
	return ch.pend.len() + ch.txa.len() + ch.rxa.len()
}

// rotated returns the rxa slots starting at the rotation cursor.
func (ch *Channel) rotated() []int {
	n := ch.rxa.len()
	if n == 0 {
		return nil
	}
	start := ch.cursor % n
	out := make([]int, 0, n)
	out = append(out, ch.rxa.slots[start:]...)
	out = append(out, ch.rxa.slots[:start]...)
	return out
}
