// Package bus defines the message transport the CFDP engine attaches to.
//
// Each engine channel owns one input message ID and one output message
// ID on the bus. The engine neither frames nor addresses: every inbound
// message is exactly one PDU, and every outbound PDU becomes one
// message. Receive is strictly non-blocking; the engine polls once per
// wakeup up to its configured message budget.
//
// Outbound pacing uses a named counting semaphore owned by the
// transport: each transmission consumes one unit, and the transport
// returns units as it drains its queue. When no units are available the
// engine simply stops transmitting for the remainder of the wakeup.
package bus

import "errors"

// ErrNoSuchID is returned when sending to a message ID nothing routes.
var ErrNoSuchID = errors.New("bus: no route for message id")

// Bus is the transport surface used by the engine.
type Bus interface {
	// Recv returns the next pending message for the given input message
	// ID, or ok=false when none is queued. It never blocks.
	Recv(mid uint32) (msg []byte, ok bool)

	// Send queues one message on the given output message ID.
	Send(mid uint32, msg []byte) error

	// Semaphore returns the named throttle semaphore for a channel.
	// Implementations return the same semaphore for the same name.
	Semaphore(name string) Semaphore
}

// Semaphore is a counting semaphore limiting outbound message rate.
type Semaphore interface {
	// TryAcquire consumes one unit if available, reporting success.
	TryAcquire() bool

	// Release returns one unit.
	Release()
}

// unlimited is a Semaphore that never runs out.
type unlimited struct{}

func (unlimited) TryAcquire() bool { return true }
func (unlimited) Release()         {}

// Unlimited returns a semaphore that always has units available.
func Unlimited() Semaphore {
	return unlimited{}
}

// counting is a buffered-channel semaphore.
type counting struct {
	units chan struct{}
}

// NewCounting returns a semaphore with the given number of units.
func NewCounting(units int) Semaphore {
	s := &counting{units: make(chan struct{}, units)}
	for i := 0; i < units; i++ {
		s.units <- struct{}{}
	}
	return s
}

func (s *counting) TryAcquire() bool {
	select {
	case <-s.units:
		return true
	default:
		return false
	}
}

func (s *counting) Release() {
	select {
	case s.units <- struct{}{}:
	default:
	}
}
