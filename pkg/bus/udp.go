package bus

import (
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/cfdp/internal/logger"
)

// UDPRoute binds one message ID pair to a socket: PDUs arriving on the
// listen address are queued under InputMID, and PDUs sent on OutputMID
// go to the peer address.
type UDPRoute struct {
	InputMID   uint32
	OutputMID  uint32
	ListenAddr string
	PeerAddr   string
}

// UDP is a Bus carrying one PDU per datagram. A reader goroutine per
// route feeds a bounded queue that Recv drains non-blocking, preserving
// the engine's poll-per-wakeup model.
type UDP struct {
	mu    sync.Mutex
	conns map[uint32]*net.UDPConn // by output MID
	peers map[uint32]*net.UDPAddr
	in    map[uint32]chan []byte // by input MID
	sems  map[string]Semaphore
	done  chan struct{}
}

// maxDatagram bounds the size of one received PDU.
const maxDatagram = 65536

// NewUDP opens sockets for every route and starts their readers.
func NewUDP(routes []UDPRoute, pipeDepth int) (*UDP, error) {
	b := &UDP{
		conns: make(map[uint32]*net.UDPConn),
		peers: make(map[uint32]*net.UDPAddr),
		in:    make(map[uint32]chan []byte),
		sems:  make(map[string]Semaphore),
		done:  make(chan struct{}),
	}

	for _, r := range routes {
		laddr, err := net.ResolveUDPAddr("udp", r.ListenAddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bus: resolve listen addr %q: %w", r.ListenAddr, err)
		}
		paddr, err := net.ResolveUDPAddr("udp", r.PeerAddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bus: resolve peer addr %q: %w", r.PeerAddr, err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bus: listen %q: %w", r.ListenAddr, err)
		}

		b.conns[r.OutputMID] = conn
		b.peers[r.OutputMID] = paddr
		ch := make(chan []byte, pipeDepth)
		b.in[r.InputMID] = ch

		go b.readLoop(conn, ch, r.InputMID)
	}
	return b, nil
}

func (b *UDP) readLoop(conn *net.UDPConn, ch chan []byte, mid uint32) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			logger.Warn("udp bus read failed", "mid", mid, "error", err)
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		select {
		case ch <- msg:
		default:
			// Pipe full: drop the new message, matching bounded
			// software-bus behavior under overload.
			logger.Warn("udp bus input pipe overflow, dropping PDU", "mid", mid)
		}
	}
}

// Recv returns the next pending datagram for mid without blocking.
func (b *UDP) Recv(mid uint32) ([]byte, bool) {
	ch, ok := b.in[mid]
	if !ok {
		return nil, false
	}
	select {
	case msg := <-ch:
		return msg, true
	default:
		return nil, false
	}
}

// Send transmits one datagram to the peer configured for mid.
func (b *UDP) Send(mid uint32, msg []byte) error {
	b.mu.Lock()
	conn, ok := b.conns[mid]
	peer := b.peers[mid]
	b.mu.Unlock()
	if !ok {
		return ErrNoSuchID
	}
	if _, err := conn.WriteToUDP(msg, peer); err != nil {
		return fmt.Errorf("bus: send mid %d: %w", mid, err)
	}
	return nil
}

// Semaphore returns the named throttle semaphore. UDP sends complete
// synchronously, so the transport never withholds units.
func (b *UDP) Semaphore(name string) Semaphore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sems[name]; ok {
		return s
	}
	s := Unlimited()
	b.sems[name] = s
	return s
}

// Close shuts down all sockets and readers.
func (b *UDP) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	var first error
	for _, c := range b.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
