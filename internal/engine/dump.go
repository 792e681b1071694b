package engine

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// WriteStatus renders the active queues and history of every channel as
// tables for ground inspection. The daemon exposes this on demand
// (SIGUSR1); nothing in the tick path calls it.
func (e *Engine) WriteStatus(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Fprintf(w, "engine: ticks=%d pool=%d/%d free\n", e.ticks, e.pool.FreeCount(), e.pool.Capacity())

	for _, ch := range e.channels {
		fmt.Fprintf(w, "\nchannel %d (enabled=%v, queued out=%d)\n", ch.num, ch.enabled, ch.out.size())

		active := tablewriter.NewWriter(w)
		active.SetHeader([]string{"TXN", "ROLE", "STATE", "RECEIVED", "SIZE", "STATUS", "FILE"})
		for _, q := range []*txnQueue{ch.rxa, ch.pend, ch.txa} {
			for _, slot := range q.slots {
				t := e.pool.Get(slot)
				size := "?"
				if t.sizeKnown {
					size = fmt.Sprintf("%d", t.fsize)
				}
				name := t.dstName
				if name == "" {
					name = t.tmpName
				}
				active.Append([]string{
					t.key.String(),
					t.role.String(),
					t.sub.String(),
					fmt.Sprintf("%d", t.recvBytes),
					size,
					t.status.String(),
					name,
				})
			}
		}
		active.Render()

		hist := tablewriter.NewWriter(w)
		hist.SetHeader([]string{"TXN", "DIR", "PEER", "STATUS", "SRC", "DST"})
		for _, h := range ch.hist.snapshot() {
			hist.Append([]string{
				h.Key.String(),
				h.Direction.String(),
				fmt.Sprintf("%d", h.PeerEID),
				h.Status.String(),
				h.SrcName,
				h.DstName,
			})
		}
		hist.Render()
	}
}
