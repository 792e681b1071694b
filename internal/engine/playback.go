package engine

import "github.com/marmos91/cfdp/internal/protocol/cfdp"

// FileRequest names one local file to be sent to a remote entity.
type FileRequest struct {
	SrcName string
	DstName string
}

// TransactionSource produces the pending send work for the engine:
// directory polling and commanded playback live behind this port, not
// in the core.
type TransactionSource interface {
	// ScanDirectory lists the files currently eligible for transfer out
	// of srcDir, with destination names under dstDir. Files already
	// known to the engine are filtered by the caller.
	ScanDirectory(srcDir, dstDir string) ([]FileRequest, error)
}

// pollDirectories walks each enabled polled directory whose interval
// timer has expired and enqueues its files as pending send
// transactions.
func (e *Engine) pollDirectories(ch *Channel) {
	if e.source == nil {
		return
	}
	for i := range ch.polls {
		ps := &ch.polls[i]
		if !ps.enabled {
			continue
		}
		ps.interval.Tick()
		if !ps.interval.Expired() {
			continue
		}
		ps.interval.InitRelSec(ps.cfg.IntervalSeconds, e.cfg.TicksPerSecond)
		e.enqueuePlayback(ch, ps.cfg.SrcDir, ps.cfg.DstDir, ps.cfg.Class, ps.cfg.Priority, ps.cfg.DestEID)
	}
}

// enqueuePlayback scans one directory and creates pending send
// transactions for files not already queued. The send state machines
// live outside this engine; pending records hold the slot, the
// priority order, and the sequence number until a sender drains them.
func (e *Engine) enqueuePlayback(ch *Channel, srcDir, dstDir string, class uint8, priority uint8, destEID cfdp.EntityID) {
	reqs, err := e.source.ScanDirectory(srcDir, dstDir)
	if err != nil {
		e.reporter.Event(EventFileOpenFailed, SeverityError, "directory scan failed",
			"channel", ch.num, "dir", srcDir, "error", err)
		return
	}

	for _, req := range reqs {
		if e.pendingHasFile(ch, req.SrcName) {
			continue
		}

		t := e.pool.Alloc()
		if t == nil {
			e.reporter.Event(EventPoolExhausted, SeverityError, "transaction pool exhausted, playback deferred",
				"channel", ch.num, "file", req.SrcName)
			return
		}

		t.key = cfdp.TransactionID{Source: e.cfg.LocalEID, Seq: e.seqNum}
		e.seqNum++
		t.peerEID = destEID
		t.destEID = destEID
		t.chanNum = ch.num
		t.priority = priority
		t.srcName = req.SrcName
		t.dstName = req.DstName
		t.state = StateActive
		t.status = StatusUndefined
		if class == 1 {
			t.role = RoleS1
		} else {
			t.role = RoleS2
		}

		ch.pend.insertByPriority(t.slot, e.pool)

		if !ch.cfg.DequeueEnabled {
			// Dequeue is off: the transaction is accepted for the
			// record but can never become active, so it finalizes
			// straight into history.
			t.setStatus(StatusInvalidTransmissionMode)
			e.forceComplete(t)
			e.finalize(ch, ch.pend, t)
			continue
		}

		e.reporter.Event(EventPlaybackStarted, SeverityInfo, "playback transaction queued",
			"channel", ch.num, "txn", t.key, "file", req.SrcName, "priority", priority)
	}
	e.updateActiveGauge(ch)
}

// pendingHasFile reports whether a source file is already queued on the
// channel, preventing duplicate enqueue across poll intervals.
func (e *Engine) pendingHasFile(ch *Channel, srcName string) bool {
	for _, q := range []*txnQueue{ch.pend, ch.txa} {
		for _, slot := range q.slots {
			if e.pool.Get(slot).srcName == srcName {
				return true
			}
		}
	}
	return false
}

// withdrawPlayback removes a pending send transaction from the queue.
// If the channel has a move directory configured, the source file is
// parked there so polling does not pick it up again.
func (e *Engine) withdrawPlayback(ch *Channel, t *Transaction) {
	if ch.cfg.MoveDir != "" && t.srcName != "" {
		dst := ch.cfg.MoveDir + "/" + baseName(t.srcName)
		if err := e.files.Rename(t.srcName, dst); err != nil {
			e.reporter.Event(EventFileRenameFailed, SeverityError, "move to move_dir failed",
				"channel", ch.num, "file", t.srcName, "error", err)
		}
	}
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
