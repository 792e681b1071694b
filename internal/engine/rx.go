package engine

import (
	"github.com/marmos91/cfdp/internal/chunks"
	"github.com/marmos91/cfdp/internal/protocol/cfdp"
)

// rxRecv applies one inbound PDU to a receive transaction. Every PDU,
// even one that fails validation, proves the peer is alive and restarts
// the inactivity timer.
func (e *Engine) rxRecv(t *Transaction, p *cfdp.PDU) {
	e.armInactivity(t)

	if t.state == StateDropOnError || t.sub == SubComplete {
		return
	}
	if t.flags.suspended {
		// A suspended transaction ignores inbound PDUs until resumed.
		return
	}

	switch t.role {
	case RoleR1:
		e.r1Recv(t, p)
	case RoleR2:
		e.r2Recv(t, p)
	}
}

// ---------------------------------------------------------------------
// Class 1 (unacknowledged) receive
//
// R1 is a strict subset of R2: stream the file in, fold the CRC as
// contiguous data arrives, and judge the transfer when EOF shows up.
// There is no handshake to repair anything, so any fault simply drops
// the transaction.
// ---------------------------------------------------------------------

func (e *Engine) r1Recv(t *Transaction, p *cfdp.PDU) {
	switch {
	case p.Metadata != nil:
		e.rRecvMd(t, p.Metadata)
	case p.FileData != nil:
		e.r1RecvFd(t, p.FileData)
	case p.EOF != nil:
		e.r1RecvEof(t, p.EOF)
	default:
		e.reporter.Event(EventPduDropped, SeverityDebug, "unexpected PDU for class 1 receive",
			"txn", t.key, "kind", p.Kind())
	}
}

func (e *Engine) r1RecvFd(t *Transaction, fd *cfdp.FileData) {
	if !e.rStoreFileData(t, fd) {
		return
	}

	// Fold contiguous data into the running checksum. Out-of-order data
	// beyond the contiguous prefix cannot be digested and will surface
	// as a checksum failure at EOF; class 1 has no way to repair it.
	off, data := fd.Offset, fd.Data
	if off <= t.crcBytes && off+uint64(len(data)) > t.crcBytes {
		fresh := data[t.crcBytes-off:]
		t.crcDigest.Write(fresh)
		t.crcBytes += uint64(len(fresh))
	}
}

func (e *Engine) r1RecvEof(t *Transaction, eof *cfdp.EOF) {
	if t.flags.eofRecv {
		return
	}
	t.flags.eofRecv = true

	if eof.Condition != cfdp.CondNoError {
		t.setStatus(TxnStatus(eof.Condition))
		e.forceComplete(t)
		return
	}

	switch {
	case t.crcBytes != eof.Size || t.recvBytes != eof.Size:
		e.reporter.Event(EventFileSizeMismatch, SeverityError, "class 1 transfer incomplete at EOF",
			"txn", t.key, "expected", eof.Size, "received", t.recvBytes)
		t.setStatus(StatusFileSizeError)
	case t.crcDigest.Sum32() != eof.Checksum:
		e.reporter.Event(EventChecksumMismatch, SeverityError, "file checksum mismatch",
			"txn", t.key, "expected", eof.Checksum, "computed", t.crcDigest.Sum32())
		t.setStatus(StatusFileChecksumFailure)
	default:
		t.flags.crcOK = true
		t.setStatus(StatusNoError)
	}
	e.forceComplete(t)
}

// ---------------------------------------------------------------------
// Class 2 (acknowledged) receive
// ---------------------------------------------------------------------

func (e *Engine) r2Recv(t *Transaction, p *cfdp.PDU) {
	switch {
	case p.Metadata != nil:
		e.rRecvMd(t, p.Metadata)
	case p.FileData != nil:
		e.r2RecvFd(t, p.FileData)
	case p.EOF != nil:
		e.r2RecvEof(t, p.EOF)
	case p.Ack != nil:
		e.r2RecvFinAck(t, p.Ack)
	case p.Prompt != nil:
		e.r2RecvPrompt(t, p.Prompt)
	case p.Nak != nil, p.Keepalive != nil:
		// A receiver has no use for these; the peer is confused but the
		// transaction is unharmed.
		e.reporter.Event(EventPduDropped, SeverityDebug, "ignoring PDU on receive transaction",
			"txn", t.key, "kind", p.Kind())
	case p.Fin != nil:
		e.reporter.Event(EventPduDropped, SeverityDebug, "FIN received by file receiver",
			"txn", t.key)
	}
}

// rRecvMd handles a metadata PDU for both classes. A duplicate MD is
// ignored; a first MD after file data has started on a tempfile moves
// the tempfile to its real destination.
func (e *Engine) rRecvMd(t *Transaction, md *cfdp.Metadata) {
	if t.flags.mdRecv {
		return
	}

	if md.ChecksumType != checksumTypeModular && md.ChecksumType != checksumTypeCrc32 {
		e.reporter.Event(EventPduDropped, SeverityError, "unsupported checksum type",
			"txn", t.key, "checksum_type", md.ChecksumType)
		e.rFault(t, StatusUnsupportedChecksumType)
		return
	}

	if t.sizeKnown && md.Size != t.fsize {
		// EOF got here first and disagrees about the file size.
		e.reporter.Event(EventFileSizeMismatch, SeverityError, "metadata file size disagrees with EOF",
			"txn", t.key, "md_size", md.Size, "eof_size", t.fsize)
		e.rFault(t, StatusFileSizeError)
		return
	}

	t.fsize = md.Size
	t.sizeKnown = true
	t.srcName = md.SourceFilename
	t.dstName = md.DestFilename
	t.flags.mdRecv = true

	if t.tmpName != "" {
		// File data arrived before metadata and went to a tempfile. Move
		// it under its real name; the open handle follows the rename.
		if err := e.files.Rename(t.tmpName, t.dstName); err != nil {
			e.reporter.Event(EventFileRenameFailed, SeverityError, "tempfile rename failed",
				"txn", t.key, "from", t.tmpName, "to", t.dstName, "error", err)
			e.rFault(t, StatusFilestoreRejection)
			return
		}
		t.filePath = t.dstName
		t.tmpName = ""
	}

	// Open the destination right away so even a zero-length transfer
	// produces its file.
	if !e.rEnsureFile(t) {
		return
	}

	if t.sub == SubWaitMD {
		t.sub = SubRecvFileData
	}
	if t.role == RoleR2 && t.flags.eofRecv {
		e.r2Complete(t, true)
	}
}

func (e *Engine) r2RecvFd(t *Transaction, fd *cfdp.FileData) {
	before := t.recvBytes
	if !e.rStoreFileData(t, fd) {
		return
	}

	// Coverage that moved forward proves the NAK conversation is
	// working; give the retry budget back.
	if t.recvBytes > before {
		t.nakRetries = 0
	}

	e.armAck(t)

	if t.flags.eofRecv || t.flags.fdNakSent {
		// NAK-response data; see if the file is whole now. The NAK
		// cycle itself stays timer-driven.
		e.r2Complete(t, false)
	}
}

// rStoreFileData validates and writes one file-data segment, updating
// coverage. Returns false when the segment was rejected or the
// transaction faulted.
func (e *Engine) rStoreFileData(t *Transaction, fd *cfdp.FileData) bool {
	end := fd.Offset + uint64(len(fd.Data))
	if t.sizeKnown && end > t.fsize {
		e.reporter.Event(EventFileSizeMismatch, SeverityError, "file data beyond expected size",
			"txn", t.key, "offset", fd.Offset, "len", len(fd.Data), "size", t.fsize)
		e.rFault(t, StatusFileSizeError)
		return false
	}

	if !e.rEnsureFile(t) {
		return false
	}

	if len(fd.Data) > 0 {
		if _, err := t.fd.WriteAt(fd.Data, int64(fd.Offset)); err != nil {
			e.reporter.Event(EventFileWriteFailed, SeverityError, "file write failed",
				"txn", t.key, "offset", fd.Offset, "error", err)
			e.rFault(t, StatusFilestoreRejection)
			return false
		}
		t.chunks.Add(fd.Offset, uint64(len(fd.Data)))
		t.recvBytes = t.chunks.TotalBytes()
	}

	if t.sub == SubWaitMD {
		t.sub = SubRecvFileData
	}
	return true
}

// rEnsureFile opens the destination file on first need. Without
// metadata there is no destination name yet, so data goes to a tempfile
// and (for class 2) a metadata-request NAK is queued.
func (e *Engine) rEnsureFile(t *Transaction) bool {
	if t.fd != nil {
		return true
	}

	if t.flags.mdRecv {
		f, err := e.files.OpenWrite(t.dstName)
		if err != nil {
			e.reporter.Event(EventFileOpenFailed, SeverityError, "destination open failed",
				"txn", t.key, "path", t.dstName, "error", err)
			e.rFault(t, StatusFilestoreRejection)
			return false
		}
		t.fd = f
		t.filePath = t.dstName
		return true
	}

	f, path, err := e.files.OpenTemp(e.cfg.TmpDir)
	if err != nil {
		e.reporter.Event(EventFileOpenFailed, SeverityError, "tempfile open failed",
			"txn", t.key, "dir", e.cfg.TmpDir, "error", err)
		e.rFault(t, StatusFilestoreRejection)
		return false
	}
	t.fd = f
	t.tmpName = path
	t.filePath = path

	if t.role == RoleR2 {
		t.flags.sendNak = true
	}
	return true
}

func (e *Engine) r2RecvEof(t *Transaction, eof *cfdp.EOF) {
	if t.flags.eofRecv {
		// Duplicate EOF: the sender missed our ACK. Re-acknowledge.
		e.r2QueueEofAck(t, outResponse)
		return
	}

	t.eofCC = eof.Condition
	e.r2QueueEofAck(t, outResponse)

	if eof.Condition != cfdp.CondNoError {
		// Sender-side fault (typically cancel). Record and close out;
		// there is nothing left to repair.
		t.flags.eofRecv = true
		t.setStatus(TxnStatus(eof.Condition))
		e.forceComplete(t)
		return
	}

	if t.sizeKnown && eof.Size != t.fsize {
		e.reporter.Event(EventFileSizeMismatch, SeverityError, "EOF file size disagrees with metadata",
			"txn", t.key, "eof_size", eof.Size, "md_size", t.fsize)
		t.flags.eofRecv = true
		e.rFault(t, StatusFileSizeError)
		return
	}
	if !t.sizeKnown && t.recvBytes > eof.Size {
		e.reporter.Event(EventFileSizeMismatch, SeverityError, "received more data than EOF declares",
			"txn", t.key, "eof_size", eof.Size, "received", t.recvBytes)
		t.flags.eofRecv = true
		e.rFault(t, StatusFileSizeError)
		return
	}

	t.fsize = eof.Size
	t.sizeKnown = true
	t.crcExpected = eof.Checksum
	t.flags.eofRecv = true
	t.sub = SubWaitEOF

	e.r2Complete(t, true)
}

// r2RecvFinAck closes out the transaction; the FIN/FIN-ACK handshake is
// the last exchange of a class 2 transfer.
func (e *Engine) r2RecvFinAck(t *Transaction, ack *cfdp.Ack) {
	if ack.AckDirective != cfdp.DirectiveFin {
		e.reporter.Event(EventPduDropped, SeverityDebug, "ACK for unexpected directive",
			"txn", t.key, "directive", ack.AckDirective)
		return
	}
	if t.sub != SubWaitFinAck {
		e.reporter.Event(EventPduDropped, SeverityDebug, "FIN-ACK outside FIN handshake",
			"txn", t.key, "sub", t.sub)
		return
	}
	e.forceComplete(t)
}

func (e *Engine) r2RecvPrompt(t *Transaction, pr *cfdp.Prompt) {
	if pr.KeepaliveRequested {
		e.queueTxnPdu(t, outResponse, &cfdp.PDU{
			Header:    e.rxResponseHeader(t, cfdp.TypeFileDirective),
			Directive: cfdp.DirectiveKeepalive,
			Keepalive: &cfdp.Keepalive{Progress: t.recvBytes},
		})
		return
	}
	// Prompt-NAK: the sender wants our gap report now rather than on the
	// timer.
	if t.flags.eofRecv {
		e.r2Complete(t, true)
	} else {
		t.flags.sendNak = true
	}
}

// r2Complete evaluates whether a class 2 transaction can move toward
// FIN. It is called after every event that could change completion:
// metadata arrival, file data arrival, EOF, or a prompt.
func (e *Engine) r2Complete(t *Transaction, okToSendNak bool) {
	if t.flags.sendFin || t.sub == SubComplete {
		return
	}

	if !t.flags.eofRecv {
		// Nothing to finish yet; only a missing-metadata NAK makes
		// sense this early.
		if !t.flags.mdRecv && okToSendNak {
			t.flags.sendNak = true
		}
		return
	}

	if !t.flags.mdRecv || !t.coverageComplete() {
		if okToSendNak {
			t.flags.sendNak = true
		}
		t.sub = SubSendNak
		return
	}

	// Every byte is on disk under its real name: start the budgeted
	// checksum pass. The engine's CRC cycle finishes the job across as
	// many wakeups as the byte budget requires.
	if !t.flags.crcStarted {
		t.flags.crcStarted = true
		t.sub = SubWaitEOF
	}
}

// r2FinishCrc records the verdict once the checksum pass has consumed
// the whole file.
func (e *Engine) r2FinishCrc(t *Transaction) {
	t.flags.crcDone = true
	if t.crcDigest.Sum32() == t.crcExpected {
		t.flags.crcOK = true
		t.setStatus(StatusNoError)
	} else {
		e.reporter.Event(EventChecksumMismatch, SeverityError, "file checksum mismatch",
			"txn", t.key, "expected", t.crcExpected, "computed", t.crcDigest.Sum32())
		t.setStatus(StatusFileChecksumFailure)
	}
	t.flags.sendNak = false
	t.flags.sendFin = true
	t.sub = SubSendFin
}

// rFault latches a per-transaction fault. Class 2 still owes the sender
// a FIN with the condition code; class 1 just drops.
func (e *Engine) rFault(t *Transaction, status TxnStatus) {
	t.setStatus(status)
	if t.role == RoleR2 {
		t.flags.sendNak = false
		t.flags.sendFin = true
		t.sub = SubSendFin
		return
	}
	t.state = StateDropOnError
	e.forceComplete(t)
}

// forceComplete ends the transaction unconditionally. Reaping to
// history happens at the end of the wakeup.
func (e *Engine) forceComplete(t *Transaction) {
	t.flags.sendNak = false
	t.flags.sendFin = false
	t.sub = SubComplete
	t.state = StateFinished
}

// ---------------------------------------------------------------------
// Tick processing
// ---------------------------------------------------------------------

// rxTick advances one receive transaction by one wakeup: timers first,
// then the flag-driven PDU emissions.
func (e *Engine) rxTick(t *Transaction) {
	if t.sub == SubComplete {
		return
	}
	if t.flags.suspended {
		// Suspension freezes the protocol entirely: no timer advance,
		// no emissions. Cancel still cuts through.
		if t.flags.canceled {
			e.rxCancelNow(t)
		}
		return
	}

	t.inactivityTimer.Tick()
	t.ackTimer.Tick()
	t.nakTimer.Tick()

	if t.flags.canceled {
		e.rxCancelNow(t)
		return
	}

	if t.inactivityTimer.Expired() && !t.flags.inactivityFired {
		t.flags.inactivityFired = true
		e.rSendInactivityEvent(t)
		t.setStatus(StatusInactivityTimerExpired)
		e.forceComplete(t)
		return
	}

	if t.role != RoleR2 {
		return
	}

	// Retry an EOF-ACK that could not be queued during receive.
	if t.flags.sendAck {
		if e.r2QueueEofAck(t, outTick) {
			t.flags.sendAck = false
		}
	}

	if t.flags.sendNak {
		if e.r2SendNak(t) {
			t.flags.sendNak = false
		}
	} else if t.sub == SubSendNak && t.nakTimer.Expired() {
		e.r2NakTimerExpired(t)
	}

	if t.flags.sendFin {
		if e.r2SendFin(t) {
			t.flags.sendFin = false
			t.sub = SubWaitFinAck
			e.armAck(t)
		}
	} else if t.sub == SubWaitFinAck && t.ackTimer.Expired() {
		e.r2FinAckTimerExpired(t)
	}
}

func (e *Engine) rxCancelNow(t *Transaction) {
	t.setStatus(StatusCancelRequestReceived)
	e.forceComplete(t)
}

// rSendInactivityEvent reports that the peer went quiet for the
// configured window.
func (e *Engine) rSendInactivityEvent(t *Transaction) {
	e.reporter.Event(EventInactivityTimerExpired, SeverityError, "inactivity timer expired",
		"txn", t.key, "sub", t.sub.String(), "received", t.recvBytes)
}

// r2NakTimerExpired drives the NAK retry cycle: if gaps remain when the
// response window closes, spend one retry and ask again.
func (e *Engine) r2NakTimerExpired(t *Transaction) {
	if t.flags.mdRecv && t.coverageComplete() {
		// The gaps filled without us noticing a completion trigger.
		e.r2Complete(t, false)
		return
	}
	if t.nakRetries >= e.chanCfg(t).NakLimit {
		e.reporter.Event(EventNakLimitReached, SeverityError, "NAK limit reached",
			"txn", t.key, "received", t.recvBytes)
		e.rFault(t, StatusNakLimitReached)
		return
	}
	t.nakRetries++
	t.flags.sendNak = true
}

// r2FinAckTimerExpired re-sends FIN until acknowledged or out of
// retries.
func (e *Engine) r2FinAckTimerExpired(t *Transaction) {
	if t.ackRetries >= e.chanCfg(t).AckLimit {
		e.reporter.Event(EventAckLimitReached, SeverityError, "ACK limit reached waiting for FIN-ACK",
			"txn", t.key, "retries", t.ackRetries)
		t.setStatus(StatusAckLimitReached)
		e.forceComplete(t)
		return
	}
	t.ackRetries++
	if !e.r2SendFin(t) {
		t.flags.sendFin = true
	}
	e.armAck(t)
}

// ---------------------------------------------------------------------
// PDU builders
// ---------------------------------------------------------------------

// rxResponseHeader mirrors the transaction's negotiated header fields
// into a response PDU flowing back toward the sender.
func (e *Engine) rxResponseHeader(t *Transaction, kind cfdp.PduType) cfdp.Header {
	mode := cfdp.ModeAcknowledged
	if t.role == RoleR1 {
		mode = cfdp.ModeUnacknowledged
	}
	return cfdp.Header{
		Version:   cfdpVersion,
		Type:      kind,
		Direction: cfdp.TowardSender,
		Mode:      mode,
		LargeFile: t.largeFile,
		EIDLength: t.eidLen,
		SeqLength: t.seqLen,
		SourceEID: t.key.Source,
		DestEID:   t.destEID,
		Seq:       t.key.Seq,
	}
}

// r2QueueEofAck queues the acknowledgment of a received EOF, echoing
// the EOF's condition code.
func (e *Engine) r2QueueEofAck(t *Transaction, class outClass) bool {
	status := cfdp.AckTxnActive
	if t.sub == SubComplete || t.state == StateFinished {
		status = cfdp.AckTxnTerminated
	}
	ok := e.queueTxnPdu(t, class, &cfdp.PDU{
		Header:    e.rxResponseHeader(t, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveAck,
		Ack: &cfdp.Ack{
			AckDirective: cfdp.DirectiveEOF,
			Condition:    t.eofCC,
			TxnStatus:    status,
		},
	})
	if !ok {
		t.flags.sendAck = true
	}
	return ok
}

// r2SendNak builds and queues a NAK. Without metadata the degenerate
// scope-(0,0) NAK asks for the metadata PDU itself; otherwise the gap
// list comes straight from the chunk tracker.
func (e *Engine) r2SendNak(t *Transaction) bool {
	nak := &cfdp.Nak{}

	if !t.flags.mdRecv {
		// Scope (0,0) with no segments: "send me metadata".
	} else {
		nak.ScopeStart = 0
		nak.ScopeEnd = t.fsize
		t.chunks.ComputeGaps(e.cfg.MaxGapsPerNak, t.fsize, 0, func(gap chunks.Chunk) {
			nak.Segments = append(nak.Segments, cfdp.Segment{
				Start: gap.Offset,
				End:   gap.Offset + gap.Size,
			})
		})
		if len(nak.Segments) == 0 {
			return true // nothing left to request
		}
	}

	ok := e.queueTxnPdu(t, outNak, &cfdp.PDU{
		Header:    e.rxResponseHeader(t, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveNak,
		Nak:       nak,
	})
	if ok {
		t.flags.fdNakSent = t.flags.fdNakSent || t.flags.mdRecv
		e.armNak(t)
	}
	return ok
}

// r2SendFin reports the final disposition of the transfer.
func (e *Engine) r2SendFin(t *Transaction) bool {
	delivery := cfdp.FinDeliveryComplete
	if !t.flags.crcOK {
		delivery = cfdp.FinDeliveryIncomplete
	}

	// The file is retained wherever it reached its destination name;
	// data still stranded in a tempfile is discarded at reap.
	fileStatus := cfdp.FinFileRetained
	if t.filePath == "" || t.tmpName != "" {
		fileStatus = cfdp.FinFileDiscarded
	}

	return e.queueTxnPdu(t, outFin, &cfdp.PDU{
		Header:    e.rxResponseHeader(t, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveFin,
		Fin: &cfdp.Fin{
			Condition:    t.status.ConditionCode(),
			DeliveryCode: delivery,
			FileStatus:   fileStatus,
		},
	})
}

// ---------------------------------------------------------------------
// Timer helpers
// ---------------------------------------------------------------------

func (e *Engine) chanCfg(t *Transaction) *ChannelConfig {
	return &e.channels[t.chanNum].cfg
}

func (e *Engine) armAck(t *Transaction) {
	t.ackTimer.InitRelSec(e.chanCfg(t).AckTimerSeconds, e.cfg.TicksPerSecond)
}

func (e *Engine) armNak(t *Transaction) {
	t.nakTimer.InitRelSec(e.chanCfg(t).NakTimerSeconds, e.cfg.TicksPerSecond)
}

func (e *Engine) armInactivity(t *Transaction) {
	t.inactivityTimer.InitRelSec(e.chanCfg(t).InactivityTimerSeconds, e.cfg.TicksPerSecond)
}
