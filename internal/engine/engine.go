// Package engine implements the CFDP engine core: the transaction pool,
// per-channel queue sets, the receive state machines, and the per-wakeup
// scheduler that drives them.
//
// Concurrency model: the core is single-threaded and tick-driven. All
// protocol state changes happen inside Wakeup, which the daemon invokes
// from one goroutine at the configured tick rate. The engine mutex only
// fences the ground-command surface (which may be called from another
// goroutine) against an in-progress wakeup; there is no concurrency
// inside the core itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/cfdp/internal/protocol/cfdp"
	"github.com/marmos91/cfdp/pkg/bus"
	"github.com/marmos91/cfdp/pkg/filestore"
	"github.com/marmos91/cfdp/pkg/metrics"
)

const cfdpVersion = 1

// CFDP checksum type codes accepted in metadata. Both are computed as
// CRC-32 by this engine.
const (
	checksumTypeModular = 0
	checksumTypeCrc32   = 3
)

// Deps are the external collaborators the engine core calls through.
// Reporter, Metrics and Source may be nil.
type Deps struct {
	Bus      bus.Bus
	Files    filestore.Store
	Reporter Reporter
	Metrics  metrics.EngineMetrics
	Source   TransactionSource
}

// Engine owns the channels and the transaction pool and advances them
// once per wakeup.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	bus      bus.Bus
	files    filestore.Store
	reporter Reporter
	metrics  metrics.EngineMetrics
	source   TransactionSource

	pool     *Pool
	channels []*Channel

	// crcBuf is the reusable read buffer for the checksum cycle, sized
	// to the whole per-wakeup budget so steady state never allocates.
	crcBuf []byte

	seqNum  cfdp.TransactionSeq // next sequence number for send transactions
	enabled bool
	ticks   uint64
}

// New validates the configuration and builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()

	if cfg.TicksPerSecond == 0 {
		return nil, errors.New("engine: ticks_per_second must be positive")
	}
	if cfg.RxCRCCalcBytesPerWakeup == 0 || cfg.RxCRCCalcBytesPerWakeup%1024 != 0 {
		return nil, fmt.Errorf("engine: rx_crc_calc_bytes_per_wakeup must be a positive multiple of 1024, got %d",
			cfg.RxCRCCalcBytesPerWakeup)
	}
	if cfg.OutgoingFileChunkSize > DefaultPduBufferCap {
		return nil, fmt.Errorf("engine: outgoing_file_chunk_size %d exceeds PDU buffer capacity %d",
			cfg.OutgoingFileChunkSize, DefaultPduBufferCap)
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("engine: at least one channel is required")
	}
	if deps.Bus == nil || deps.Files == nil {
		return nil, errors.New("engine: bus and filestore are required")
	}
	if deps.Reporter == nil {
		deps.Reporter = LogReporter{}
	}

	e := &Engine{
		cfg:      cfg,
		bus:      deps.Bus,
		files:    deps.Files,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		source:   deps.Source,
		pool:     NewPool(cfg.PoolSize, cfg.MaxChunksPerTransaction),
		crcBuf:   make([]byte, cfg.RxCRCCalcBytesPerWakeup),
		seqNum:   1,
		enabled:  true,
	}

	for i, chCfg := range cfg.Channels {
		sem := deps.Bus.Semaphore(chCfg.ThrottleSemName)
		ch := newChannel(uint8(i), chCfg, cfg.PoolSize, cfg.HistorySizePerChannel, sem)
		for pi := range ch.polls {
			ch.polls[pi].interval.InitRelSec(ch.polls[pi].cfg.IntervalSeconds, cfg.TicksPerSecond)
		}
		e.channels = append(e.channels, ch)
	}
	return e, nil
}

// Run drives Wakeup at the configured tick rate until the context is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(e.cfg.TicksPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.Wakeup()
		}
	}
}

// Wakeup advances the engine by one tick: drain inbound messages, run
// transaction ticks and the checksum budget, emit outbound PDUs, then
// reap finished transactions into history.
func (e *Engine) Wakeup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}
	e.ticks++

	for _, ch := range e.channels {
		if ch.enabled {
			e.receive(ch)
		} else {
			e.drainDisabled(ch)
		}
	}
	for _, ch := range e.channels {
		if ch.enabled {
			e.pollDirectories(ch)
			e.tickChannel(ch)
		}
	}
	for _, ch := range e.channels {
		if ch.enabled {
			e.transmit(ch)
		}
	}
	for _, ch := range e.channels {
		e.reap(ch)
	}
}

// Ticks returns the number of wakeups processed.
func (e *Engine) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Shutdown closes every open file and returns all transactions to the
// pool. In-flight transfers are lost by design; the engine keeps no
// persistent state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.channels {
		e.resetChannel(ch, false)
	}
	e.enabled = false
}

// ---------------------------------------------------------------------
// Receive phase
// ---------------------------------------------------------------------

func (e *Engine) receive(ch *Channel) {
	for i := 0; i < ch.cfg.RxMaxMessagesPerWakeup; i++ {
		msg, ok := e.bus.Recv(ch.cfg.InputMID)
		if !ok {
			return
		}
		pdu, err := cfdp.Decode(msg)
		if err != nil {
			e.reporter.Event(EventPduDecodeFailed, SeverityError, "PDU decode failed",
				"channel", ch.num, "error", err)
			e.dropPdu(ch, "decode")
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordPduReceived(int(ch.num), pdu.Kind())
		}
		e.dispatch(ch, pdu)
	}
}

// drainDisabled discards the inbound traffic of a disabled channel so
// the pipe cannot back up and replay stale PDUs on re-enable.
func (e *Engine) drainDisabled(ch *Channel) {
	for i := 0; i < ch.cfg.RxMaxMessagesPerWakeup; i++ {
		if _, ok := e.bus.Recv(ch.cfg.InputMID); !ok {
			return
		}
		e.dropPdu(ch, "channel-disabled")
	}
}

func (e *Engine) dropPdu(ch *Channel, reason string) {
	if e.metrics != nil {
		e.metrics.RecordPduDropped(int(ch.num), reason)
	}
}

// dispatch routes a decoded PDU to its transaction, allocating one on
// first sight of an unknown receive key.
func (e *Engine) dispatch(ch *Channel, p *cfdp.PDU) {
	h := &p.Header

	// Address check: toward-receiver traffic must be for the local
	// entity; toward-sender traffic must answer a transaction the local
	// entity originated.
	local := e.cfg.LocalEID
	if (h.Direction == cfdp.TowardReceiver && h.DestEID != local) ||
		(h.Direction == cfdp.TowardSender && h.SourceEID != local) {
		e.reporter.Event(EventPduDropped, SeverityDebug, "PDU for another entity",
			"channel", ch.num, "src", h.SourceEID, "dst", h.DestEID)
		e.dropPdu(ch, "mismatch")
		return
	}

	key := h.TransactionID()
	if t := e.findTransaction(ch, key); t != nil {
		if !t.role.IsReceive() {
			// Send-side protocol handling lives outside this engine;
			// pending playback records just hold the queue slot.
			e.reporter.Event(EventPduDropped, SeverityDebug, "PDU for send transaction ignored",
				"channel", ch.num, "txn", key)
			e.dropPdu(ch, "no-transaction")
			return
		}
		e.rxRecv(t, p)
		return
	}

	if h.Direction != cfdp.TowardReceiver {
		e.dropPdu(ch, "no-transaction")
		return
	}

	// A re-sent EOF for a transaction already reaped to history means
	// the final exchange was lost on the wire; acknowledge again from
	// the history record without reviving anything.
	if p.EOF != nil && ch.hist.contains(key) {
		e.queueChannelPdu(ch, outResponse, "ACK", &cfdp.PDU{
			Header: cfdp.Header{
				Version:   cfdpVersion,
				Type:      cfdp.TypeFileDirective,
				Direction: cfdp.TowardSender,
				Mode:      h.Mode,
				LargeFile: h.LargeFile,
				EIDLength: h.EIDLength,
				SeqLength: h.SeqLength,
				SourceEID: h.SourceEID,
				DestEID:   h.DestEID,
				Seq:       h.Seq,
			},
			Directive: cfdp.DirectiveAck,
			Ack: &cfdp.Ack{
				AckDirective: cfdp.DirectiveEOF,
				Condition:    p.EOF.Condition,
				TxnStatus:    cfdp.AckTxnTerminated,
			},
		})
		return
	}

	if p.Metadata == nil && p.FileData == nil && p.EOF == nil {
		e.reporter.Event(EventPduDropped, SeverityDebug, "PDU for unknown transaction",
			"channel", ch.num, "txn", key, "kind", p.Kind())
		e.dropPdu(ch, "no-transaction")
		return
	}

	t := e.startRxTransaction(ch, p)
	if t == nil {
		return
	}
	e.rxRecv(t, p)
}

// startRxTransaction allocates a pool slot for the first PDU of an
// unseen receive transaction.
func (e *Engine) startRxTransaction(ch *Channel, p *cfdp.PDU) *Transaction {
	h := &p.Header

	t := e.pool.Alloc()
	if t == nil {
		e.reporter.Event(EventPoolExhausted, SeverityError, "transaction pool exhausted, dropping PDU",
			"channel", ch.num, "txn", h.TransactionID())
		e.dropPdu(ch, "pool-exhausted")
		return nil
	}

	t.key = h.TransactionID()
	t.peerEID = h.SourceEID
	t.destEID = h.DestEID
	t.chanNum = ch.num
	t.eidLen = h.EIDLength
	t.seqLen = h.SeqLength
	t.largeFile = h.LargeFile
	t.state = StateActive
	t.sub = SubWaitMD
	t.status = StatusUndefined

	if h.Mode == cfdp.ModeUnacknowledged {
		t.role = RoleR1
	} else {
		t.role = RoleR2
	}

	ch.rxa.push(t.slot)
	e.armInactivity(t)

	e.reporter.Event(EventTransactionStarted, SeverityInfo, "receive transaction started",
		"channel", ch.num, "txn", t.key, "role", t.role.String())
	e.updateActiveGauge(ch)
	return t
}

// findTransaction looks a key up across the channel queues. The active
// receive queue is searched first because most traffic is file data.
func (e *Engine) findTransaction(ch *Channel, key cfdp.TransactionID) *Transaction {
	for _, q := range []*txnQueue{ch.rxa, ch.pend, ch.txa} {
		for _, slot := range q.slots {
			t := e.pool.Get(slot)
			if t.key == key {
				return t
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Tick phase
// ---------------------------------------------------------------------

func (e *Engine) tickChannel(ch *Channel) {
	// Rotate the starting transaction so a busy head of the queue can
	// never starve the tail of its turn to emit.
	order := ch.rotated()
	ch.cursor++

	for _, slot := range order {
		t := e.pool.Get(slot)
		if t.role.IsReceive() {
			e.rxTick(t)
		}
	}

	e.crcCycle(ch)

	// The checksum cycle may have decided dispositions; emit those FINs
	// in the same wakeup.
	for _, slot := range order {
		t := e.pool.Get(slot)
		e.rxTickEmit(t)
	}
}

// crcCycle spends the per-wakeup checksum byte budget, split evenly
// across every transaction with verification in progress, in rotation
// order.
func (e *Engine) crcCycle(ch *Channel) {
	var eligible []*Transaction
	for _, slot := range ch.rotated() {
		t := e.pool.Get(slot)
		if t.role == RoleR2 && t.flags.crcStarted && !t.flags.crcDone && !t.flags.suspended && t.sub != SubComplete {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return
	}

	share := e.cfg.RxCRCCalcBytesPerWakeup / uint32(len(eligible))
	if share == 0 {
		share = 1
	}
	for _, t := range eligible {
		e.crcConsume(t, uint64(share))
	}
}

// crcConsume reads up to budget file bytes into the running digest,
// finishing the verification once the whole file has been fed.
func (e *Engine) crcConsume(t *Transaction, budget uint64) {
	for budget > 0 && t.crcBytes < t.fsize {
		n := budget
		if left := t.fsize - t.crcBytes; left < n {
			n = left
		}
		buf := e.crcBuf[:n]
		read, err := t.fd.ReadAt(buf, int64(t.crcBytes))
		if read > 0 {
			t.crcDigest.Write(buf[:read])
			t.crcBytes += uint64(read)
			budget -= uint64(read)
			if e.metrics != nil {
				e.metrics.RecordCrcBytes(int(t.chanNum), read)
			}
		}
		if err != nil && read == 0 {
			e.reporter.Event(EventFileReadFailed, SeverityError, "checksum read failed",
				"txn", t.key, "offset", t.crcBytes, "error", err)
			e.rFault(t, StatusFilestoreRejection)
			return
		}
	}
	if t.crcBytes >= t.fsize {
		e.r2FinishCrc(t)
	}
}

// rxTickEmit retries any flag the tick pass left set, either because
// the outbound queue was full or because the checksum cycle decided a
// disposition after the tick pass ran.
func (e *Engine) rxTickEmit(t *Transaction) {
	if !t.role.IsReceive() || t.sub == SubComplete || t.flags.suspended {
		return
	}
	if t.flags.sendAck && e.r2QueueEofAck(t, outTick) {
		t.flags.sendAck = false
	}
	if t.flags.sendNak && e.r2SendNak(t) {
		t.flags.sendNak = false
	}
	if t.flags.sendFin && e.r2SendFin(t) {
		t.flags.sendFin = false
		t.sub = SubWaitFinAck
		e.armAck(t)
	}
}

// ---------------------------------------------------------------------
// Transmit phase
// ---------------------------------------------------------------------

// transmit drains the outbound queue in class order, bounded by the
// per-wakeup message budget and the transport throttle.
func (e *Engine) transmit(ch *Channel) {
	for sent := 0; sent < ch.cfg.MaxOutgoingMessagesPerWakeup; sent++ {
		if ch.out.size() == 0 {
			return
		}
		if !ch.sem.TryAcquire() {
			return
		}
		p, _ := ch.out.pop()
		if err := e.bus.Send(ch.cfg.OutputMID, p.data); err != nil {
			e.reporter.Event(EventPduDropped, SeverityError, "bus send failed",
				"channel", ch.num, "kind", p.kind, "error", err)
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordPduSent(int(ch.num), p.kind)
		}
	}
}

// queueTxnPdu encodes and queues one PDU produced by a transaction.
func (e *Engine) queueTxnPdu(t *Transaction, class outClass, p *cfdp.PDU) bool {
	return e.queueChannelPdu(e.channels[t.chanNum], class, p.Kind(), p)
}

func (e *Engine) queueChannelPdu(ch *Channel, class outClass, kind string, p *cfdp.PDU) bool {
	data, err := cfdp.Encode(p)
	if err != nil {
		e.reporter.Event(EventPduDropped, SeverityError, "PDU encode failed",
			"channel", ch.num, "kind", kind, "error", err)
		return false
	}
	if !ch.out.push(class, kind, data) {
		e.reporter.Event(EventOutputQueueFull, SeverityError, "outbound queue full",
			"channel", ch.num, "kind", kind)
		return false
	}
	return true
}

// ---------------------------------------------------------------------
// Reap phase
// ---------------------------------------------------------------------

// reap moves finished transactions to history and returns their slots
// to the pool.
func (e *Engine) reap(ch *Channel) {
	for _, q := range []*txnQueue{ch.rxa, ch.pend, ch.txa} {
		for _, slot := range append([]int(nil), q.slots...) {
			t := e.pool.Get(slot)
			if t.sub != SubComplete && t.state != StateFinished {
				continue
			}
			e.finalize(ch, q, t)
		}
	}
	e.updateActiveGauge(ch)
}

// finalize closes out one transaction: files released, tempfile
// leftovers discarded, history recorded, slot freed.
func (e *Engine) finalize(ch *Channel, q *txnQueue, t *Transaction) {
	if t.fd != nil {
		_ = t.fd.Close()
		t.fd = nil
	}
	if t.tmpName != "" {
		// Data still stranded under a temporary name never became a
		// delivered file.
		_ = e.files.Remove(t.tmpName)
	}

	status := t.status
	if status == StatusUndefined {
		status = StatusNoError
	}

	dir := DirectionRx
	if !t.role.IsReceive() {
		dir = DirectionTx
	}
	ch.hist.push(HistoryEntry{
		Key:       t.key,
		PeerEID:   t.peerEID,
		Direction: dir,
		Status:    status,
		SrcName:   t.srcName,
		DstName:   t.dstName,
	})

	e.reporter.Event(EventTransactionComplete, SeverityInfo, "transaction complete",
		"channel", ch.num, "txn", t.key, "status", status.String())
	if e.metrics != nil {
		e.metrics.RecordTransactionComplete(int(ch.num), status.String())
	}

	q.remove(t.slot)
	e.pool.Free(t)
}

func (e *Engine) updateActiveGauge(ch *Channel) {
	if e.metrics != nil {
		e.metrics.SetActiveTransactions(int(ch.num), ch.activeCount())
	}
}

// resetChannel force-finishes everything on a channel. Used by channel
// disable and engine shutdown.
func (e *Engine) resetChannel(ch *Channel, keepHistory bool) {
	for _, q := range []*txnQueue{ch.rxa, ch.pend, ch.txa} {
		for _, slot := range append([]int(nil), q.slots...) {
			t := e.pool.Get(slot)
			t.setStatus(StatusCancelRequestReceived)
			e.forceComplete(t)
			e.finalize(ch, q, t)
		}
	}
	if !keepHistory {
		ch.hist.reset()
	}
}
