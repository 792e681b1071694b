package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cfdp/internal/crc"
	"github.com/marmos91/cfdp/internal/protocol/cfdp"
	"github.com/marmos91/cfdp/pkg/bus"
	"github.com/marmos91/cfdp/pkg/filestore"
)

const (
	testLocalEID = cfdp.EntityID(25)
	testPeerEID  = cfdp.EntityID(23)
	testInMID    = uint32(0x1820)
	testOutMID   = uint32(0x0820)
)

type rig struct {
	t   *testing.T
	e   *Engine
	bus *bus.Memory
	fs  *filestore.Memory
}

func testConfig() Config {
	return Config{
		TicksPerSecond:          10,
		RxCRCCalcBytesPerWakeup: 1024,
		LocalEID:                testLocalEID,
		TmpDir:                  "/tmp",
		PoolSize:                4,
		HistorySizePerChannel:   8,
		MaxChunksPerTransaction: 8,
		Channels: []ChannelConfig{{
			MaxOutgoingMessagesPerWakeup: 8,
			RxMaxMessagesPerWakeup:       8,
			AckTimerSeconds:              1,
			NakTimerSeconds:              1,
			InactivityTimerSeconds:       3,
			AckLimit:                     2,
			NakLimit:                     2,
			InputMID:                     testInMID,
			OutputMID:                    testOutMID,
			ThrottleSemName:              "cfdp_chan0",
		}},
	}
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b := bus.NewMemory(64)
	fs := filestore.NewMemory()
	e, err := New(cfg, Deps{Bus: b, Files: fs})
	require.NoError(t, err)
	return &rig{t: t, e: e, bus: b, fs: fs}
}

// deliver encodes a PDU and queues it on the channel input.
func (r *rig) deliver(p *cfdp.PDU) {
	r.t.Helper()
	data, err := cfdp.Encode(p)
	require.NoError(r.t, err)
	require.NoError(r.t, r.bus.Send(testInMID, data))
}

// drain decodes every PDU the engine emitted since the last call.
func (r *rig) drain() []*cfdp.PDU {
	r.t.Helper()
	var out []*cfdp.PDU
	for {
		msg, ok := r.bus.Recv(testOutMID)
		if !ok {
			return out
		}
		p, err := cfdp.Decode(msg)
		require.NoError(r.t, err)
		out = append(out, p)
	}
}

func (r *rig) wakeups(n int) {
	for i := 0; i < n; i++ {
		r.e.Wakeup()
	}
}

// checkPoolPartition asserts that the freelist plus the channel queues
// account for every pool slot.
func (r *rig) checkPoolPartition() {
	r.t.Helper()
	queued := 0
	for _, ch := range r.e.channels {
		queued += ch.activeCount()
	}
	require.Equal(r.t, r.e.pool.Capacity(), r.e.pool.FreeCount()+queued,
		"freelist and queues must partition the pool")
}

func (r *rig) history() []HistoryEntry {
	r.t.Helper()
	h, err := r.e.History(0)
	require.NoError(r.t, err)
	return h
}

// ---------------------------------------------------------------------
// PDU builders for the simulated sender
// ---------------------------------------------------------------------

func senderHeader(seq cfdp.TransactionSeq, mode cfdp.TransmissionMode, kind cfdp.PduType) cfdp.Header {
	return cfdp.Header{
		Version:   1,
		Type:      kind,
		Direction: cfdp.TowardReceiver,
		Mode:      mode,
		SourceEID: testPeerEID,
		DestEID:   testLocalEID,
		Seq:       seq,
	}
}

func mdPdu(seq cfdp.TransactionSeq, mode cfdp.TransmissionMode, size uint64, src, dst string) *cfdp.PDU {
	return &cfdp.PDU{
		Header:    senderHeader(seq, mode, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveMetadata,
		Metadata:  &cfdp.Metadata{Size: size, SourceFilename: src, DestFilename: dst},
	}
}

func fdPdu(seq cfdp.TransactionSeq, mode cfdp.TransmissionMode, off uint64, data string) *cfdp.PDU {
	return &cfdp.PDU{
		Header:   senderHeader(seq, mode, cfdp.TypeFileData),
		FileData: &cfdp.FileData{Offset: off, Data: []byte(data)},
	}
}

func eofPdu(seq cfdp.TransactionSeq, mode cfdp.TransmissionMode, size uint64, checksum uint32) *cfdp.PDU {
	return &cfdp.PDU{
		Header:    senderHeader(seq, mode, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveEOF,
		EOF:       &cfdp.EOF{Condition: cfdp.CondNoError, Checksum: checksum, Size: size},
	}
}

func finAckPdu(seq cfdp.TransactionSeq) *cfdp.PDU {
	return &cfdp.PDU{
		Header:    senderHeader(seq, cfdp.ModeAcknowledged, cfdp.TypeFileDirective),
		Directive: cfdp.DirectiveAck,
		Ack:       &cfdp.Ack{AckDirective: cfdp.DirectiveFin, Condition: cfdp.CondNoError, TxnStatus: cfdp.AckTxnTerminated},
	}
}

func findKind(pdus []*cfdp.PDU, kind string) *cfdp.PDU {
	for _, p := range pdus {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------

func TestCleanClass1Transfer(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(7, cfdp.ModeUnacknowledged, 3, "a", "a"))
	r.deliver(fdPdu(7, cfdp.ModeUnacknowledged, 0, "xyz"))
	r.deliver(eofPdu(7, cfdp.ModeUnacknowledged, 3, crc.Checksum([]byte("xyz"))))
	r.wakeups(2)

	assert.Equal(t, []byte("xyz"), r.fs.Contents("a"))
	assert.Empty(t, r.drain(), "class 1 receive must stay silent")

	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusNoError, hist[0].Status)
	assert.Equal(t, DirectionRx, hist[0].Direction)
	r.checkPoolPartition()
}

func TestClass2TransferWithGap(t *testing.T) {
	r := newRig(t, nil)
	full := "0123456789"

	r.deliver(mdPdu(8, cfdp.ModeAcknowledged, 10, "b", "b"))
	r.deliver(fdPdu(8, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(8, cfdp.ModeAcknowledged, 10, crc.Checksum([]byte(full))))
	r.wakeups(1)

	out := r.drain()
	ack := findKind(out, "ACK")
	require.NotNil(t, ack, "EOF must be acknowledged")
	assert.Equal(t, cfdp.DirectiveEOF, ack.Ack.AckDirective)

	nak := findKind(out, "NAK")
	require.NotNil(t, nak, "gap must trigger a NAK")
	assert.Equal(t, uint64(10), nak.Nak.ScopeEnd)
	require.Equal(t, []cfdp.Segment{{Start: 5, End: 10}}, nak.Nak.Segments)

	// Fill the gap; completion runs the checksum and produces FIN.
	r.deliver(fdPdu(8, cfdp.ModeAcknowledged, 5, "56789"))
	r.wakeups(2)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin, "covered and verified file must produce FIN")
	assert.Equal(t, cfdp.CondNoError, fin.Fin.Condition)
	assert.Equal(t, cfdp.FinDeliveryComplete, fin.Fin.DeliveryCode)
	assert.Equal(t, cfdp.FinFileRetained, fin.Fin.FileStatus)
	assert.Equal(t, []byte(full), r.fs.Contents("b"))

	// FIN-ACK retires the transaction into history.
	r.deliver(finAckPdu(8))
	r.wakeups(1)

	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusNoError, hist[0].Status)
	r.checkPoolPartition()
}

func TestClass2MissingMetadata(t *testing.T) {
	r := newRig(t, nil)

	// File data with no metadata: engine must open a tempfile and ask
	// for the metadata with a degenerate NAK.
	r.deliver(fdPdu(9, cfdp.ModeAcknowledged, 0, "01234"))
	r.wakeups(1)

	nak := findKind(r.drain(), "NAK")
	require.NotNil(t, nak)
	assert.Zero(t, nak.Nak.ScopeStart)
	assert.Zero(t, nak.Nak.ScopeEnd)
	assert.Empty(t, nak.Nak.Segments, "metadata-request NAK carries no segments")

	// Data landed in a tempfile for now.
	assert.False(t, r.fs.Exists("b2"))

	// Metadata arrives: tempfile moves to its real destination.
	r.deliver(mdPdu(9, cfdp.ModeAcknowledged, 10, "b2", "b2"))
	r.wakeups(1)
	require.True(t, r.fs.Exists("b2"))
	assert.Equal(t, []byte("01234"), r.fs.Contents("b2"))
}

func TestMetadataAfterDataMatchesMetadataFirst(t *testing.T) {
	// The on-disk result must not depend on whether metadata won the
	// race with file data.
	content := "0123456789"
	sum := crc.Checksum([]byte(content))

	run := func(mdFirst bool) []byte {
		r := newRig(t, nil)
		md := mdPdu(5, cfdp.ModeAcknowledged, 10, "f", "f")
		fd1 := fdPdu(5, cfdp.ModeAcknowledged, 0, "01234")
		fd2 := fdPdu(5, cfdp.ModeAcknowledged, 5, "56789")
		if mdFirst {
			r.deliver(md)
			r.deliver(fd1)
			r.deliver(fd2)
		} else {
			r.deliver(fd1)
			r.deliver(fd2)
			r.deliver(md)
		}
		r.deliver(eofPdu(5, cfdp.ModeAcknowledged, 10, sum))
		r.wakeups(3)
		return r.fs.Contents("f")
	}

	first := run(true)
	second := run(false)
	assert.Equal(t, []byte(content), first)
	assert.Equal(t, first, second)
}

func TestChecksumMismatchLatchesFailure(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(3, cfdp.ModeAcknowledged, 4, "c", "c"))
	r.deliver(fdPdu(3, cfdp.ModeAcknowledged, 0, "abcd"))
	r.deliver(eofPdu(3, cfdp.ModeAcknowledged, 4, 0xDEADBEEF))
	r.wakeups(2)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin)
	assert.Equal(t, cfdp.CondFileChecksumFailure, fin.Fin.Condition)
	assert.Equal(t, cfdp.FinDeliveryIncomplete, fin.Fin.DeliveryCode)
}

func TestInactivityTimeout(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(4, cfdp.ModeAcknowledged, 100, "d", "d"))
	r.wakeups(1)

	// Silence for the full inactivity window (3 s at 10 ticks/s).
	r.wakeups(30)

	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusInactivityTimerExpired, hist[0].Status)
	r.checkPoolPartition()
}

func TestNakLimitReached(t *testing.T) {
	// Inactivity must stay out of the way; the NAK limit is under test.
	r := newRig(t, func(c *Config) { c.Channels[0].InactivityTimerSeconds = 30 })

	r.deliver(mdPdu(6, cfdp.ModeAcknowledged, 10, "e", "e"))
	r.deliver(fdPdu(6, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(6, cfdp.ModeAcknowledged, 10, 0x12345678))
	r.wakeups(1)
	require.NotNil(t, findKind(r.drain(), "NAK"))

	// Each NAK timer expiry (1 s = 10 ticks) burns one retry; after
	// nak_limit+1 windows with no data the transaction faults.
	r.wakeups(35)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin, "NAK exhaustion still owes the sender a FIN")
	assert.Equal(t, cfdp.CondNakLimitReached, fin.Fin.Condition)

	// Keep ignoring it; the FIN-ACK wait gives up too and the failure
	// reaches history.
	r.wakeups(40)
	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusNakLimitReached, hist[0].Status)
}

func TestNakRetriesResetOnCoverageProgress(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(6, cfdp.ModeAcknowledged, 10, "e", "e"))
	r.deliver(fdPdu(6, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(6, cfdp.ModeAcknowledged, 10, 0x12345678))
	r.wakeups(12) // first NAK + one timer expiry

	tx := r.e.findTransaction(r.e.channels[0], cfdp.TransactionID{Source: testPeerEID, Seq: 6})
	require.NotNil(t, tx)
	require.NotZero(t, tx.nakRetries)

	// New coverage arrives: the retry budget resets.
	r.deliver(fdPdu(6, cfdp.ModeAcknowledged, 5, "567"))
	r.wakeups(1)
	assert.Zero(t, tx.nakRetries)

	// A pure duplicate does not.
	r.wakeups(11)
	require.NotZero(t, tx.nakRetries)
	retries := tx.nakRetries
	r.deliver(fdPdu(6, cfdp.ModeAcknowledged, 0, "01234"))
	r.wakeups(1)
	assert.Equal(t, retries, tx.nakRetries)
}

func TestCancelDuringReceive(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(2, cfdp.ModeAcknowledged, 10, "g", "g"))
	r.deliver(fdPdu(2, cfdp.ModeAcknowledged, 0, "01234"))
	r.wakeups(1)

	key := cfdp.TransactionID{Source: testPeerEID, Seq: 2}
	require.NoError(t, r.e.CancelTxn(key))
	r.wakeups(1)

	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCancelRequestReceived, hist[0].Status)
	r.checkPoolPartition()
}

func TestDuplicateFileDataIsIdempotent(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(11, cfdp.ModeAcknowledged, 10, "h", "h"))
	r.deliver(fdPdu(11, cfdp.ModeAcknowledged, 0, "01234"))
	r.wakeups(1)

	tx := r.e.findTransaction(r.e.channels[0], cfdp.TransactionID{Source: testPeerEID, Seq: 11})
	require.NotNil(t, tx)
	covered := tx.recvBytes
	chunkCount := tx.chunks.Count()

	r.deliver(fdPdu(11, cfdp.ModeAcknowledged, 0, "01234"))
	r.wakeups(1)

	assert.Equal(t, covered, tx.recvBytes)
	assert.Equal(t, chunkCount, tx.chunks.Count())
	assert.Equal(t, []byte("01234"), r.fs.Contents("h")[:5])
}

func TestFinAckRetryExhaustion(t *testing.T) {
	// Inactivity must stay out of the way; the ACK limit is under test.
	r := newRig(t, func(c *Config) { c.Channels[0].InactivityTimerSeconds = 30 })
	content := "0123"

	r.deliver(mdPdu(12, cfdp.ModeAcknowledged, 4, "i", "i"))
	r.deliver(fdPdu(12, cfdp.ModeAcknowledged, 0, content))
	r.deliver(eofPdu(12, cfdp.ModeAcknowledged, 4, crc.Checksum([]byte(content))))
	r.wakeups(2)

	fins := 0
	if findKind(r.drain(), "FIN") != nil {
		fins++
	}

	// Never acknowledge; every ACK window (1 s) re-sends FIN until the
	// limit trips.
	for i := 0; i < 40; i++ {
		r.wakeups(1)
		if findKind(r.drain(), "FIN") != nil {
			fins++
		}
	}

	assert.Equal(t, 3, fins, "initial FIN plus ack_limit re-sends")
	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusAckLimitReached, hist[0].Status)
	assert.Equal(t, []byte(content), r.fs.Contents("i"), "delivered file survives the lost FIN-ACK")
}

func TestEofReAckAfterCompletion(t *testing.T) {
	r := newRig(t, nil)
	content := "0123"
	sum := crc.Checksum([]byte(content))

	r.deliver(mdPdu(13, cfdp.ModeAcknowledged, 4, "j", "j"))
	r.deliver(fdPdu(13, cfdp.ModeAcknowledged, 0, content))
	r.deliver(eofPdu(13, cfdp.ModeAcknowledged, 4, sum))
	r.wakeups(2)
	r.deliver(finAckPdu(13))
	r.wakeups(1)
	require.Len(t, r.history(), 1)
	r.drain()

	// The sender's EOF re-send after we already finished must be
	// re-acknowledged from history, without reviving the transaction.
	r.deliver(eofPdu(13, cfdp.ModeAcknowledged, 4, sum))
	r.wakeups(1)

	ack := findKind(r.drain(), "ACK")
	require.NotNil(t, ack)
	assert.Equal(t, cfdp.AckTxnTerminated, ack.Ack.TxnStatus)
	r.checkPoolPartition()
	assert.Equal(t, r.e.pool.Capacity(), r.e.pool.FreeCount())
}

func TestPoolExhaustion(t *testing.T) {
	r := newRig(t, func(c *Config) { c.PoolSize = 2 })

	for seq := cfdp.TransactionSeq(1); seq <= 3; seq++ {
		r.deliver(mdPdu(seq, cfdp.ModeAcknowledged, 100, "x", "x"))
	}
	r.wakeups(1)

	assert.Zero(t, r.e.pool.FreeCount())
	assert.Equal(t, 2, r.e.channels[0].rxa.len(), "third transaction must be dropped, not queued")
	r.checkPoolPartition()
}

func TestSuspendFreezesTimers(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(14, cfdp.ModeAcknowledged, 100, "k", "k"))
	r.wakeups(1)
	key := cfdp.TransactionID{Source: testPeerEID, Seq: 14}
	require.NoError(t, r.e.SuspendTxn(key))

	// Far beyond the inactivity window: a suspended transaction must
	// not time out.
	r.wakeups(100)
	assert.Empty(t, r.history())

	require.NoError(t, r.e.ResumeTxn(key))
	r.wakeups(30)
	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusInactivityTimerExpired, hist[0].Status)
}

func TestNoTransactionHasFinAndNakFlagsTogether(t *testing.T) {
	r := newRig(t, func(c *Config) { c.Channels[0].InactivityTimerSeconds = 30 })

	r.deliver(mdPdu(15, cfdp.ModeAcknowledged, 10, "l", "l"))
	r.deliver(fdPdu(15, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(15, cfdp.ModeAcknowledged, 10, 0x11111111))

	for i := 0; i < 80; i++ {
		r.wakeups(1)
		for _, ch := range r.e.channels {
			for _, slot := range ch.rxa.slots {
				tx := r.e.pool.Get(slot)
				assert.False(t, tx.flags.sendFin && tx.flags.sendNak,
					"send_fin and send_nak set together on wakeup %d", i)
				if tx.sub == SubWaitFinAck {
					assert.LessOrEqual(t, tx.ackRetries, r.e.channels[0].cfg.AckLimit)
				}
			}
		}
	}
}

func TestFileSizeMismatchBetweenMdAndEof(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(16, cfdp.ModeAcknowledged, 10, "m", "m"))
	r.deliver(fdPdu(16, cfdp.ModeAcknowledged, 0, "0123456789"))
	r.deliver(eofPdu(16, cfdp.ModeAcknowledged, 12, 0x22222222))
	r.wakeups(1)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin)
	assert.Equal(t, cfdp.CondFileSizeError, fin.Fin.Condition)
}

func TestFileDataBeyondDeclaredSize(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(17, cfdp.ModeAcknowledged, 4, "n", "n"))
	r.deliver(fdPdu(17, cfdp.ModeAcknowledged, 2, "23456789"))
	r.wakeups(1)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin)
	assert.Equal(t, cfdp.CondFileSizeError, fin.Fin.Condition)
}

func TestEofCancelFromSender(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(18, cfdp.ModeAcknowledged, 10, "o", "o"))
	eof := eofPdu(18, cfdp.ModeAcknowledged, 0, 0)
	eof.EOF.Condition = cfdp.CondCancelRequestReceived
	r.deliver(eof)
	r.wakeups(1)

	ack := findKind(r.drain(), "ACK")
	require.NotNil(t, ack, "even a cancel EOF is acknowledged")
	assert.Equal(t, cfdp.CondCancelRequestReceived, ack.Ack.Condition)

	hist := r.history()
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCancelRequestReceived, hist[0].Status)
}

func TestPromptTriggersNak(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(19, cfdp.ModeAcknowledged, 10, "p", "p"))
	r.deliver(fdPdu(19, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(19, cfdp.ModeAcknowledged, 10, 0x0BADF00D))
	r.wakeups(1)
	r.drain()

	prompt := &cfdp.PDU{
		Header:    senderHeader(19, cfdp.ModeAcknowledged, cfdp.TypeFileDirective),
		Directive: cfdp.DirectivePrompt,
		Prompt:    &cfdp.Prompt{},
	}
	r.deliver(prompt)
	r.wakeups(1)

	nak := findKind(r.drain(), "NAK")
	require.NotNil(t, nak, "prompt-NAK must elicit an immediate gap report")
	assert.Equal(t, []cfdp.Segment{{Start: 5, End: 10}}, nak.Nak.Segments)
}

func TestKeepalivePrompt(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(20, cfdp.ModeAcknowledged, 10, "q", "q"))
	r.deliver(fdPdu(20, cfdp.ModeAcknowledged, 0, "0123"))
	r.wakeups(1)
	r.drain()

	prompt := &cfdp.PDU{
		Header:    senderHeader(20, cfdp.ModeAcknowledged, cfdp.TypeFileDirective),
		Directive: cfdp.DirectivePrompt,
		Prompt:    &cfdp.Prompt{KeepaliveRequested: true},
	}
	r.deliver(prompt)
	r.wakeups(1)

	ka := findKind(r.drain(), "KEEPALIVE")
	require.NotNil(t, ka)
	assert.Equal(t, uint64(4), ka.Keepalive.Progress)
}

func TestZeroLengthFile(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(21, cfdp.ModeAcknowledged, 0, "z", "z"))
	r.deliver(eofPdu(21, cfdp.ModeAcknowledged, 0, 0))
	r.wakeups(2)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin)
	assert.Equal(t, cfdp.CondNoError, fin.Fin.Condition)
}

func TestChannelDisableResetsState(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(22, cfdp.ModeAcknowledged, 100, "r", "r"))
	r.wakeups(1)
	require.Equal(t, 1, r.e.channels[0].rxa.len())

	require.NoError(t, r.e.DisableChannel(0))
	assert.Zero(t, r.e.channels[0].rxa.len())
	assert.Equal(t, r.e.pool.Capacity(), r.e.pool.FreeCount())
	require.Len(t, r.history(), 1, "disable keeps history for the ground")

	// Disabled channels drop traffic.
	r.deliver(mdPdu(23, cfdp.ModeAcknowledged, 10, "s", "s"))
	r.wakeups(1)
	assert.Zero(t, r.e.channels[0].rxa.len())

	require.NoError(t, r.e.EnableChannel(0))
	r.deliver(mdPdu(24, cfdp.ModeAcknowledged, 10, "t", "t"))
	r.wakeups(1)
	assert.Equal(t, 1, r.e.channels[0].rxa.len())
}

func TestThrottleSemaphoreHaltsTransmission(t *testing.T) {
	r := newRig(t, nil)

	// Swap in a two-unit throttle the transport never refills.
	r.e.channels[0].sem = bus.NewCounting(2)

	r.deliver(mdPdu(25, cfdp.ModeAcknowledged, 10, "u", "u"))
	r.deliver(fdPdu(25, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(25, cfdp.ModeAcknowledged, 10, 0x33333333))
	r.wakeups(1)

	// ACK + NAK fit in the two units; every later retry must stall.
	assert.Len(t, r.drain(), 2)
	r.wakeups(30)
	assert.Empty(t, r.drain(), "exhausted throttle must halt transmission")
	assert.NotZero(t, r.e.channels[0].out.size(), "PDUs stay queued while throttled")
}

func TestGetSetParam(t *testing.T) {
	r := newRig(t, nil)

	v, err := r.e.GetParam(0, ParamNakTimerSeconds)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	require.NoError(t, r.e.SetParam(0, ParamNakTimerSeconds, 5))
	v, err = r.e.GetParam(0, ParamNakTimerSeconds)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)

	_, err = r.e.GetParam(0, "bogus")
	assert.ErrorIs(t, err, ErrUnknownParam)
	assert.ErrorIs(t, r.e.SetParam(9, ParamNakLimit, 1), ErrChannelRange)
}

func TestResetScopes(t *testing.T) {
	// Park one transaction in the NAK retry cycle and one in history.
	r := newRig(t, func(c *Config) { c.Channels[0].InactivityTimerSeconds = 30 })

	r.deliver(mdPdu(40, cfdp.ModeAcknowledged, 4, "ra", "ra"))
	r.deliver(fdPdu(40, cfdp.ModeAcknowledged, 0, "0123"))
	r.deliver(eofPdu(40, cfdp.ModeAcknowledged, 4, crc.Checksum([]byte("0123"))))
	r.wakeups(2)
	r.deliver(finAckPdu(40))
	r.wakeups(1)
	require.Len(t, r.history(), 1)

	r.deliver(mdPdu(41, cfdp.ModeAcknowledged, 10, "rb", "rb"))
	r.deliver(fdPdu(41, cfdp.ModeAcknowledged, 0, "01234"))
	r.deliver(eofPdu(41, cfdp.ModeAcknowledged, 10, 0x55555555))
	r.wakeups(12) // first NAK plus one timer expiry

	tx := r.e.findTransaction(r.e.channels[0], cfdp.TransactionID{Source: testPeerEID, Seq: 41})
	require.NotNil(t, tx)
	require.NotZero(t, tx.nakRetries)

	// Counters scope clears retries but keeps history.
	require.NoError(t, r.e.Reset(0, ResetCounters))
	assert.Zero(t, tx.nakRetries)
	assert.Zero(t, tx.ackRetries)
	assert.Len(t, r.history(), 1)

	// All scope clears history too.
	require.NoError(t, r.e.Reset(0, ResetAll))
	assert.Empty(t, r.history())

	assert.ErrorIs(t, r.e.Reset(0, ResetScope(9)), ErrUnknownParam)
	assert.ErrorIs(t, r.e.Reset(7, ResetAll), ErrChannelRange)
}

func TestCommandsOnUnknownTransaction(t *testing.T) {
	r := newRig(t, nil)
	key := cfdp.TransactionID{Source: 99, Seq: 99}
	assert.ErrorIs(t, r.e.CancelTxn(key), ErrUnknownTransaction)
	assert.ErrorIs(t, r.e.SuspendTxn(key), ErrUnknownTransaction)
	assert.ErrorIs(t, r.e.AbandonTxn(key), ErrUnknownTransaction)
	assert.NoError(t, r.e.Noop())
}

func TestPduForOtherEntityDropped(t *testing.T) {
	r := newRig(t, nil)

	p := mdPdu(26, cfdp.ModeAcknowledged, 10, "v", "v")
	p.Header.DestEID = 77 // not us
	r.deliver(p)
	r.wakeups(1)

	assert.Zero(t, r.e.channels[0].rxa.len())
	r.checkPoolPartition()
}

func TestMalformedPduDoesNotKillTransaction(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(27, cfdp.ModeAcknowledged, 10, "w", "w"))
	r.wakeups(1)
	require.Equal(t, 1, r.e.channels[0].rxa.len())

	require.NoError(t, r.bus.Send(testInMID, []byte{0xFF, 0x00}))
	r.wakeups(1)

	assert.Equal(t, 1, r.e.channels[0].rxa.len(), "garbage on the wire must not harm live transactions")
}

func TestLargeFileOffsets(t *testing.T) {
	r := newRig(t, nil)

	// 64-bit transfer: the header large-file flag must select 64-bit
	// offsets end to end. Sizes stay small so the test file is tiny.
	md := mdPdu(28, cfdp.ModeAcknowledged, 4, "lf", "lf")
	md.Header.LargeFile = true
	fd := fdPdu(28, cfdp.ModeAcknowledged, 0, "wxyz")
	fd.Header.LargeFile = true
	eof := eofPdu(28, cfdp.ModeAcknowledged, 4, crc.Checksum([]byte("wxyz")))
	eof.Header.LargeFile = true

	r.deliver(md)
	r.deliver(fd)
	r.deliver(eof)
	r.wakeups(2)

	fin := findKind(r.drain(), "FIN")
	require.NotNil(t, fin)
	assert.True(t, fin.Header.LargeFile, "responses mirror the sender's large-file flag")
	assert.Equal(t, cfdp.CondNoError, fin.Fin.Condition)
}

func TestResponseMirrorsDeclaredWidths(t *testing.T) {
	r := newRig(t, nil)

	md := mdPdu(29, cfdp.ModeAcknowledged, 10, "ww", "ww")
	md.Header.EIDLength = 4
	md.Header.SeqLength = 3
	r.deliver(md)
	r.deliver(eofPdu(29, cfdp.ModeAcknowledged, 10, 0x44444444))
	r.wakeups(1)

	ack := findKind(r.drain(), "ACK")
	require.NotNil(t, ack)
	assert.Equal(t, uint8(4), ack.Header.EIDLength)
	assert.Equal(t, uint8(3), ack.Header.SeqLength)
}

func TestTimersAdvanceOncePerWakeup(t *testing.T) {
	r := newRig(t, nil)

	r.deliver(mdPdu(30, cfdp.ModeAcknowledged, 100, "tt", "tt"))
	r.wakeups(1)

	tx := r.e.findTransaction(r.e.channels[0], cfdp.TransactionID{Source: testPeerEID, Seq: 30})
	require.NotNil(t, tx)
	before := tx.inactivityTimer.Remaining()

	r.wakeups(5)
	assert.Equal(t, before-5, tx.inactivityTimer.Remaining(),
		"each wakeup advances every timer exactly once")
}
