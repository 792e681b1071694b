package engine

import (
	"github.com/marmos91/cfdp/internal/chunks"
	"github.com/marmos91/cfdp/internal/clock"
	"github.com/marmos91/cfdp/internal/crc"
	"github.com/marmos91/cfdp/internal/protocol/cfdp"
	"github.com/marmos91/cfdp/pkg/filestore"
)

// Role fixes what a transaction does for its whole lifetime. It is
// assigned at allocation and never changes.
type Role uint8

const (
	RoleNone Role = iota
	RoleR1        // class 1 receive (unacknowledged)
	RoleR2        // class 2 receive (acknowledged, NAK + FIN handshake)
	RoleS1        // class 1 send
	RoleS2        // class 2 send
)

func (r Role) String() string {
	switch r {
	case RoleR1:
		return "R1"
	case RoleR2:
		return "R2"
	case RoleS1:
		return "S1"
	case RoleS2:
		return "S2"
	default:
		return "NONE"
	}
}

// IsReceive reports whether the role is a receive role.
func (r Role) IsReceive() bool {
	return r == RoleR1 || r == RoleR2
}

// MajorState is the coarse lifecycle state of a transaction.
type MajorState uint8

const (
	StateIdle MajorState = iota
	StateActive
	StateDropOnError // class 1 fault: discard further PDUs until reaped
	StateFinished
)

// RxSubState sequences a receive transaction through the protocol.
type RxSubState uint8

const (
	SubWaitMD RxSubState = iota
	SubRecvFileData
	SubWaitEOF    // EOF seen; evaluating coverage / running checksum
	SubSendNak    // EOF seen with gaps; NAK cycle in progress
	SubSendFin    // disposition decided; FIN queued
	SubWaitFinAck // FIN sent; awaiting acknowledgment
	SubComplete
)

func (s RxSubState) String() string {
	switch s {
	case SubWaitMD:
		return "WAIT_MD"
	case SubRecvFileData:
		return "RECV_FILEDATA"
	case SubWaitEOF:
		return "WAIT_EOF"
	case SubSendNak:
		return "SEND_NAK"
	case SubSendFin:
		return "SEND_FIN"
	case SubWaitFinAck:
		return "WAIT_FIN_ACK"
	case SubComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// rxFlags are the per-transaction latches checked during tick
// processing.
type rxFlags struct {
	mdRecv  bool
	eofRecv bool
	crcOK   bool

	sendAck bool // EOF-ACK could not be queued during receive; retry on tick
	sendNak bool
	sendFin bool

	crcStarted      bool // checksum verification pass is in progress or done
	crcDone         bool
	fdNakSent       bool // at least one file-data NAK has gone out
	inactivityFired bool
	canceled        bool
	suspended       bool
}

// Transaction is one pooled transfer record. Slots are fixed at engine
// construction; the pool scrubs them on free.
type Transaction struct {
	slot int

	key     cfdp.TransactionID
	peerEID cfdp.EntityID
	destEID cfdp.EntityID

	role  Role
	state MajorState
	sub   RxSubState
	flags rxFlags

	ackTimer        clock.Timer
	nakTimer        clock.Timer
	inactivityTimer clock.Timer

	ackRetries uint8
	nakRetries uint8

	// fsize is the expected file size; valid once sizeKnown is set
	// (from metadata or EOF).
	fsize     uint64
	sizeKnown bool

	// recvBytes mirrors the chunk list's total coverage.
	recvBytes uint64

	crcExpected uint32
	crcDigest   crc.Digest
	crcBytes    uint64 // file bytes fed to the digest so far

	chunks *chunks.List

	fd       filestore.File
	srcName  string
	dstName  string
	tmpName  string // non-empty while writing to a tempfile (metadata not yet seen)
	filePath string // where fd currently lives on disk

	status TxnStatus
	eofCC  cfdp.ConditionCode // condition from the received EOF, echoed in the ACK

	chanNum  uint8
	priority uint8

	// Encoded widths from the first PDU of the transaction, mirrored in
	// every response.
	eidLen    uint8
	seqLen    uint8
	largeFile bool
}

// Key returns the transfer identifier.
func (t *Transaction) Key() cfdp.TransactionID {
	return t.key
}

// Status returns the currently latched status.
func (t *Transaction) Status() TxnStatus {
	return t.status
}

// setStatus latches a status code. The first error wins; later faults
// never overwrite it.
func (t *Transaction) setStatus(s TxnStatus) {
	if t.status == StatusUndefined || t.status == StatusNoError {
		t.status = s
	}
}

// scrub resets the record to its freelist state, retaining the slot
// number and the embedded chunk list storage.
func (t *Transaction) scrub() {
	slot := t.slot
	ch := t.chunks
	*t = Transaction{slot: slot, chunks: ch, status: StatusUndefined}
	if ch != nil {
		ch.Reset()
	}
}

// coverageComplete reports whether every byte of the expected file size
// has been received. A zero-length file is complete by definition once
// the size is known.
func (t *Transaction) coverageComplete() bool {
	if !t.sizeKnown {
		return false
	}
	if t.fsize == 0 {
		return true
	}
	return t.chunks.IsCovered(t.fsize)
}
