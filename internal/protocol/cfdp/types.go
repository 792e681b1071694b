// Package cfdp implements encoding and decoding of CCSDS 727.0-B CFDP
// protocol data units.
//
// The wire structures are translated to and from "logical" PDU records:
// native-byte-order Go structs with every bit-field exploded into its own
// member. Engine code only ever touches the logical form; this package
// owns the translation.
//
// Wire requirements preserved bit-exactly:
//   - multi-byte integers are big-endian
//   - entity IDs and sequence numbers are variable length (1-8 octets),
//     with the widths declared in the PDU header
//   - file sizes and offsets are 32- or 64-bit depending on the
//     large-file flag in the header, never a compile-time default
package cfdp

import "fmt"

// EntityID identifies a CFDP peer. The logical value is always 64-bit;
// the encoded width is carried separately in the header.
type EntityID uint64

// TransactionSeq is a CFDP transaction sequence number.
type TransactionSeq uint64

// TransactionID is the globally unique transfer identifier: the source
// entity together with the sequence number it assigned.
type TransactionID struct {
	Source EntityID
	Seq    TransactionSeq
}

func (id TransactionID) String() string {
	return fmt.Sprintf("%d:%d", id.Source, id.Seq)
}

// PduType discriminates file directive PDUs from file data PDUs.
type PduType uint8

const (
	TypeFileDirective PduType = 0
	TypeFileData      PduType = 1
)

// Direction indicates which entity the PDU travels toward.
type Direction uint8

const (
	TowardReceiver Direction = 0
	TowardSender   Direction = 1
)

// TransmissionMode selects acknowledged (class 2) or unacknowledged
// (class 1) transfer.
type TransmissionMode uint8

const (
	ModeAcknowledged   TransmissionMode = 0 // class 2
	ModeUnacknowledged TransmissionMode = 1 // class 1
)

// DirectiveCode identifies the file directive PDU kind.
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFin       DirectiveCode = 0x05
	DirectiveAck       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNak       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepalive DirectiveCode = 0x0C
)

func (d DirectiveCode) String() string {
	switch d {
	case DirectiveEOF:
		return "EOF"
	case DirectiveFin:
		return "FIN"
	case DirectiveAck:
		return "ACK"
	case DirectiveMetadata:
		return "MD"
	case DirectiveNak:
		return "NAK"
	case DirectivePrompt:
		return "PROMPT"
	case DirectiveKeepalive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("DIRECTIVE(%#02x)", uint8(d))
	}
}

// ConditionCode is the CFDP condition code carried in EOF, FIN and ACK
// PDUs.
type ConditionCode uint8

const (
	CondNoError                 ConditionCode = 0
	CondPosAckLimitReached      ConditionCode = 1
	CondKeepAliveLimitReached   ConditionCode = 2
	CondInvalidTransmissionMode ConditionCode = 3
	CondFilestoreRejection      ConditionCode = 4
	CondFileChecksumFailure     ConditionCode = 5
	CondFileSizeError           ConditionCode = 6
	CondNakLimitReached         ConditionCode = 7
	CondInactivityDetected      ConditionCode = 8
	CondInvalidFileStructure    ConditionCode = 9
	CondCheckLimitReached       ConditionCode = 10
	CondUnsupportedChecksumType ConditionCode = 11
	CondSuspendRequestReceived  ConditionCode = 14
	CondCancelRequestReceived   ConditionCode = 15
)

func (c ConditionCode) String() string {
	switch c {
	case CondNoError:
		return "NO_ERROR"
	case CondPosAckLimitReached:
		return "POS_ACK_LIMIT_REACHED"
	case CondKeepAliveLimitReached:
		return "KEEP_ALIVE_LIMIT_REACHED"
	case CondInvalidTransmissionMode:
		return "INVALID_TRANSMISSION_MODE"
	case CondFilestoreRejection:
		return "FILESTORE_REJECTION"
	case CondFileChecksumFailure:
		return "FILE_CHECKSUM_FAILURE"
	case CondFileSizeError:
		return "FILE_SIZE_ERROR"
	case CondNakLimitReached:
		return "NAK_LIMIT_REACHED"
	case CondInactivityDetected:
		return "INACTIVITY_DETECTED"
	case CondInvalidFileStructure:
		return "INVALID_FILE_STRUCTURE"
	case CondCheckLimitReached:
		return "CHECK_LIMIT_REACHED"
	case CondUnsupportedChecksumType:
		return "UNSUPPORTED_CHECKSUM_TYPE"
	case CondSuspendRequestReceived:
		return "SUSPEND_REQUEST_RECEIVED"
	case CondCancelRequestReceived:
		return "CANCEL_REQUEST_RECEIVED"
	default:
		return fmt.Sprintf("CONDITION(%d)", uint8(c))
	}
}

// AckTxnStatus is the transaction status reported inside an ACK PDU.
type AckTxnStatus uint8

const (
	AckTxnUndefined    AckTxnStatus = 0
	AckTxnActive       AckTxnStatus = 1
	AckTxnTerminated   AckTxnStatus = 2
	AckTxnUnrecognized AckTxnStatus = 3
)

// FinDeliveryCode reports whether all file data was delivered.
type FinDeliveryCode uint8

const (
	FinDeliveryComplete   FinDeliveryCode = 0
	FinDeliveryIncomplete FinDeliveryCode = 1
)

// FinFileStatus reports the disposition of the destination file.
type FinFileStatus uint8

const (
	FinFileDiscarded         FinFileStatus = 0
	FinFileDiscardedRejected FinFileStatus = 1
	FinFileRetained          FinFileStatus = 2
	FinFileUnreported        FinFileStatus = 3
)

// TLV type codes used in metadata / EOF / FIN option fields.
const (
	TlvFilestoreRequest  uint8 = 0x00
	TlvFilestoreResponse uint8 = 0x01
	TlvMessageToUser     uint8 = 0x02
	TlvFaultHandler      uint8 = 0x04
	TlvFlowLabel         uint8 = 0x05
	TlvEntityID          uint8 = 0x06
)

// Header is the logical form of the fixed PDU header shared by every
// PDU kind.
type Header struct {
	Version   uint8
	Type      PduType
	Direction Direction
	Mode      TransmissionMode

	// CRCFlag indicates a 32-bit CRC trails the data field.
	CRCFlag bool

	// LargeFile selects 64-bit file sizes and offsets throughout the PDU.
	LargeFile bool

	SegmentMetaFlag bool

	// EIDLength and SeqLength are the encoded octet counts (1-8) of
	// entity IDs and the sequence number, as declared on the wire. They
	// are preserved across decode so responses can mirror the sender's
	// choice.
	EIDLength uint8
	SeqLength uint8

	// DataLength is the encoded length of the PDU data field in octets.
	// Populated by the codec; engine code does not need to set it.
	DataLength uint16

	SourceEID EntityID
	DestEID   EntityID
	Seq       TransactionSeq
}

// TransactionID returns the transfer identifier from the header.
func (h *Header) TransactionID() TransactionID {
	return TransactionID{Source: h.SourceEID, Seq: h.Seq}
}

// Metadata is the logical MD PDU payload.
type Metadata struct {
	ClosureRequested bool
	ChecksumType     uint8
	Size             uint64
	SourceFilename   string
	DestFilename     string
}

// FileData is the logical FD PDU payload. Data aliases the decode buffer
// and must be consumed before the buffer is reused.
type FileData struct {
	Offset uint64
	Data   []byte
}

// EOF is the logical EOF PDU payload.
type EOF struct {
	Condition ConditionCode
	Checksum  uint32
	Size      uint64

	// FaultLocation is the optional entity-ID TLV present when
	// Condition is not NO_ERROR.
	FaultLocation *EntityID
}

// Fin is the logical FIN PDU payload.
type Fin struct {
	Condition    ConditionCode
	DeliveryCode FinDeliveryCode
	FileStatus   FinFileStatus
}

// Ack is the logical ACK PDU payload.
type Ack struct {
	AckDirective DirectiveCode
	SubtypeCode  uint8
	Condition    ConditionCode
	TxnStatus    AckTxnStatus
}

// Segment is one retransmission request range [Start, End).
type Segment struct {
	Start uint64
	End   uint64
}

// Nak is the logical NAK PDU payload.
type Nak struct {
	ScopeStart uint64
	ScopeEnd   uint64
	Segments   []Segment
}

// Keepalive is the logical Keep Alive PDU payload.
type Keepalive struct {
	Progress uint64
}

// Prompt is the logical Prompt PDU payload.
type Prompt struct {
	KeepaliveRequested bool
}

// PDU is a fully decoded protocol data unit. Exactly one payload pointer
// is non-nil, matching Directive (or TypeFileData).
type PDU struct {
	Header    Header
	Directive DirectiveCode // zero for file data PDUs

	Metadata  *Metadata
	FileData  *FileData
	EOF       *EOF
	Fin       *Fin
	Ack       *Ack
	Nak       *Nak
	Keepalive *Keepalive
	Prompt    *Prompt

	// ContentCRC is the trailing PDU CRC value when Header.CRCFlag is
	// set.
	ContentCRC uint32
}

// Kind returns a short human-readable tag for the PDU payload.
func (p *PDU) Kind() string {
	if p.Header.Type == TypeFileData {
		return "FD"
	}
	return p.Directive.String()
}

// MaxSegments caps the number of NAK segment requests in one PDU.
const MaxSegments = 58

// MaxFilenameLen bounds the LV-encoded filenames in a metadata PDU.
const MaxFilenameLen = 255

// encodedSize returns the minimum number of octets needed to encode v.
func encodedSize(v uint64) uint8 {
	n := uint8(1)
	for v >= 0x100 {
		v >>= 8
		n++
	}
	return n
}
