package cfdp

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/cfdp/internal/logger"
)

// DecodeError describes why a PDU buffer could not be interpreted.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cfdp: decode error at offset %d: %s", e.Offset, e.Reason)
}

// decoder is a cursor over an encoded PDU with a sticky error. Once any
// read fails, every later read is a no-op returning zero values, so the
// decode routines can run straight-line and check the error once at the
// end.
type decoder struct {
	buf []byte
	pos int
	err *DecodeError
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = &DecodeError{Offset: d.pos, Reason: reason}
	}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.remaining() < n {
		d.fail(fmt.Sprintf("buffer underrun: need %d bytes, have %d", n, d.remaining()))
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// uintN decodes a big-endian unsigned integer of 1-8 octets.
func (d *decoder) uintN(n uint8) uint64 {
	b := d.take(int(n))
	if b == nil {
		return 0
	}
	var v uint64
	for _, octet := range b {
		v = v<<8 | uint64(octet)
	}
	return v
}

// fileSize decodes a 32- or 64-bit size/offset per the large-file flag.
func (d *decoder) fileSize(large bool) uint64 {
	if large {
		return d.uintN(8)
	}
	return uint64(d.u32())
}

// lv decodes one CFDP LV (length + value) string.
func (d *decoder) lv() string {
	n := d.u8()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Decode interprets one encoded PDU. The returned PDU's FileData.Data
// (if any) aliases buf.
func Decode(buf []byte) (*PDU, error) {
	d := &decoder{buf: buf}
	p := &PDU{}
	h := &p.Header

	b0 := d.u8()
	h.Version = b0 >> 5
	h.Type = PduType(b0 >> 4 & 1)
	h.Direction = Direction(b0 >> 3 & 1)
	h.Mode = TransmissionMode(b0 >> 2 & 1)
	h.CRCFlag = b0&0x02 != 0
	h.LargeFile = b0&0x01 != 0

	h.DataLength = d.u16()

	b3 := d.u8()
	h.EIDLength = (b3>>4)&0x07 + 1
	h.SegmentMetaFlag = b3&0x08 != 0
	h.SeqLength = b3&0x07 + 1

	h.SourceEID = EntityID(d.uintN(h.EIDLength))
	h.Seq = TransactionSeq(d.uintN(h.SeqLength))
	h.DestEID = EntityID(d.uintN(h.EIDLength))

	if d.err != nil {
		return nil, d.err
	}

	// Re-scope the decoder to exactly the declared data field, so a
	// short buffer is caught here and trailing link-layer padding is
	// never misread as PDU content.
	if d.remaining() < int(h.DataLength) {
		d.fail(fmt.Sprintf("data field underrun: declared %d bytes, have %d", h.DataLength, d.remaining()))
		return nil, d.err
	}
	d.buf = d.buf[:d.pos+int(h.DataLength)]

	if h.CRCFlag {
		if h.DataLength < 4 {
			d.fail("data field too short to hold PDU CRC")
			return nil, d.err
		}
		end := len(d.buf)
		p.ContentCRC = binary.BigEndian.Uint32(d.buf[end-4:])
		d.buf = d.buf[:end-4]
	}

	if h.Type == TypeFileData {
		decodeFileData(d, p)
	} else {
		decodeDirective(d, p)
	}

	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}

func decodeFileData(d *decoder, p *PDU) {
	if p.Header.SegmentMetaFlag {
		// Record continuation / segment metadata is never negotiated by
		// this implementation; a peer that sends it anyway is speaking a
		// profile we do not handle.
		d.fail("segment metadata not supported")
		return
	}
	fd := &FileData{}
	fd.Offset = d.fileSize(p.Header.LargeFile)
	fd.Data = d.take(d.remaining())
	p.FileData = fd
}

func decodeDirective(d *decoder, p *PDU) {
	p.Directive = DirectiveCode(d.u8())
	if d.err != nil {
		return
	}

	switch p.Directive {
	case DirectiveEOF:
		decodeEOF(d, p)
	case DirectiveFin:
		decodeFin(d, p)
	case DirectiveAck:
		decodeAck(d, p)
	case DirectiveMetadata:
		decodeMetadata(d, p)
	case DirectiveNak:
		decodeNak(d, p)
	case DirectiveKeepalive:
		p.Keepalive = &Keepalive{Progress: d.fileSize(p.Header.LargeFile)}
	case DirectivePrompt:
		p.Prompt = &Prompt{KeepaliveRequested: d.u8()&0x80 != 0}
	default:
		d.fail(fmt.Sprintf("unknown directive code %#02x", uint8(p.Directive)))
	}
}

func decodeEOF(d *decoder, p *PDU) {
	eof := &EOF{}
	eof.Condition = ConditionCode(d.u8() >> 4)
	eof.Checksum = d.u32()
	eof.Size = d.fileSize(p.Header.LargeFile)

	decodeTlvs(d, "EOF", func(typ uint8, val []byte) {
		if typ == TlvEntityID {
			eid := EntityID(bigEndianUint(val))
			eof.FaultLocation = &eid
		}
	})
	p.EOF = eof
}

func decodeFin(d *decoder, p *PDU) {
	b := d.u8()
	p.Fin = &Fin{
		Condition:    ConditionCode(b >> 4),
		DeliveryCode: FinDeliveryCode(b >> 2 & 1),
		FileStatus:   FinFileStatus(b & 0x03),
	}
	// Filestore response TLVs may trail; ignored.
	decodeTlvs(d, "FIN", nil)
}

func decodeAck(d *decoder, p *PDU) {
	b0 := d.u8()
	b1 := d.u8()
	p.Ack = &Ack{
		AckDirective: DirectiveCode(b0 >> 4),
		SubtypeCode:  b0 & 0x0F,
		Condition:    ConditionCode(b1 >> 4),
		TxnStatus:    AckTxnStatus(b1 & 0x03),
	}
}

func decodeMetadata(d *decoder, p *PDU) {
	md := &Metadata{}
	b0 := d.u8()
	md.ClosureRequested = b0&0x40 != 0
	md.ChecksumType = b0 & 0x0F
	md.Size = d.fileSize(p.Header.LargeFile)
	md.SourceFilename = d.lv()
	md.DestFilename = d.lv()

	decodeTlvs(d, "MD", nil)
	p.Metadata = md
}

func decodeNak(d *decoder, p *PDU) {
	nak := &Nak{}
	nak.ScopeStart = d.fileSize(p.Header.LargeFile)
	nak.ScopeEnd = d.fileSize(p.Header.LargeFile)

	width := 4
	if p.Header.LargeFile {
		width = 8
	}
	if d.err == nil && d.remaining()%(2*width) != 0 {
		d.fail(fmt.Sprintf("NAK segment list length %d is not a multiple of %d", d.remaining(), 2*width))
		return
	}
	count := d.remaining() / (2 * width)
	if count > MaxSegments {
		d.fail(fmt.Sprintf("NAK has %d segments, maximum is %d", count, MaxSegments))
		return
	}
	for i := 0; i < count && d.err == nil; i++ {
		nak.Segments = append(nak.Segments, Segment{
			Start: d.fileSize(p.Header.LargeFile),
			End:   d.fileSize(p.Header.LargeFile),
		})
	}
	p.Nak = nak
}

// decodeTlvs consumes the trailing TLV options of a directive PDU.
// Recognized types are handed to keep; unknown types are skipped with a
// debug trace rather than failing the whole PDU.
func decodeTlvs(d *decoder, kind string, keep func(typ uint8, val []byte)) {
	for d.err == nil && d.remaining() >= 2 {
		typ := d.u8()
		length := d.u8()
		val := d.take(int(length))
		if d.err != nil {
			return
		}
		switch typ {
		case TlvEntityID:
			if keep != nil {
				keep(typ, val)
			}
		default:
			logger.Debug("ignoring unknown TLV", "pdu", kind, "type", typ, "len", length)
		}
	}
	if d.err == nil && d.remaining() != 0 {
		d.fail("trailing garbage after TLV options")
	}
}

func bigEndianUint(b []byte) uint64 {
	var v uint64
	for _, octet := range b {
		v = v<<8 | uint64(octet)
	}
	return v
}
