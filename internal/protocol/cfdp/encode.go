package cfdp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// encoder appends big-endian fields to a growing buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// uintN appends v in exactly n big-endian octets.
func (e *encoder) uintN(v uint64, n uint8) {
	for shift := int(n-1) * 8; shift >= 0; shift -= 8 {
		e.buf = append(e.buf, byte(v>>shift))
	}
}

func (e *encoder) fileSize(v uint64, large bool) {
	if large {
		e.uintN(v, 8)
	} else {
		e.u32(uint32(v))
	}
}

func (e *encoder) lv(s string) {
	e.u8(uint8(len(s)))
	e.buf = append(e.buf, s...)
}

// Encode serializes a logical PDU to its wire form.
//
// Width handling: entity IDs and the sequence number are encoded in
// Header.EIDLength/SeqLength octets when set, otherwise in the minimum
// widths that fit the values. Header.DataLength is computed here; any
// caller-provided value is ignored.
func Encode(p *PDU) ([]byte, error) {
	h := p.Header

	if h.EIDLength == 0 {
		h.EIDLength = max(encodedSize(uint64(h.SourceEID)), encodedSize(uint64(h.DestEID)))
	}
	if h.SeqLength == 0 {
		h.SeqLength = encodedSize(uint64(h.Seq))
	}
	if h.EIDLength > 8 || h.SeqLength > 8 {
		return nil, fmt.Errorf("cfdp: entity id/sequence width out of range (%d/%d)", h.EIDLength, h.SeqLength)
	}
	if err := checkPayload(p); err != nil {
		return nil, err
	}
	if p.Header.Type == TypeFileData && h.SegmentMetaFlag {
		return nil, fmt.Errorf("cfdp: segment metadata not supported")
	}

	e := &encoder{buf: make([]byte, 0, 64)}

	b0 := h.Version<<5 |
		uint8(h.Type)<<4 |
		uint8(h.Direction)<<3 |
		uint8(h.Mode)<<2
	if h.CRCFlag {
		b0 |= 0x02
	}
	if h.LargeFile {
		b0 |= 0x01
	}
	e.u8(b0)

	e.u16(0) // data field length, patched below

	b3 := (h.EIDLength-1)<<4 | (h.SeqLength - 1)
	if h.SegmentMetaFlag {
		b3 |= 0x08
	}
	e.u8(b3)

	e.uintN(uint64(h.SourceEID), h.EIDLength)
	e.uintN(uint64(h.Seq), h.SeqLength)
	e.uintN(uint64(h.DestEID), h.EIDLength)

	headerLen := len(e.buf)

	if h.Type == TypeFileData {
		encodeFileData(e, &h, p.FileData)
	} else if err := encodeDirective(e, &h, p); err != nil {
		return nil, err
	}

	dataLen := len(e.buf) - headerLen
	if h.CRCFlag {
		dataLen += 4
	}
	if dataLen > 0xFFFF {
		return nil, fmt.Errorf("cfdp: encoded data field length %d exceeds 16 bits", dataLen)
	}
	binary.BigEndian.PutUint16(e.buf[1:3], uint16(dataLen))

	if h.CRCFlag {
		e.u32(crc32.ChecksumIEEE(e.buf))
	}
	return e.buf, nil
}

// checkPayload verifies that exactly one payload member is present and
// that it agrees with the header type / directive code.
func checkPayload(p *PDU) error {
	n := 0
	for _, set := range []bool{
		p.Metadata != nil, p.FileData != nil, p.EOF != nil, p.Fin != nil,
		p.Ack != nil, p.Nak != nil, p.Keepalive != nil, p.Prompt != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("cfdp: PDU must carry exactly one payload, has %d", n)
	}
	if p.Header.Type == TypeFileData {
		if p.FileData == nil {
			return fmt.Errorf("cfdp: file data header with no file data payload")
		}
		return nil
	}
	want := map[DirectiveCode]bool{
		DirectiveEOF:       p.EOF != nil,
		DirectiveFin:       p.Fin != nil,
		DirectiveAck:       p.Ack != nil,
		DirectiveMetadata:  p.Metadata != nil,
		DirectiveNak:       p.Nak != nil,
		DirectiveKeepalive: p.Keepalive != nil,
		DirectivePrompt:    p.Prompt != nil,
	}
	ok, known := want[p.Directive]
	if !known {
		return fmt.Errorf("cfdp: cannot encode directive %s", p.Directive)
	}
	if !ok {
		return fmt.Errorf("cfdp: payload does not match directive %s", p.Directive)
	}
	return nil
}

func encodeFileData(e *encoder, h *Header, fd *FileData) {
	e.fileSize(fd.Offset, h.LargeFile)
	e.buf = append(e.buf, fd.Data...)
}

func encodeDirective(e *encoder, h *Header, p *PDU) error {
	e.u8(uint8(p.Directive))

	switch p.Directive {
	case DirectiveEOF:
		eof := p.EOF
		e.u8(uint8(eof.Condition) << 4)
		e.u32(eof.Checksum)
		e.fileSize(eof.Size, h.LargeFile)
		if eof.FaultLocation != nil {
			width := encodedSize(uint64(*eof.FaultLocation))
			e.u8(TlvEntityID)
			e.u8(width)
			e.uintN(uint64(*eof.FaultLocation), width)
		}

	case DirectiveFin:
		fin := p.Fin
		e.u8(uint8(fin.Condition)<<4 | uint8(fin.DeliveryCode)<<2 | uint8(fin.FileStatus))

	case DirectiveAck:
		ack := p.Ack
		e.u8(uint8(ack.AckDirective)<<4 | ack.SubtypeCode&0x0F)
		e.u8(uint8(ack.Condition)<<4 | uint8(ack.TxnStatus)&0x03)

	case DirectiveMetadata:
		md := p.Metadata
		if len(md.SourceFilename) > MaxFilenameLen || len(md.DestFilename) > MaxFilenameLen {
			return fmt.Errorf("cfdp: metadata filename exceeds %d bytes", MaxFilenameLen)
		}
		var b0 uint8
		if md.ClosureRequested {
			b0 |= 0x40
		}
		b0 |= md.ChecksumType & 0x0F
		e.u8(b0)
		e.fileSize(md.Size, h.LargeFile)
		e.lv(md.SourceFilename)
		e.lv(md.DestFilename)

	case DirectiveNak:
		nak := p.Nak
		if len(nak.Segments) > MaxSegments {
			return fmt.Errorf("cfdp: NAK has %d segments, maximum is %d", len(nak.Segments), MaxSegments)
		}
		e.fileSize(nak.ScopeStart, h.LargeFile)
		e.fileSize(nak.ScopeEnd, h.LargeFile)
		for _, s := range nak.Segments {
			e.fileSize(s.Start, h.LargeFile)
			e.fileSize(s.End, h.LargeFile)
		}

	case DirectiveKeepalive:
		e.fileSize(p.Keepalive.Progress, h.LargeFile)

	case DirectivePrompt:
		if p.Prompt.KeepaliveRequested {
			e.u8(0x80)
		} else {
			e.u8(0x00)
		}
	}
	return nil
}
