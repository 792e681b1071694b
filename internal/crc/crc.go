// Package crc computes the CFDP file checksum.
//
// CFDP file integrity uses a 32-bit CRC over the file contents with the
// standard CRC-32 polynomial (the same generator the link layer uses, per
// CCSDS 727.0-B-4). The engine feeds file bytes incrementally, either
// in stream order (class 1) or during the budgeted post-EOF verification
// pass (class 2), so the digest must be resumable across wakeups.
package crc

import "hash/crc32"

// Digest is a resumable CRC-32 over file contents.
//
// The zero value is ready to use.
type Digest struct {
	crc uint32
}

// Write folds p into the running checksum.
func (d *Digest) Write(p []byte) {
	d.crc = crc32.Update(d.crc, crc32.IEEETable, p)
}

// Sum32 returns the checksum of all bytes written so far.
func (d *Digest) Sum32() uint32 {
	return d.crc
}

// Reset clears the digest back to its initial state.
func (d *Digest) Reset() {
	d.crc = 0
}

// Checksum returns the CRC of p in one shot.
func Checksum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}
