// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// Adapted from martin-sucha/zipserve's struct.go and writer.go: the
// signature and field-length constants below are the same ones any ZIP
// writer needs, but the record shapes themselves are specific to this
// engine's format (squash-time in place of MS-DOS timestamps, a single
// ZIP64 extra field carrying only the local header offset, no data
// descriptors, no archive comments).
package squashzip

import (
	"encoding/binary"
	"io"
)

// Compression methods this engine understands, both for writing and for
// parsing a previous archive. §1's Non-goals exclude every other method.
const (
	Store   uint16 = 0
	Deflate uint16 = 8
)

const (
	localFileHeaderSignature      = 0x04034b50
	centralDirectoryHeaderSignature = 0x02014b50
	endOfCentralDirectorySignature  = 0x06054b50
	zip64EOCDLocatorSignature       = 0x07064b50
	zip64EOCDRecordSignature        = 0x06064b50

	localFileHeaderLen      = 30 // + file name
	centralDirectoryHeaderLen = 46 // + file name + extra
	endOfCentralDirectoryLen  = 22
	zip64EOCDRecordLen        = 56
	zip64EOCDLocatorLen       = 20
	zip64ExtraFieldLen        = 12 // tag(2) + size(2) + local header offset(8)

	zip64ExtraID = 0x0001

	versionNeededToExtract     = 20
	versionNeededToExtractZip64 = 45

	uint16Max = 1<<16 - 1
	uint32Max = 1<<32 - 1

	// utf8Flag is the general purpose bit flag indicating the file name
	// is UTF-8. Every RelativePath this engine accepts is already UTF-8,
	// so this bit is always set; there is no CP-437 fallback to detect,
	// unlike the teacher's prepareEntry.
	utf8Flag = 0x800
)

// localFileHeader is the in-memory representation of a ZIP local file
// header, as described in §3 and §4.5. It never carries ZIP64 extra data:
// per §4.1 step 9, a previous archive's LFH with a nonzero extra field
// length is rejected, so this engine never writes one either.
type localFileHeader struct {
	name              string
	compressionMethod uint16
	crc32             uint32
	squashTime        [4]byte
	uncompressedSize  uint32
	compressedSize    uint32

	// versionOverride, when nonzero, replaces versionNeededToExtract in
	// the encoded record. Set by the obfuscation engine's discretion-tuned
	// mutation (§9); zero means "use the standard value".
	versionOverride uint16
}

// newLocalFileHeader validates name's length and returns a zero-valued
// header for it. Callers fill in the remaining fields once the content has
// been hashed, sized, and (maybe) compressed.
func newLocalFileHeader(name RelativePath) (*localFileHeader, error) {
	if len(name) > uint16Max {
		return nil, errOverflow(errNameTooLong(len(name)))
	}
	return &localFileHeader{name: string(name)}, nil
}

// size returns the serialized size of h, matching zipserve's header.size()
// pattern used to locate where a record's payload begins.
func (h *localFileHeader) size() uint32 {
	return localFileHeaderLen + uint32(len(h.name))
}

// encode renders h as the raw (not yet obfuscated) bytes of a local file
// header, ready to write to the output stream.
func (h *localFileHeader) encode() []byte {
	versionNeeded := h.versionOverride
	if versionNeeded == 0 {
		versionNeeded = versionNeededToExtract
	}

	buf := make([]byte, h.size())
	b := writeBuf(buf)
	b.uint32(localFileHeaderSignature)
	b.uint16(versionNeeded)
	b.uint16(utf8Flag)
	b.uint16(h.compressionMethod)
	b.raw4(h.squashTime)
	b.uint32(h.crc32)
	b.uint32(h.compressedSize)
	b.uint32(h.uncompressedSize)
	b.uint16(uint16(len(h.name)))
	b.uint16(0) // extra field length: always zero, see type doc comment
	b.string(h.name)
	return buf
}

// centralDirectoryHeader is the full information needed to emit one CDH
// record during finalize (§4.5). It always derives from a committedEntry
// (the partial central directory record), which carries the LFH offset.
type centralDirectoryHeader struct {
	localHeaderOffset uint64
	fileName          string
	compressionMethod uint16
	squashTime        [4]byte
	crc32             uint32
	compressedSize    uint32
	uncompressedSize  uint32

	localHeaderDiskNumber uint16
	spoofVersionMadeBy    bool
}

// encode renders h as raw (not yet obfuscated) CDH bytes, including a
// ZIP64 extra field when the LFH offset does not fit in 32 bits (I6).
func (h *centralDirectoryHeader) encode() []byte {
	needsZip64 := h.localHeaderOffset >= uint32Max

	size := centralDirectoryHeaderLen + len(h.fileName)
	if needsZip64 {
		size += zip64ExtraFieldLen
	}
	buf := make([]byte, size)
	b := writeBuf(buf)

	versionMadeBy := uint16(versionNeededToExtract) | creatorByte(h.spoofVersionMadeBy)<<8
	versionNeeded := uint16(versionNeededToExtract)
	if needsZip64 {
		versionNeeded = versionNeededToExtractZip64
	}

	b.uint32(centralDirectoryHeaderSignature)
	b.uint16(versionMadeBy)
	b.uint16(versionNeeded)
	b.uint16(utf8Flag)
	b.uint16(h.compressionMethod)
	b.raw4(h.squashTime)
	b.uint32(h.crc32)
	b.uint32(h.compressedSize)
	b.uint32(h.uncompressedSize)
	b.uint16(uint16(len(h.fileName)))
	if needsZip64 {
		b.uint16(zip64ExtraFieldLen)
	} else {
		b.uint16(0)
	}
	b.uint16(0) // file comment length: this engine never writes comments
	b.uint16(h.localHeaderDiskNumber)
	b.uint16(0) // internal file attributes: unused
	b.uint32(0) // external file attributes: unused
	if needsZip64 {
		b.uint32(uint32Max)
	} else {
		b.uint32(uint32(h.localHeaderOffset))
	}
	b.string(h.fileName)
	if needsZip64 {
		b.uint16(zip64ExtraID)
		b.uint16(8)
		b.uint64(h.localHeaderOffset)
	}
	return buf
}

// creatorByte picks the high byte of the "version made by" field. Real
// tools vary widely here; spoofing it to a generic FAT/MS-DOS value (0) is
// the one concrete behavior this engine implements for the
// spoofVersionMadeBy flag described in §4.5 — finalize always passes
// false, so the non-spoofed branch (a Unix-like creator ID) is what ships.
func creatorByte(spoof bool) uint16 {
	if spoof {
		return 0
	}
	return 3
}

// endOfCentralDirectory is the trailing record locating the CDH sequence
// (§4.5). ZIP64 extensions are emitted whenever any of the plain EOCD's
// 16/32-bit fields would overflow, mirroring I6.
type endOfCentralDirectory struct {
	diskNumber                          uint16
	centralDirectoryStartDiskNumber     uint16
	centralDirectoryEntryCountThisDisk  uint64
	totalCentralDirectoryEntryCount     uint64
	centralDirectorySize                uint64
	centralDirectoryStartOffset         uint64
	totalNumberOfDisks                  uint32
	currentFileOffset                   uint64
	zip64RecordSizeOffset               int64
	spoofVersionMadeBy                  bool
	zeroOutUnusedZip64Fields            bool
}

func (e *endOfCentralDirectory) needsZip64() bool {
	return e.totalCentralDirectoryEntryCount >= uint16Max ||
		e.centralDirectorySize >= uint32Max ||
		e.centralDirectoryStartOffset >= uint32Max
}

// encode renders e as raw (not yet obfuscated) bytes: the ZIP64 EOCD
// record and locator when needed, followed by the classic EOCD record.
func (e *endOfCentralDirectory) encode() []byte {
	if !e.needsZip64() {
		return e.encodeClassic(e.totalCentralDirectoryEntryCount, e.centralDirectorySize, e.centralDirectoryStartOffset)
	}

	buf := make([]byte, zip64EOCDRecordLen+zip64EOCDLocatorLen+endOfCentralDirectoryLen)
	b := writeBuf(buf)

	versionMadeBy := uint16(versionNeededToExtractZip64) | creatorByte(e.spoofVersionMadeBy)<<8

	recordSize := int64(zip64EOCDRecordLen-12) + e.zip64RecordSizeOffset

	b.uint32(zip64EOCDRecordSignature)
	b.uint64(uint64(recordSize))
	b.uint16(versionMadeBy)
	b.uint16(versionNeededToExtractZip64)
	b.uint32(uint32(e.diskNumber))
	b.uint32(uint32(e.centralDirectoryStartDiskNumber))
	b.uint64(e.centralDirectoryEntryCountThisDisk)
	b.uint64(e.totalCentralDirectoryEntryCount)
	b.uint64(e.centralDirectorySize)
	b.uint64(e.centralDirectoryStartOffset)

	b.uint32(zip64EOCDLocatorSignature)
	b.uint32(uint32(e.centralDirectoryStartDiskNumber))
	b.uint64(e.currentFileOffset)
	b.uint32(e.totalNumberOfDisks)

	sentinel16, sentinel32 := uint16(uint16Max), uint32(uint32Max)
	if e.zeroOutUnusedZip64Fields {
		sentinel16, sentinel32 = 0, 0
	}
	b.uint32(endOfCentralDirectorySignature)
	b.uint16(e.diskNumber)
	b.uint16(e.centralDirectoryStartDiskNumber)
	b.uint16(sentinel16)
	b.uint16(sentinel16)
	b.uint32(sentinel32)
	b.uint32(sentinel32)
	b.uint16(0) // comment length: always zero

	return buf
}

func (e *endOfCentralDirectory) encodeClassic(entryCount, cdSize, cdOffset uint64) []byte {
	buf := make([]byte, endOfCentralDirectoryLen)
	b := writeBuf(buf)
	b.uint32(endOfCentralDirectorySignature)
	b.uint16(e.diskNumber)
	b.uint16(e.centralDirectoryStartDiskNumber)
	b.uint16(uint16(entryCount))
	b.uint16(uint16(entryCount))
	b.uint32(uint32(cdSize))
	b.uint32(uint32(cdOffset))
	b.uint16(0)
	return buf
}

// writeBuf is a tiny cursor over a byte slice, same idiom as zipserve's
// writeBuf in writer.go.
type writeBuf []byte

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

func (b *writeBuf) raw4(v [4]byte) {
	copy(*b, v[:])
	*b = (*b)[4:]
}

func (b *writeBuf) string(s string) {
	n := copy(*b, s)
	*b = (*b)[n:]
}

// writeRecord writes a fully-encoded (and, when enabled, already
// obfuscated) record to w.
func writeRecord(w io.Writer, raw []byte) error {
	_, err := w.Write(raw)
	return errIO(err)
}

type nameTooLongError struct {
	length int
}

func (e *nameTooLongError) Error() string {
	return "file name too long"
}

func errNameTooLong(length int) error {
	return &nameTooLongError{length: length}
}
