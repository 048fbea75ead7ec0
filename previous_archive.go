package squashzip

import (
	"encoding/binary"
	"io"
	"time"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
)

// previousEntry is one record recovered from a prior archive, matching
// §3's "Previous-archive index" shape.
type previousEntry struct {
	squashTime        time.Time
	dataOffset        uint64
	crc32             uint32
	compressionMethod uint16
	uncompressedSize  uint32
	compressedSize    uint32
}

// previousArchiveIndex is the read-only, lock-free-after-construction map
// described in §3. Concurrent AddPreviousFile calls only ever read it.
type previousArchiveIndex struct {
	entries map[string]previousEntry
}

func (idx *previousArchiveIndex) lookup(path string) (previousEntry, bool) {
	e, ok := idx.entries[path]
	return e, ok
}

func (idx *previousArchiveIndex) count() int {
	return len(idx.entries)
}

// parsePreviousArchive implements §4.1 in full. r must be positioned
// anywhere; it is seeked freely. obf and sanitizer must be the same
// (settings-derived, or explicitly matching) instances the engine being
// constructed will use to emit its own output, since the transforms
// applied here must be exact inverses of the ones applied at write time
// (P7).
func parsePreviousArchive(r io.ReadSeeker, obf *obfuscationEngine, sanitizer *timestampSanitizer) (*previousArchiveIndex, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errIO(err)
	}
	if size < endOfCentralDirectoryLen {
		return nil, errInvalidPreviousZip("EOCD signature not found: file is shorter than a minimal EOCD record")
	}

	eocdPos := size - endOfCentralDirectoryLen
	if err := mustReadSig(r, eocdPos, endOfCentralDirectorySignature, "EOCD signature not found"); err != nil {
		return nil, err
	}

	buf16 := bytebufferpool.Get()
	defer bytebufferpool.Put(buf16)
	buf16.B = buf16.B[:16]
	if _, err := io.ReadFull(r, buf16.B); err != nil {
		return nil, errIO(err)
	}
	cdOffsetRaw := binary.LittleEndian.Uint32(buf16.B[12:16])

	var cdOffset uint64
	if cdOffsetRaw == uint32Max {
		cdOffset, err = locateZip64CentralDirectory(r, eocdPos+20, obf)
		if err != nil {
			return nil, err
		}
	} else {
		cdOffset = obf.unshiftOffset(uint64(cdOffsetRaw))
	}

	if _, err := r.Seek(int64(cdOffset), io.SeekStart); err != nil {
		return nil, errIO(err)
	}

	idx := &previousArchiveIndex{entries: make(map[string]previousEntry)}

	for {
		sig, err := readUint32(r)
		if err != nil {
			return nil, errIO(err)
		}
		if sig != centralDirectoryHeaderSignature {
			break
		}

		entry, name, err := parseCentralDirectoryRecord(r, obf, sanitizer)
		if err != nil {
			return nil, err
		}
		anchor, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, errIO(err)
		}

		dataOffset, err := resolveDataOffset(r, entry.lfhOffset)
		if err != nil {
			return nil, err
		}
		entry.dataOffset = dataOffset

		idx.entries[name] = entry

		if _, err := r.Seek(anchor, io.SeekStart); err != nil {
			return nil, errIO(err)
		}
	}

	return idx, nil
}

// locateZip64CentralDirectory implements §4.1 step 3: find the ZIP64 EOCD
// locator 40 bytes before postEOCDPos, then the ZIP64 EOCD record it
// points to, and return its true central directory offset.
func locateZip64CentralDirectory(r io.ReadSeeker, postEOCDPos int64, obf *obfuscationEngine) (uint64, error) {
	locatorPos := postEOCDPos - 40
	if locatorPos < 0 {
		return 0, errInvalidPreviousZip("ZIP64 EOCD locator signature not found")
	}
	if err := mustReadSig(r, locatorPos, zip64EOCDLocatorSignature, "ZIP64 EOCD locator signature not found"); err != nil {
		return 0, err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = buf.B[:16]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		return 0, errIO(err)
	}
	recordOffset := obf.unshiftOffset(binary.LittleEndian.Uint64(buf.B[4:12]))

	if err := mustReadSig(r, int64(recordOffset), zip64EOCDRecordSignature, "ZIP64 EOCD record signature not found"); err != nil {
		return 0, err
	}
	if _, err := r.Seek(int64(recordOffset)+4+44, io.SeekStart); err != nil {
		return 0, errIO(err)
	}
	offsetBuf := bytebufferpool.Get()
	defer bytebufferpool.Put(offsetBuf)
	offsetBuf.B = offsetBuf.B[:8]
	if _, err := io.ReadFull(r, offsetBuf.B); err != nil {
		return 0, errIO(err)
	}
	return obf.unshiftOffset(binary.LittleEndian.Uint64(offsetBuf.B)), nil
}

// parsedCentralDirectoryEntry is an intermediate result: a previousEntry
// missing only dataOffset, plus the raw (prologue-adjusted) LFH offset
// needed to resolve it.
type parsedCentralDirectoryEntry struct {
	previousEntry
	lfhOffset uint64
}

func parseCentralDirectoryRecord(r io.ReadSeeker, obf *obfuscationEngine, sanitizer *timestampSanitizer) (parsedCentralDirectoryEntry, string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = buf.B[:42]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		return parsedCentralDirectoryEntry{}, "", errIO(err)
	}
	b := buf.B

	compressionMethodRaw := binary.LittleEndian.Uint16(b[6:8])
	var squashTimeBytes [4]byte
	copy(squashTimeBytes[:], b[8:12])
	crcRaw := binary.LittleEndian.Uint32(b[12:16])
	compressedSize := binary.LittleEndian.Uint32(b[16:20])
	uncompressedSize := binary.LittleEndian.Uint32(b[20:24])
	filenameLen := binary.LittleEndian.Uint16(b[24:26])
	extraLen := binary.LittleEndian.Uint16(b[26:28])
	commentLen := binary.LittleEndian.Uint16(b[28:30])
	lfhOffsetRaw := binary.LittleEndian.Uint32(b[38:42])

	if commentLen > 0 {
		return parsedCentralDirectoryEntry{}, "", errInvalidPreviousZip("central directory file comment length > 0")
	}
	if extraLen != 0 && extraLen != zip64ExtraFieldLen {
		return parsedCentralDirectoryEntry{}, "", errInvalidPreviousZip("central directory extra field length not in {0, 12}")
	}

	crc := obf.DeobfuscateCRC32(crcRaw)
	squashTime := sanitizer.Desanitize(squashTimeBytes, crc)

	method, ok := mapCompressionMethod(compressionMethodRaw)
	if !ok {
		return parsedCentralDirectoryEntry{}, "", errUnknownCompressionMethod(compressionMethodRaw)
	}

	nameBuf := bytebufferpool.Get()
	defer bytebufferpool.Put(nameBuf)
	nameBuf.B = nameBuf.B[:filenameLen]
	if _, err := io.ReadFull(r, nameBuf.B); err != nil {
		return parsedCentralDirectoryEntry{}, "", errIO(err)
	}
	if !utf8.Valid(nameBuf.B) {
		return parsedCentralDirectoryEntry{}, "", errInvalidFileName(errNotValidUTF8())
	}
	name := string(nameBuf.B)

	var lfhOffset uint64
	if extraLen == zip64ExtraFieldLen {
		extraBuf := bytebufferpool.Get()
		defer bytebufferpool.Put(extraBuf)
		extraBuf.B = extraBuf.B[:zip64ExtraFieldLen]
		if _, err := io.ReadFull(r, extraBuf.B); err != nil {
			return parsedCentralDirectoryEntry{}, "", errIO(err)
		}
		if lfhOffsetRaw == uint32Max {
			tag := binary.LittleEndian.Uint16(extraBuf.B[0:2])
			if tag != zip64ExtraID {
				return parsedCentralDirectoryEntry{}, "", errInvalidPreviousZip("ZIP64 extra field tag is not 01 00")
			}
			lfhOffset = binary.LittleEndian.Uint64(extraBuf.B[4:12])
		} else {
			lfhOffset = uint64(lfhOffsetRaw)
		}
	} else {
		lfhOffset = uint64(lfhOffsetRaw)
	}
	lfhOffset = obf.unshiftOffset(lfhOffset)

	entry := parsedCentralDirectoryEntry{
		previousEntry: previousEntry{
			squashTime:        squashTime,
			crc32:             crc,
			compressionMethod: method,
			uncompressedSize:  uncompressedSize,
			compressedSize:    compressedSize,
		},
		lfhOffset: lfhOffset,
	}
	return entry, name, nil
}

// resolveDataOffset implements §4.1 step 9: seek to the LFH, validate it,
// and compute where its payload begins.
func resolveDataOffset(r io.ReadSeeker, lfhOffset uint64) (uint64, error) {
	if err := mustReadSig(r, int64(lfhOffset), localFileHeaderSignature, "local file header signature mismatch"); err != nil {
		return 0, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = buf.B[:26]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		return 0, errIO(err)
	}
	filenameLen := binary.LittleEndian.Uint16(buf.B[22:24])
	extraLen := binary.LittleEndian.Uint16(buf.B[24:26])
	if extraLen > 0 {
		return 0, errInvalidPreviousZip("local file header extra field length > 0")
	}
	return lfhOffset + localFileHeaderLen + uint64(filenameLen), nil
}

func mapCompressionMethod(raw uint16) (uint16, bool) {
	switch raw {
	case Store, Deflate:
		return raw, true
	default:
		return 0, false
	}
}

func mustReadSig(r io.ReadSeeker, pos int64, want uint32, reason string) error {
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return errIO(err)
	}
	got, err := readUint32(r)
	if err != nil {
		return errIO(err)
	}
	if got != want {
		return errInvalidPreviousZip(reason)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

type notValidUTF8Error struct{}

func (e *notValidUTF8Error) Error() string {
	return "file name is not valid UTF-8"
}

func errNotValidUTF8() error {
	return &notValidUTF8Error{}
}
