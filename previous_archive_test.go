package squashzip

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawArchive builds a minimal, hand-assembled ZIP byte stream for exercising
// parsePreviousArchive's validation branches that this engine's own encoder
// never produces (a nonzero comment length, an unrecognized compression
// method).
type rawArchive struct {
	buf bytes.Buffer
}

func (a *rawArchive) localHeader(name string, content []byte, crc uint32) int64 {
	offset := int64(a.buf.Len())
	var h [30]byte
	binary.LittleEndian.PutUint32(h[0:4], localFileHeaderSignature)
	binary.LittleEndian.PutUint16(h[4:6], versionNeededToExtract)
	binary.LittleEndian.PutUint16(h[6:8], utf8Flag)
	binary.LittleEndian.PutUint16(h[8:10], Store)
	binary.LittleEndian.PutUint32(h[14:18], crc)
	binary.LittleEndian.PutUint32(h[18:22], uint32(len(content)))
	binary.LittleEndian.PutUint32(h[22:26], uint32(len(content)))
	binary.LittleEndian.PutUint16(h[26:28], uint16(len(name)))
	a.buf.Write(h[:])
	a.buf.WriteString(name)
	a.buf.Write(content)
	return offset
}

type cdhOpts struct {
	method     uint16
	commentLen uint16
}

func (a *rawArchive) centralDirectoryHeader(name string, crc uint32, size uint32, lfhOffset int64, opts cdhOpts) {
	method := opts.method
	var h [46]byte
	binary.LittleEndian.PutUint32(h[0:4], centralDirectoryHeaderSignature)
	binary.LittleEndian.PutUint16(h[4:6], versionNeededToExtract)
	binary.LittleEndian.PutUint16(h[6:8], versionNeededToExtract)
	binary.LittleEndian.PutUint16(h[8:10], utf8Flag)
	binary.LittleEndian.PutUint16(h[10:12], method)
	binary.LittleEndian.PutUint32(h[16:20], crc)
	binary.LittleEndian.PutUint32(h[20:24], size)
	binary.LittleEndian.PutUint32(h[24:28], size)
	binary.LittleEndian.PutUint16(h[28:30], uint16(len(name)))
	binary.LittleEndian.PutUint16(h[32:34], opts.commentLen)
	binary.LittleEndian.PutUint32(h[42:46], uint32(lfhOffset))
	a.buf.Write(h[:])
	a.buf.WriteString(name)
	if opts.commentLen > 0 {
		a.buf.Write(make([]byte, opts.commentLen))
	}
}

func (a *rawArchive) endOfCentralDirectory(count uint16, cdStart, cdSize int64) {
	var e [22]byte
	binary.LittleEndian.PutUint32(e[0:4], endOfCentralDirectorySignature)
	binary.LittleEndian.PutUint16(e[8:10], count)
	binary.LittleEndian.PutUint16(e[10:12], count)
	binary.LittleEndian.PutUint32(e[12:16], uint32(cdSize))
	binary.LittleEndian.PutUint32(e[16:20], uint32(cdStart))
	a.buf.Write(e[:])
}

func noopObfuscationEngine() *obfuscationEngine {
	return newObfuscationEngine(Settings{})
}

func TestParsePreviousArchiveRejectsTruncatedFile(t *testing.T) {
	obf := noopObfuscationEngine()
	_, err := parsePreviousArchive(bytes.NewReader([]byte("short")), obf, mustFixedSanitizer(t))
	require.Error(t, err)
	var target *Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, KindInvalidPreviousZip, target.Kind)
}

func TestParsePreviousArchiveRejectsMissingEOCDSignature(t *testing.T) {
	obf := noopObfuscationEngine()
	buf := make([]byte, endOfCentralDirectoryLen)
	_, err := parsePreviousArchive(bytes.NewReader(buf), obf, mustFixedSanitizer(t))
	require.Error(t, err)
	var target *Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, KindInvalidPreviousZip, target.Kind)
}

func TestParsePreviousArchiveRejectsNonZeroComment(t *testing.T) {
	a := &rawArchive{}
	crc := verifyCRC32([]byte("x"))
	off := a.localHeader("a.txt", []byte("x"), crc)
	cdStart := int64(a.buf.Len())
	a.centralDirectoryHeader("a.txt", crc, 1, off, cdhOpts{method: Store, commentLen: 5})
	cdEnd := int64(a.buf.Len())
	a.endOfCentralDirectory(1, cdStart, cdEnd-cdStart)

	obf := noopObfuscationEngine()
	_, err := parsePreviousArchive(bytes.NewReader(a.buf.Bytes()), obf, mustFixedSanitizer(t))
	require.Error(t, err)
	var target *Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, KindInvalidPreviousZip, target.Kind)
}

func TestParsePreviousArchiveRejectsUnknownCompressionMethod(t *testing.T) {
	a := &rawArchive{}
	crc := verifyCRC32([]byte("x"))
	off := a.localHeader("a.txt", []byte("x"), crc)
	cdStart := int64(a.buf.Len())
	a.centralDirectoryHeader("a.txt", crc, 1, off, cdhOpts{method: 99})
	cdEnd := int64(a.buf.Len())
	a.endOfCentralDirectory(1, cdStart, cdEnd-cdStart)

	obf := noopObfuscationEngine()
	_, err := parsePreviousArchive(bytes.NewReader(a.buf.Bytes()), obf, mustFixedSanitizer(t))
	require.Error(t, err)
	var target *Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, KindUnknownCompressionMethod, target.Kind)
	assert.Equal(t, uint16(99), target.Raw)
}

func TestParsePreviousArchiveValidMinimalFile(t *testing.T) {
	a := &rawArchive{}
	content := []byte("hello")
	crc := verifyCRC32(content)
	off := a.localHeader("hello.txt", content, crc)
	cdStart := int64(a.buf.Len())
	a.centralDirectoryHeader("hello.txt", crc, uint32(len(content)), off, cdhOpts{method: Store})
	cdEnd := int64(a.buf.Len())
	a.endOfCentralDirectory(1, cdStart, cdEnd-cdStart)

	obf := noopObfuscationEngine()
	idx, err := parsePreviousArchive(bytes.NewReader(a.buf.Bytes()), obf, mustFixedSanitizer(t))
	require.NoError(t, err)
	assert.Equal(t, 1, idx.count())

	entry, ok := idx.lookup("hello.txt")
	require.True(t, ok)
	assert.Equal(t, crc, entry.crc32)
	assert.Equal(t, uint32(len(content)), entry.compressedSize)
	assert.Equal(t, uint64(30+len("hello.txt")), entry.dataOffset)
}

func mustFixedSanitizer(t *testing.T) *timestampSanitizer {
	t.Helper()
	return fixedKeySanitizer(t)
}
