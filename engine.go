package squashzip

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// Settings configures an Engine. The zero value is usable except that
// ZopfliIterations == 0 means "never compress" (§4.2), which is a valid
// choice, not an oversight — callers who want compression must set it
// explicitly.
type Settings struct {
	// ZopfliIterations is the nominal iteration count N fed into the
	// compression planner's formula (§4.2). Zero means never compress:
	// every entry is stored.
	ZopfliIterations uint8
	// StoreSquashTime enables capturing and sanitizing a wall-clock
	// instant per entry (§4.3 step 1). Disabled, every entry's squash
	// time is the zero value, which produces reproducible output; an
	// engine that later reads such an archive still reports an instant
	// from FileProcessTime for its entries, decoded from those zero bytes
	// rather than from a captured time.
	StoreSquashTime bool
	// EnableObfuscation turns on the obfuscating prologue and per-record
	// header mutations (§2).
	EnableObfuscation bool
	// EnableDeduplication turns on the CRC32+size dedup index (§3, §4.3).
	EnableDeduplication bool
	// EnableSizeIncreasingObfuscation grows the obfuscating prologue;
	// meaningless unless EnableObfuscation is set.
	EnableSizeIncreasingObfuscation bool
	// PercentageOfRecordsTunedForObfuscationDiscretion, 0..100, selects
	// the share of records that receive the more disruptive obfuscation
	// variant; meaningless unless EnableObfuscation is set.
	PercentageOfRecordsTunedForObfuscationDiscretion uint8
	// WorkaroundOldJavaObfuscationQuirks disables the one obfuscation
	// mutation known to trip up older Java ZIP readers.
	WorkaroundOldJavaObfuscationQuirks bool
	// SpoolBufferSize bounds the in-memory head of every spooled stream
	// this engine creates (§2, §5); each AddFile call's scratch streams
	// are sized to half of this. Defaults to 8 MiB if zero or negative.
	SpoolBufferSize int64
	// Logger receives best-effort diagnostics (see Logger). Defaults to
	// a no-op logger.
	Logger Logger
	// TimestampKey, if set, fixes the Timestamp Sanitizer's AES key
	// instead of using the process-wide randomly-keyed default (§9
	// design notes); intended for deterministic tests.
	TimestampKey *[16]byte
}

const defaultSpoolBufferSize int64 = 8 << 20

func (s Settings) withDefaults() Settings {
	if s.SpoolBufferSize <= 0 {
		s.SpoolBufferSize = defaultSpoolBufferSize
	}
	if s.Logger == nil {
		s.Logger = nopLogger{}
	}
	return s
}

// committedEntry is one logical entry's record in the partial central
// directory (§3's "Partial central directory"), carrying the true
// (un-obfuscated) field values the data model is defined in terms of.
type committedEntry struct {
	lfhOffset         uint64
	name              string
	compressionMethod uint16
	squashTime        [4]byte
	crc32             uint32
	compressedSize    uint32
	uncompressedSize  uint32
}

// engineState is the Fresh -> Building -> Finalized machine from §4.6.
type engineState int

const (
	stateFresh engineState = iota
	stateBuilding
	stateFinalized
)

// ErrFinalized is returned by AddFile/AddPreviousFile/Finish once Finish
// has already consumed the Engine.
var ErrFinalized = errors.New("squashzip: engine already finalized")

// Engine is the archive builder described in §2 and §4. The zero value is
// not usable; construct one with New. An Engine is safe for concurrent
// AddFile/AddPreviousFile calls; Finish consumes it.
type Engine struct {
	settings  Settings
	logger    Logger
	sanitizer *timestampSanitizer
	obf       *obfuscationEngine

	previous       *previousArchiveIndex
	previousReader io.ReadSeeker
	previousMu     sync.Mutex

	dedup    *dedupIndex
	outputMu sync.Mutex
	output   *spooledStream

	entriesMu sync.Mutex
	entries   []committedEntry

	stateMu   sync.Mutex
	state     engineState
	poisonErr error
}

// New constructs an Engine. previous, if non-nil, is parsed immediately
// into the previous-archive index (§4.1); a parse failure is returned
// directly and no Engine is constructed. previous is retained for the
// lifetime of the Engine to serve AddPreviousFile's payload copies, and
// must remain readable and seekable until Finish is called.
func New(previous io.ReadSeeker, settings Settings) (*Engine, error) {
	settings = settings.withDefaults()

	sanitizer := defaultTimestampSanitizer()
	if settings.TimestampKey != nil {
		var err error
		sanitizer, err = newTimestampSanitizer(*settings.TimestampKey)
		if err != nil {
			return nil, err
		}
	}

	obf := newObfuscationEngine(settings)

	var idx *previousArchiveIndex
	if previous != nil {
		var err error
		idx, err = parsePreviousArchive(previous, obf, sanitizer)
		if err != nil {
			return nil, err
		}
	}

	previousCount := 0
	if idx != nil {
		previousCount = idx.count()
	}

	output := newSpooledStream(settings.SpoolBufferSize, settings.Logger)
	nonce := uint64(previousCount) ^ uint64(settings.SpoolBufferSize)
	if err := obf.WritePrologue(output, nonce); err != nil {
		output.Close()
		return nil, err
	}

	return &Engine{
		settings:       settings,
		logger:         settings.Logger,
		sanitizer:      sanitizer,
		obf:            obf,
		previous:       idx,
		previousReader: previous,
		dedup:          newDedupIndex(settings.EnableDeduplication),
		output:         output,
		state:          stateFresh,
	}, nil
}

func (e *Engine) beginOperation() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state == stateFinalized {
		return ErrFinalized
	}
	if e.poisonErr != nil {
		return e.poisonErr
	}
	if e.state == stateFresh {
		e.state = stateBuilding
	}
	return nil
}

func (e *Engine) poison(err error) error {
	e.stateMu.Lock()
	e.poisonErr = err
	e.stateMu.Unlock()
	return err
}

// byteSource reads len(buf) bytes starting at logical offset off — 0 at
// the start of an entry's compressed payload — into buf. Implementations
// must support being called repeatedly from off == 0 (the dedup compare
// loop in §4.3 step 4 restarts for every bucket candidate).
type byteSource func(buf []byte, off int64) error

// AddFile implements §4.3: it hashes, spools and adaptively compresses
// content, then either coalesces it with an already-written
// byte-identical payload or appends a new record. A returned error
// poisons the Engine; every subsequent call fails until a new Engine is
// constructed.
func (e *Engine) AddFile(path RelativePath, content io.Reader, skipCompression bool, sizeHint int64) error {
	if err := e.beginOperation(); err != nil {
		return err
	}

	var now time.Time
	if e.settings.StoreSquashTime {
		now = time.Now()
	}

	result, err := planEntry(content, skipCompression, e.settings.ZopfliIterations, e.settings.SpoolBufferSize/2, e.logger)
	if err != nil {
		return e.poison(err)
	}
	defer result.payload.Close()

	var squashTime [4]byte
	if e.settings.StoreSquashTime {
		squashTime, err = e.sanitizer.Sanitize(now, result.crc32)
		if err != nil {
			return e.poison(err)
		}
	}

	lfh, err := newLocalFileHeader(path)
	if err != nil {
		return e.poison(err)
	}
	lfh.compressionMethod = result.method
	lfh.crc32 = result.crc32
	lfh.squashTime = squashTime
	lfh.uncompressedSize = result.uncompressedSize
	lfh.compressedSize = result.compressedSize

	read := func(buf []byte, off int64) error {
		if _, err := result.payload.Seek(off, io.SeekStart); err != nil {
			return err
		}
		_, err := io.ReadFull(result.payload, buf)
		return err
	}

	offset, err := e.commitPayload(lfh, read)
	if err != nil {
		return e.poison(err)
	}

	e.recordEntry(committedEntry{
		lfhOffset:         offset,
		name:              string(path),
		compressionMethod: result.method,
		squashTime:        squashTime,
		crc32:             result.crc32,
		compressedSize:    result.compressedSize,
		uncompressedSize:  result.uncompressedSize,
	})

	return nil
}

// AddPreviousFile implements §4.4. NoSuchPreviousFile is the one
// recoverable error: it leaves the Engine untouched and usable.
func (e *Engine) AddPreviousFile(path RelativePath) error {
	if err := e.beginOperation(); err != nil {
		return err
	}

	if e.previous == nil {
		return errNoSuchPreviousFile(path.String())
	}
	prev, ok := e.previous.lookup(string(path))
	if !ok {
		return errNoSuchPreviousFile(path.String())
	}

	squashTime, err := e.sanitizer.Sanitize(prev.squashTime, prev.crc32)
	if err != nil {
		return e.poison(err)
	}

	lfh, err := newLocalFileHeader(path)
	if err != nil {
		return e.poison(err)
	}
	lfh.compressionMethod = prev.compressionMethod
	lfh.crc32 = prev.crc32
	lfh.squashTime = squashTime
	lfh.uncompressedSize = prev.uncompressedSize
	lfh.compressedSize = prev.compressedSize

	read := func(buf []byte, off int64) error {
		e.previousMu.Lock()
		defer e.previousMu.Unlock()
		if _, err := e.previousReader.Seek(int64(prev.dataOffset)+off, io.SeekStart); err != nil {
			return err
		}
		_, err := io.ReadFull(e.previousReader, buf)
		return err
	}

	offset, err := e.commitPayload(lfh, read)
	if err != nil {
		return e.poison(err)
	}

	e.recordEntry(committedEntry{
		lfhOffset:         offset,
		name:              string(path),
		compressionMethod: prev.compressionMethod,
		squashTime:        squashTime,
		crc32:             prev.crc32,
		compressedSize:    prev.compressedSize,
		uncompressedSize:  prev.uncompressedSize,
	})

	return nil
}

// commitPayload implements the shared dedup-or-append logic of §4.3
// steps 3-6 (and, via read, §4.4's previous-archive payload source): it
// acquires the dedup-index and output-stream mutexes in that fixed
// order (§5), looks for a byte-identical existing payload, and either
// reuses its LFH offset or appends a new record.
func (e *Engine) commitPayload(lfh *localFileHeader, read byteSource) (uint64, error) {
	key := dedupKey{crc32: lfh.crc32, compressedSize: lfh.compressedSize}

	e.dedup.lock()
	defer e.dedup.unlock()
	e.outputMu.Lock()
	defer e.outputMu.Unlock()

	for _, loc := range e.dedup.bucket(key) {
		matched, err := e.compareExisting(loc, lfh.compressedSize, read)
		if err != nil {
			return 0, err
		}
		if matched {
			return loc.lfhOffset, nil
		}
	}

	offset := uint64(e.output.Size())

	writeHeader := *lfh
	e.obf.ObfuscateLocalFileHeader(&writeHeader)
	if _, err := e.output.Write(writeHeader.encode()); err != nil {
		return 0, errIO(err)
	}
	e.dedup.add(key, recordLocation{lfhOffset: offset, lfhSize: uint32(writeHeader.size())})

	if err := e.copyPayload(lfh.compressedSize, read); err != nil {
		return 0, err
	}
	return offset, nil
}

const compareChunkSize = 32 * 1024

// compareExisting implements §4.3 step 4: a byte-by-byte compare between
// an existing payload region (at loc's offset, immediately after its LFH)
// and the payload read reports.
func (e *Engine) compareExisting(loc recordLocation, compressedSize uint32, read byteSource) (bool, error) {
	existingOffset := int64(loc.lfhOffset + uint64(loc.lfhSize))

	buf1 := make([]byte, compareChunkSize)
	buf2 := make([]byte, compareChunkSize)

	var consumed int64
	remaining := int64(compressedSize)
	for remaining > 0 {
		n := int64(compareChunkSize)
		if n > remaining {
			n = remaining
		}
		if err := read(buf1[:n], consumed); err != nil {
			return false, errIO(err)
		}
		if _, err := e.output.ReadAt(buf2[:n], existingOffset+consumed); err != nil {
			return false, errIO(err)
		}
		if !bytes.Equal(buf1[:n], buf2[:n]) {
			return false, nil
		}
		consumed += n
		remaining -= n
	}
	return true, nil
}

// copyPayload appends compressedSize bytes, read from the start of the
// payload source, to the output stream's tail.
func (e *Engine) copyPayload(compressedSize uint32, read byteSource) error {
	buf := make([]byte, compareChunkSize)
	var consumed int64
	remaining := int64(compressedSize)
	for remaining > 0 {
		n := int64(compareChunkSize)
		if n > remaining {
			n = remaining
		}
		if err := read(buf[:n], consumed); err != nil {
			return errIO(err)
		}
		if _, err := e.output.Write(buf[:n]); err != nil {
			return errIO(err)
		}
		consumed += n
		remaining -= n
	}
	return nil
}

func (e *Engine) recordEntry(entry committedEntry) {
	e.entriesMu.Lock()
	e.entries = append(e.entries, entry)
	e.entriesMu.Unlock()
}

// FileProcessTime returns the sanitized squash-time instant recovered for
// path from the previous archive supplied to New (P6). It never reflects
// entries added via AddFile in the current run — those have no prior
// instant to recover, regardless of StoreSquashTime.
func (e *Engine) FileProcessTime(path RelativePath) (time.Time, bool) {
	if e.previous == nil {
		return time.Time{}, false
	}
	entry, ok := e.previous.lookup(string(path))
	if !ok {
		return time.Time{}, false
	}
	return entry.squashTime, true
}

// PreviousFileCount returns the number of entries recovered from the
// previous archive, or 0 if none was supplied to New.
func (e *Engine) PreviousFileCount() int {
	if e.previous == nil {
		return 0
	}
	return e.previous.count()
}

// Finish implements §4.5: it writes the central directory and EOCD, then
// flushes the output to destPath. It consumes the Engine; no further
// calls are valid afterward.
func (e *Engine) Finish(destPath string) error {
	e.stateMu.Lock()
	if e.state == stateFinalized {
		e.stateMu.Unlock()
		return ErrFinalized
	}
	if e.poisonErr != nil {
		e.stateMu.Unlock()
		return e.poisonErr
	}
	e.state = stateFinalized
	e.stateMu.Unlock()

	e.entriesMu.Lock()
	entries := e.entries
	e.entriesMu.Unlock()

	cdStart := uint64(e.output.Size())
	for _, entry := range entries {
		cdh := &centralDirectoryHeader{
			localHeaderOffset: entry.lfhOffset,
			fileName:          entry.name,
			compressionMethod: entry.compressionMethod,
			squashTime:        entry.squashTime,
			crc32:             entry.crc32,
			compressedSize:    entry.compressedSize,
			uncompressedSize:  entry.uncompressedSize,
		}
		e.obf.ObfuscateCentralDirectoryHeader(cdh)
		if _, err := e.output.Write(cdh.encode()); err != nil {
			return e.poison(errIO(err))
		}
	}
	cdEnd := uint64(e.output.Size())

	eocd := &endOfCentralDirectory{
		centralDirectoryEntryCountThisDisk: uint64(len(entries)),
		totalCentralDirectoryEntryCount:    uint64(len(entries)),
		centralDirectorySize:               cdEnd - cdStart,
		centralDirectoryStartOffset:        cdStart,
		totalNumberOfDisks:                 1,
		currentFileOffset:                  cdEnd,
	}
	e.obf.ObfuscateEndOfCentralDirectory(eocd)
	if _, err := e.output.Write(eocd.encode()); err != nil {
		return e.poison(errIO(err))
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return e.poison(errIO(err))
	}
	if _, err := e.output.WriteTo(dest); err != nil {
		dest.Close()
		return e.poison(err)
	}
	if err := dest.Close(); err != nil {
		return e.poison(errIO(err))
	}
	return e.output.Close()
}
