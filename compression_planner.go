package squashzip

import (
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
)

// Regression constants from §4.2's iteration-count formula.
const (
	iterFormulaA = 0.004381402
	iterFormulaB = 0.035055663

	minIterations = 1
	maxIterations = 20
)

// computeIterations implements §4.2 step 3: the number of compression
// iterations to target a roughly constant compression budget regardless
// of entry size. L is the uncompressed length in bytes, N the configured
// nominal iteration count (Settings.ZopfliIterations). Only meaningful for
// L > 0; callers take the Store shortcut before reaching here otherwise.
func computeIterations(L uint32, N uint8) int {
	m := math.Pow(float64(L)/65536, 5.0/6.0)
	t := (iterFormulaA*float64(N) + iterFormulaB) * 16
	iters := math.Round(clamp((t-iterFormulaB*m)/(iterFormulaA*m), minIterations, maxIterations))
	return int(iters)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// iterationsToLevel maps the 1..20 iteration count onto
// klauspost/compress/flate's compression levels. The original
// implementation drives an iteration-counted Zopfli encoder; no Go Zopfli
// binding exists anywhere in the corpus (see DESIGN.md), so flate's level
// knob (1..9) stands in as the nearest available effort/time control,
// scaled linearly across the iteration range.
func iterationsToLevel(iters int) int {
	if iters <= minIterations {
		return flate.BestSpeed
	}
	if iters >= maxIterations {
		return flate.BestCompression
	}
	scaled := 1 + (iters-1)*(flate.BestCompression-flate.BestSpeed)/(maxIterations-1)
	if scaled < flate.BestSpeed {
		scaled = flate.BestSpeed
	}
	if scaled > flate.BestCompression {
		scaled = flate.BestCompression
	}
	return scaled
}

// compressionResult is the outcome of planning an entry's representation:
// the chosen method, its CRC32 and sizes, and a rewound stream holding
// exactly compressedSize bytes of the chosen representation (the
// uncompressed bytes themselves, for Store; the Deflate stream, for
// Deflate).
type compressionResult struct {
	method           uint16
	crc32            uint32
	uncompressedSize uint32
	compressedSize   uint32
	payload          *spooledStream
}

// planEntry implements §4.2 in full: it hashes and spools content, then
// either takes the Store shortcut or runs Deflate at the iteration-derived
// level, keeping whichever representation is smaller (step 4). scratchMemLimit
// is the per-scratch-stream bound, already halved from Settings.SpoolBufferSize
// by the caller per §5's "two short-lived scratch streams... half of
// spool_buffer_size".
func planEntry(content io.Reader, skipCompression bool, nominalIterations uint8, scratchMemLimit int64, logger Logger) (*compressionResult, error) {
	raw := newSpooledStream(scratchMemLimit, logger)
	hasher := crc32.NewIEEE()

	n, err := io.Copy(io.MultiWriter(raw, hasher), content)
	if err != nil {
		raw.Close()
		return nil, errIO(err)
	}
	if n > uint32Max {
		raw.Close()
		return nil, errFileTooBig
	}
	L := uint32(n)
	crc := hasher.Sum32()

	if skipCompression || nominalIterations == 0 || L == 0 {
		if _, err := raw.Seek(0, io.SeekStart); err != nil {
			raw.Close()
			return nil, err
		}
		return &compressionResult{
			method:           Store,
			crc32:            crc,
			uncompressedSize: L,
			compressedSize:   L,
			payload:          raw,
		}, nil
	}

	if _, err := raw.Seek(0, io.SeekStart); err != nil {
		raw.Close()
		return nil, err
	}

	level := iterationsToLevel(computeIterations(L, nominalIterations))
	compressed := newSpooledStream(scratchMemLimit, logger)
	fw, err := flate.NewWriter(compressed, level)
	if err != nil {
		raw.Close()
		compressed.Close()
		return nil, errIO(err)
	}
	if _, err := io.Copy(fw, raw); err != nil {
		raw.Close()
		compressed.Close()
		return nil, errIO(err)
	}
	if err := fw.Close(); err != nil {
		raw.Close()
		compressed.Close()
		return nil, errIO(err)
	}

	if compressed.Size() < int64(L) {
		raw.Close()
		if _, err := compressed.Seek(0, io.SeekStart); err != nil {
			compressed.Close()
			return nil, err
		}
		return &compressionResult{
			method:           Deflate,
			crc32:            crc,
			uncompressedSize: L,
			compressedSize:   uint32(compressed.Size()),
			payload:          compressed,
		}, nil
	}

	compressed.Close()
	if _, err := raw.Seek(0, io.SeekStart); err != nil {
		raw.Close()
		return nil, err
	}
	return &compressionResult{
		method:           Store,
		crc32:            crc,
		uncompressedSize: L,
		compressedSize:   L,
		payload:          raw,
	}, nil
}
