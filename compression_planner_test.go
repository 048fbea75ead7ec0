package squashzip

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIterationsClampedRange(t *testing.T) {
	for _, n := range []uint8{0, 1, 10, 255} {
		for _, l := range []uint32{1, 1024, 1 << 20, 1 << 30} {
			iters := computeIterations(l, n)
			assert.GreaterOrEqual(t, iters, minIterations)
			assert.LessOrEqual(t, iters, maxIterations)
		}
	}
}

func TestIterationsToLevelMonotonic(t *testing.T) {
	prev := iterationsToLevel(minIterations)
	assert.Equal(t, flate.BestSpeed, prev)
	for i := minIterations + 1; i <= maxIterations; i++ {
		level := iterationsToLevel(i)
		assert.GreaterOrEqual(t, level, prev)
		prev = level
	}
	assert.Equal(t, flate.BestCompression, iterationsToLevel(maxIterations))
}

func TestPlanEntryStoresWhenSkipCompression(t *testing.T) {
	content := strings.Repeat("a", 1000)
	result, err := planEntry(strings.NewReader(content), true, 10, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer result.payload.Close()
	assert.Equal(t, Store, result.method)
	assert.Equal(t, uint32(len(content)), result.uncompressedSize)
	assert.Equal(t, uint32(len(content)), result.compressedSize)
}

func TestPlanEntryStoresWhenZopfliIterationsZero(t *testing.T) {
	content := strings.Repeat("compress me please", 500)
	result, err := planEntry(strings.NewReader(content), false, 0, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer result.payload.Close()
	assert.Equal(t, Store, result.method)
}

func TestPlanEntryEmptyContentIsStored(t *testing.T) {
	result, err := planEntry(strings.NewReader(""), false, 10, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer result.payload.Close()
	assert.Equal(t, Store, result.method)
	assert.Equal(t, uint32(0), result.uncompressedSize)
	assert.Equal(t, uint32(0), result.compressedSize)
}

func TestPlanEntryCompressesHighlyRedundantContent(t *testing.T) {
	content := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 2000)
	result, err := planEntry(strings.NewReader(content), false, 10, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer result.payload.Close()
	assert.Equal(t, Deflate, result.method)
	assert.Less(t, result.compressedSize, result.uncompressedSize)

	var out bytes.Buffer
	fr := flate.NewReader(result.payload)
	defer fr.Close()
	_, err = out.ReadFrom(fr)
	require.NoError(t, err)
	assert.Equal(t, content, out.String())
}

func TestPlanEntryCRCIsStable(t *testing.T) {
	content := "same content every time"
	r1, err := planEntry(strings.NewReader(content), true, 10, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer r1.payload.Close()
	r2, err := planEntry(strings.NewReader(content), true, 10, 1<<20, nopLogger{})
	require.NoError(t, err)
	defer r2.payload.Close()
	assert.Equal(t, r1.crc32, r2.crc32)
	assert.Equal(t, verifyCRC32([]byte(content)), r1.crc32)
}
