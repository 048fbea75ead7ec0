package squashzip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupIndexDisabledAlwaysEmpty(t *testing.T) {
	d := newDedupIndex(false)
	d.lock()
	d.add(dedupKey{crc32: 1, compressedSize: 2}, recordLocation{lfhOffset: 10})
	assert.Nil(t, d.bucket(dedupKey{crc32: 1, compressedSize: 2}))
	d.unlock()
}

func TestDedupIndexEnabledTracksBuckets(t *testing.T) {
	d := newDedupIndex(true)
	key := dedupKey{crc32: 1, compressedSize: 2}

	d.lock()
	assert.Nil(t, d.bucket(key))
	d.add(key, recordLocation{lfhOffset: 10, lfhSize: 30})
	d.add(key, recordLocation{lfhOffset: 200, lfhSize: 30})
	d.unlock()

	d.lock()
	locs := d.bucket(key)
	d.unlock()
	assert.Len(t, locs, 2)
	assert.Equal(t, uint64(10), locs[0].lfhOffset)
	assert.Equal(t, uint64(200), locs[1].lfhOffset)
}

func TestDedupIndexDistinctKeysDoNotCollide(t *testing.T) {
	d := newDedupIndex(true)
	d.lock()
	d.add(dedupKey{crc32: 1, compressedSize: 2}, recordLocation{lfhOffset: 10})
	d.unlock()

	d.lock()
	defer d.unlock()
	assert.Empty(t, d.bucket(dedupKey{crc32: 1, compressedSize: 3}))
}
