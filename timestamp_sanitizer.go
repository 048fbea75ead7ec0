package squashzip

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// timestampSanitizer implements the deterministic keyed transform between a
// wall-clock instant and the 4-byte "squash time" stored in a record (§2,
// I5). It is keyed two ways: a 16-byte secret fixed for the sanitizer's
// lifetime, and the entry's CRC32, folded in per call so that two entries
// modified at the same instant do not produce the same squash time.
//
// The transform is a one-time-pad XOR: a 4-byte pad is derived by
// AES-encrypting a block built from the CRC, then XORed against the
// instant's 4-byte representation. XOR is its own inverse, so desanitize
// is exactly sanitize run again with the same pad, satisfying I5 for every
// (instant, key) pair without needing two code paths.
type timestampSanitizer struct {
	block cipher.Block
}

// newTimestampSanitizer builds a sanitizer keyed with key. key should come
// from crypto/rand in production; tests may supply a fixed key for
// reproducible output.
func newTimestampSanitizer(key [16]byte) (*timestampSanitizer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errSystemTimeSanitization(err)
	}
	return &timestampSanitizer{block: block}, nil
}

func (s *timestampSanitizer) pad(crc uint32) [4]byte {
	var plaintext [aes.BlockSize]byte
	binary.LittleEndian.PutUint32(plaintext[:4], crc)
	var ciphertext [aes.BlockSize]byte
	s.block.Encrypt(ciphertext[:], plaintext[:])
	var pad [4]byte
	copy(pad[:], ciphertext[:4])
	return pad
}

// minSanitizableUnix and maxSanitizableUnix bound the instants this
// sanitizer can represent: a second count that fits in an unsigned 32-bit
// field, i.e. 1970-01-01 through 2106-02-07.
const (
	minSanitizableUnix int64 = 0
	maxSanitizableUnix int64 = uint32Max
)

// Sanitize renders t, keyed by crc, as 4 squash-time bytes. It fails with
// SystemTimeSanitization if t falls outside the representable range.
func (s *timestampSanitizer) Sanitize(t time.Time, crc uint32) ([4]byte, error) {
	unix := t.Unix()
	if unix < minSanitizableUnix || unix > maxSanitizableUnix {
		return [4]byte{}, errSystemTimeSanitization(errTimeOutOfRange(t))
	}
	pad := s.pad(crc)
	var raw, out [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(unix))
	for i := range out {
		out[i] = raw[i] ^ pad[i]
	}
	return out, nil
}

// Desanitize recovers the instant sanitize(t, crc) was built from. It is
// total over the 4-byte domain: every squashTime value decodes to some
// instant in [1970-01-01, 2106-02-07].
func (s *timestampSanitizer) Desanitize(squashTime [4]byte, crc uint32) time.Time {
	pad := s.pad(crc)
	var raw [4]byte
	for i := range raw {
		raw[i] = squashTime[i] ^ pad[i]
	}
	seconds := binary.LittleEndian.Uint32(raw[:])
	return time.Unix(int64(seconds), 0).UTC()
}

type timeOutOfRangeError struct {
	t time.Time
}

func (e *timeOutOfRangeError) Error() string {
	return fmt.Sprintf("%s is outside the range squash time can represent (1970-01-01..2106-02-07)", e.t)
}

func errTimeOutOfRange(t time.Time) error {
	return &timeOutOfRangeError{t: t}
}

// defaultTimestampSanitizer is the process-wide sanitizer used whenever
// Settings.TimestampKey is unset, mirroring squash_zip.rs's
// SYSTEM_TIME_SANITIZER: lazily built once, on first use, with a fresh
// random key (§9 design notes offer this as one of two valid models; the
// other, a constructor-injected key, is exposed via Settings.TimestampKey
// for deterministic tests).
var (
	defaultTimestampSanitizerOnce sync.Once
	defaultTimestampSanitizerVal  *timestampSanitizer
)

func defaultTimestampSanitizer() *timestampSanitizer {
	defaultTimestampSanitizerOnce.Do(func() {
		var key [16]byte
		mustCryptoRandRead(key[:])
		s, err := newTimestampSanitizer(key)
		if err != nil {
			// aes.NewCipher only fails on a bad key length, which
			// a fixed-size array here makes impossible.
			panic(err)
		}
		defaultTimestampSanitizerVal = s
	})
	return defaultTimestampSanitizerVal
}

// mustCryptoRandRead fills p from crypto/rand, panicking on failure. Same
// shape as buildbarn-bb-storage/pkg/random's mustCryptoRandRead: a failure
// here means the system's entropy source is broken, which no caller of
// this package can meaningfully recover from.
func mustCryptoRandRead(p []byte) {
	if _, err := rand.Read(p); err != nil {
		panic(fmt.Sprintf("squashzip: crypto/rand.Read failed: %s", err))
	}
}
