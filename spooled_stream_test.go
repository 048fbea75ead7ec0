package squashzip

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpooledStreamStaysInMemoryBelowLimit(t *testing.T) {
	s := newSpooledStream(1024, nopLogger{})
	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Nil(t, s.file)
	assert.Equal(t, int64(5), s.Size())
}

func TestSpooledStreamSpillsOverLimit(t *testing.T) {
	s := newSpooledStream(4, nopLogger{})
	_, err := s.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.NotNil(t, s.file)
	assert.Equal(t, int64(11), s.Size())

	var out bytes.Buffer
	n, err := s.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", out.String())
	require.NoError(t, s.Close())
}

func TestSpooledStreamReadAtIsCursorIndependent(t *testing.T) {
	s := newSpooledStream(1024, nopLogger{})
	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))

	// ReadAt must not disturb the append cursor.
	n, err = s.Write([]byte("AB"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(12), s.Size())
}

func TestSpooledStreamSeekAndRead(t *testing.T) {
	s := newSpooledStream(1024, nopLogger{})
	_, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)

	_, err = s.Seek(2, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "cde", string(buf))
}

func TestSpooledStreamSpillPreservesExistingMemContent(t *testing.T) {
	s := newSpooledStream(8, nopLogger{})
	_, err := s.Write([]byte("1234"))
	require.NoError(t, err)
	assert.Nil(t, s.file)

	_, err = s.Write([]byte("567890"))
	require.NoError(t, err)
	require.NotNil(t, s.file)

	var out bytes.Buffer
	_, err = s.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", out.String())
	require.NoError(t, s.Close())
}
