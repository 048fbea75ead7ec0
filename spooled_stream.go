package squashzip

import (
	"io"
	"os"

	"github.com/dustin/go-humanize"
)

// spooledStream is a read/write/seek byte stream that keeps its content in
// memory up to memLimit bytes, then spills everything written so far (and
// anything written after) to a temporary file. It backs both the output
// archive (§2) and the two short-lived scratch streams each AddFile call
// allocates (§5), sized to half of Settings.SpoolBufferSize.
//
// spooledStream is not safe for concurrent use; callers that share one
// across goroutines (the output stream) are responsible for their own
// locking, per the fixed lock-acquisition order described in §5.
type spooledStream struct {
	memLimit int64
	mem      []byte
	file     *os.File
	pos      int64
	size     int64
	logger   Logger
}

func newSpooledStream(memLimit int64, logger Logger) *spooledStream {
	if logger == nil {
		logger = nopLogger{}
	}
	return &spooledStream{memLimit: memLimit, logger: logger}
}

func (s *spooledStream) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))

	if s.file == nil && end > s.memLimit {
		if err := s.spill(); err != nil {
			return 0, errIO(err)
		}
	}

	if s.file != nil {
		n, err := s.file.WriteAt(p, s.pos)
		s.pos += int64(n)
		if s.pos > s.size {
			s.size = s.pos
		}
		return n, errIO(err)
	}

	if end > int64(len(s.mem)) {
		grown := make([]byte, end)
		copy(grown, s.mem)
		s.mem = grown
	}
	copy(s.mem[s.pos:end], p)
	s.pos = end
	if s.pos > s.size {
		s.size = s.pos
	}
	return len(p), nil
}

// spill moves the in-memory head to a backing temp file. Called the moment
// a write would exceed memLimit, matching the "bounded in-memory head,
// overflow to a temporary file" contract of §2.
func (s *spooledStream) spill() error {
	f, err := os.CreateTemp("", "squashzip-spool-*")
	if err != nil {
		return err
	}
	if len(s.mem) > 0 {
		if _, err := f.WriteAt(s.mem, 0); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
	}
	s.file = f
	s.mem = nil
	s.logger.Printf("squashzip: spooled stream exceeded %s in memory, overflowed to %s",
		humanize.Bytes(uint64(s.memLimit)), f.Name())
	return nil
}

func (s *spooledStream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	max := s.size - s.pos
	if int64(len(p)) > max {
		p = p[:max]
	}
	if s.file != nil {
		n, err := s.file.ReadAt(p, s.pos)
		s.pos += int64(n)
		if err == io.EOF && n == len(p) {
			err = nil
		}
		return n, errIO(err)
	}
	n := copy(p, s.mem[s.pos:])
	s.pos += int64(n)
	return n, nil
}

// ReadAt lets callers (the deduplicating writer's byte compare, §4.3 step 4)
// read from an arbitrary offset without disturbing the stream's cursor.
func (s *spooledStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errIO(os.ErrInvalid)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	max := s.size - off
	n64 := int64(len(p))
	short := n64 > max
	if short {
		p = p[:max]
	}
	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.ReadAt(p, off)
		if err == io.EOF && n == len(p) {
			err = nil
		}
	} else {
		n = copy(p, s.mem[off:])
	}
	if err == nil && short {
		err = io.EOF
	}
	return n, errIO(err)
}

func (s *spooledStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return 0, errIO(os.ErrInvalid)
	}
	if target < 0 {
		return 0, errIO(os.ErrInvalid)
	}
	s.pos = target
	return target, nil
}

// Size reports the stream's logical length, regardless of cursor position.
func (s *spooledStream) Size() int64 {
	return s.size
}

// Tell reports the stream's current cursor position.
func (s *spooledStream) Tell() int64 {
	return s.pos
}

// WriteTo copies the stream's full content, from offset 0, to w. Finalize
// (§4.5) uses this to flush the spooled output to its destination path.
func (s *spooledStream) WriteTo(w io.Writer) (int64, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return 0, errIO(err)
		}
		n, err := io.CopyN(w, s.file, s.size)
		return n, errIO(err)
	}
	n, err := w.Write(s.mem[:s.size])
	return int64(n), errIO(err)
}

// Close releases the backing temp file, if one was created.
func (s *spooledStream) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	os.Remove(name)
	return errIO(err)
}
