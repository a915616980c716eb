package sinks

import (
	"errors"
	"io"
)

// MemoryFile is an in-memory io.WriteSeeker. WAV headers are patched after
// the data is written, so the encoder needs to seek back.
type MemoryFile struct {
	buf []byte
	pos int
}

var _ io.WriteSeeker = (*MemoryFile)(nil)

// Write writes p at the current position, growing the file as needed.
func (f *MemoryFile) Write(p []byte) (int, error) {
	end := f.pos + len(p)
	if end > len(f.buf) {
		if end > cap(f.buf) {
			grown := make([]byte, len(f.buf), max(end, 2*cap(f.buf)))
			copy(grown, f.buf)
			f.buf = grown
		}
		f.buf = f.buf[:end]
	}
	copy(f.buf[f.pos:], p)
	f.pos = end
	return len(p), nil
}

// Seek sets the position for the next Write.
func (f *MemoryFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(len(f.buf))
	default:
		return 0, errors.New("memoryfile: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("memoryfile: negative position")
	}
	f.pos = int(next)
	return next, nil
}

// Bytes returns the file contents.
func (f *MemoryFile) Bytes() []byte { return f.buf }

// Len returns the file size.
func (f *MemoryFile) Len() int { return len(f.buf) }
