package buffer

import (
	"fmt"
	"io"
	"math"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// File is an in-memory image of one remote file. It is owned by a single
// open handle and is not safe for concurrent use.
type File struct {
	data    []byte
	manager *Manager
}

// Len returns the current length of the image.
func (f *File) Len() int64 {
	return int64(len(f.data))
}

// Bytes returns the image. The slice is only valid until the next write or
// Release.
func (f *File) Bytes() []byte {
	return f.data
}

// ReadAt copies bytes starting at off into p. Reads that start at or past the
// end return io.EOF; reads that cross the end return the available bytes
// without an error.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("buffer: negative offset %d", off)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	return copy(p, f.data[off:]), nil
}

// WriteAt writes p at off, growing the image as needed. A gap between the
// old end and off is zero-filled.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("buffer: negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))
	if end < off || end > math.MaxInt {
		return 0, errors.NewError(errors.ErrCodeDiskFull, "file image exceeds addressable size").
			WithComponent("buffer")
	}
	if end > int64(len(f.data)) {
		if err := f.resize(end); err != nil {
			return 0, err
		}
	}
	return copy(f.data[off:], p), nil
}

// WriteAtConstrained writes p at off without growing the image: bytes that
// would land past the current end are dropped.
func (f *File) WriteAtConstrained(p []byte, off int64) int {
	if off < 0 || off >= int64(len(f.data)) {
		return 0
	}
	return copy(f.data[off:], p)
}

// Append writes p at the current end and returns the offset it was written at.
func (f *File) Append(p []byte) (int64, int, error) {
	off := f.Len()
	n, err := f.WriteAt(p, off)
	return off, n, err
}

// Truncate sets the length of the image, zero-filling on growth.
func (f *File) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("buffer: negative size %d", size)
	}
	if size > math.MaxInt {
		return errors.NewError(errors.ErrCodeDiskFull, "file image exceeds addressable size").
			WithComponent("buffer")
	}
	return f.resize(size)
}

// Release returns the backing storage. The File is empty afterwards and may be
// reused.
func (f *File) Release() {
	if f.data == nil {
		return
	}
	f.manager.free(f.data)
	f.data = nil
}

func (f *File) resize(size int64) error {
	n := int(size)
	if n <= len(f.data) {
		// Keep the tail zeroed so a later grow within capacity reads zeros.
		clear(f.data[n:])
		f.data = f.data[:n]
		return nil
	}
	if n <= cap(f.data) {
		f.data = f.data[:n]
		return nil
	}

	newCap := 2 * cap(f.data)
	if newCap < n {
		newCap = n
	}
	grown, err := f.manager.alloc(newCap)
	if err != nil {
		return err
	}
	grown = grown[:n]
	copy(grown, f.data)
	f.manager.free(f.data)
	f.data = grown
	return nil
}
