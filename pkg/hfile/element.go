package hfile

import (
	"io"

	"github.com/pkg/errors"
)

// Element is one open tag/ref byte range. Read elements stream straight
// from the file; write elements buffer in memory and are committed to
// the container on Close.
type Element struct {
	f        *File
	tag, ref uint16

	writable bool
	closed   bool
	pos      int64

	// read mode
	off    int64
	length int32

	// write mode
	data []byte
}

// OpenElement opens an existing element for reading.
func (f *File) OpenElement(tag, ref uint16) (*Element, error) {
	off, length, ok := f.Find(tag, ref)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "tag %d ref %d", tag, ref)
	}
	return &Element{f: f, tag: tag, ref: ref, off: off, length: length}, nil
}

// CreateElement opens an element for writing, replacing any existing
// contents when the handle is closed.
func (f *File) CreateElement(tag, ref uint16) (*Element, error) {
	if f.rdonly {
		return nil, ErrReadOnly
	}
	return &Element{f: f, tag: tag, ref: ref, writable: true}, nil
}

func (e *Element) Tag() uint16 { return e.tag }
func (e *Element) Ref() uint16 { return e.ref }

// Size returns the element's current byte length.
func (e *Element) Size() int64 {
	if e.writable {
		return int64(len(e.data))
	}
	return int64(e.length)
}

func (e *Element) Read(p []byte) (int, error) {
	if e.closed {
		return 0, errors.Wrap(ErrArgument, "element is closed")
	}
	var src []byte
	if e.writable {
		if e.pos >= int64(len(e.data)) {
			return 0, io.EOF
		}
		src = e.data[e.pos:]
		n := copy(p, src)
		e.pos += int64(n)
		return n, nil
	}
	if e.pos >= int64(e.length) {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rest := int64(e.length) - e.pos; want > rest {
		want = rest
	}
	n, err := e.f.fp.ReadAt(p[:want], e.off+e.pos)
	e.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "read element")
	}
	return n, nil
}

func (e *Element) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.Wrap(ErrArgument, "element is closed")
	}
	if !e.writable {
		return 0, ErrReadOnly
	}
	end := e.pos + int64(len(p))
	if end > int64(len(e.data)) {
		grown := make([]byte, end)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[e.pos:], p)
	e.pos = end
	return len(p), nil
}

func (e *Element) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = e.pos
	case io.SeekEnd:
		base = e.Size()
	default:
		return 0, errors.Wrapf(ErrArgument, "bad whence %d", whence)
	}
	if base+offset < 0 {
		return 0, errors.Wrapf(ErrArgument, "negative seek %d", base+offset)
	}
	e.pos = base + offset
	return e.pos, nil
}

// Close commits a write element to the container. Closing a read
// element is a no-op.
func (e *Element) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.writable {
		return nil
	}
	return e.f.putElement(e.tag, e.ref, e.data)
}
