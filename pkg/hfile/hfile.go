// Package hfile implements the low level HDF4 container: a single file
// holding a directory of tagged/referenced byte ranges ("elements").
// The directory is kept in a chain of data-descriptor (DD) blocks; each
// DD is 12 bytes {tag, ref, offset, length}. Elements are addressed by
// the (tag, ref) pair and accessed as flat byte streams.
package hfile

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/loricooperhdf/hdf4/pkg/utils"
)

var logger = utils.GetLogger("hdf4")

// HDF magic number: ^N^C^S^A
var hdfMagic = []byte{0x0e, 0x03, 0x13, 0x01}

const (
	magicLen    = 4
	defNDDs     = 16 // DDs per block
	ddEntrySize = 12
	ddHeadSize  = 6 // ndds(2) + next(4)
)

// Well known element tags.
const (
	TagNull       uint16 = 1    // empty DD slot
	TagVersion    uint16 = 30   // library version string
	TagCompressed uint16 = 40   // compressed raw data
	TagChunk      uint16 = 61   // one data chunk of a chunked element
	TagChunkTable uint16 = 1962 // chunk directory record table
	TagSciData    uint16 = 702  // scientific data
)

// The special bit marks a tag whose element begins with a special
// element description record instead of raw data.
const specialBit = 0x4000

func IsSpecial(t uint16) bool { return t&0x8000 == 0 && t&specialBit != 0 }

func BaseTag(t uint16) uint16 {
	if t&0x8000 == 0 {
		return t &^ specialBit
	}
	return t
}

func MakeSpecial(t uint16) (uint16, error) {
	if t&0x8000 != 0 {
		return TagNull, errors.Wrapf(ErrArgument, "tag %d cannot be made special", t)
	}
	return t | specialBit, nil
}

var (
	ErrArgument     = errors.New("invalid argument")
	ErrBadMagic     = errors.New("not an HDF file")
	ErrNotFound     = errors.New("no such tag/ref")
	ErrReadOnly     = errors.New("file is read-only")
	ErrRefExhausted = errors.New("reference number space exhausted")
)

// DD is one data descriptor: an element's identity and extent.
type DD struct {
	Tag    uint16
	Ref    uint16
	Offset int32
	Length int32
}

type ddSlot struct {
	DD
	fpos int64 // file offset of this 12-byte slot
}

type ddBlock struct {
	off     int64 // file offset of the block header
	ndds    int16
	nextOff int32 // offset of the next block, 0 if none
}

// File is an open HDF container.
type File struct {
	path   string
	fp     *os.File
	rdonly bool

	blocks []ddBlock
	slots  []ddSlot
	index  map[uint32]int    // (tag,ref) -> slot
	handed map[uint16]uint16 // highest ref handed out per base tag, not yet necessarily written
}

func ddKey(tag, ref uint16) uint32 { return uint32(tag)<<16 | uint32(ref) }

// Create creates a new HDF file, truncating any existing one, and
// writes the magic number plus an initial empty DD block.
func Create(path string) (*File, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	f := &File{path: path, fp: fp, index: make(map[uint32]int)}
	if _, err = fp.Write(hdfMagic); err != nil {
		_ = fp.Close()
		return nil, errors.Wrap(err, "write magic")
	}
	if err = f.appendBlock(magicLen, -1); err != nil {
		_ = fp.Close()
		return nil, err
	}
	return f, nil
}

// Open opens an existing HDF file and loads its DD chain.
func Open(path string, rdonly bool) (*File, error) {
	flag := os.O_RDWR
	if rdonly {
		flag = os.O_RDONLY
	}
	fp, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	f := &File{path: path, fp: fp, rdonly: rdonly, index: make(map[uint32]int)}
	magic := make([]byte, magicLen)
	if _, err = io.ReadFull(fp, magic); err != nil {
		_ = fp.Close()
		return nil, errors.Wrap(err, "read magic")
	}
	for i := range magic {
		if magic[i] != hdfMagic[i] {
			_ = fp.Close()
			return nil, errors.Wrapf(ErrBadMagic, "%s", path)
		}
	}
	if err = f.loadBlocks(magicLen); err != nil {
		_ = fp.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

// Close flushes and closes the file. Elements still open for write are
// not flushed; callers must Close them first.
func (f *File) Close() error {
	if err := f.fp.Sync(); err != nil {
		_ = f.fp.Close()
		return errors.Wrap(err, "sync")
	}
	return errors.Wrap(f.fp.Close(), "close")
}

func (f *File) loadBlocks(off int64) error {
	for off != 0 {
		head := make([]byte, ddHeadSize)
		if _, err := f.fp.ReadAt(head, off); err != nil {
			return errors.Wrap(err, "read DD block header")
		}
		ndds := int16(binary.BigEndian.Uint16(head[0:2]))
		next := int32(binary.BigEndian.Uint32(head[2:6]))
		if ndds <= 0 {
			return errors.Wrapf(ErrBadMagic, "corrupt DD block at %d", off)
		}
		f.blocks = append(f.blocks, ddBlock{off: off, ndds: ndds, nextOff: next})
		buf := make([]byte, int(ndds)*ddEntrySize)
		if _, err := f.fp.ReadAt(buf, off+ddHeadSize); err != nil {
			return errors.Wrap(err, "read DD block")
		}
		for i := 0; i < int(ndds); i++ {
			p := buf[i*ddEntrySize:]
			s := ddSlot{
				DD: DD{
					Tag:    binary.BigEndian.Uint16(p[0:2]),
					Ref:    binary.BigEndian.Uint16(p[2:4]),
					Offset: int32(binary.BigEndian.Uint32(p[4:8])),
					Length: int32(binary.BigEndian.Uint32(p[8:12])),
				},
				fpos: off + ddHeadSize + int64(i*ddEntrySize),
			}
			if s.Tag != TagNull {
				f.index[ddKey(s.Tag, s.Ref)] = len(f.slots)
			}
			f.slots = append(f.slots, s)
		}
		off = int64(next)
	}
	return nil
}

// appendBlock writes a fresh block of free DD slots at the end of the
// file. prev is the index of the block to chain from, -1 for the head.
func (f *File) appendBlock(at int64, prev int) error {
	if at < 0 {
		end, err := f.fp.Seek(0, io.SeekEnd)
		if err != nil {
			return errors.Wrap(err, "seek end")
		}
		at = end
	}
	buf := make([]byte, ddHeadSize+defNDDs*ddEntrySize)
	binary.BigEndian.PutUint16(buf[0:2], defNDDs)
	for i := 0; i < defNDDs; i++ {
		p := buf[ddHeadSize+i*ddEntrySize:]
		binary.BigEndian.PutUint16(p[0:2], TagNull)
		binary.BigEndian.PutUint32(p[4:8], 0xffffffff) // offset -1
		binary.BigEndian.PutUint32(p[8:12], 0xffffffff)
	}
	if _, err := f.fp.WriteAt(buf, at); err != nil {
		return errors.Wrap(err, "write DD block")
	}
	if prev >= 0 {
		var next [4]byte
		binary.BigEndian.PutUint32(next[:], uint32(at))
		if _, err := f.fp.WriteAt(next[:], f.blocks[prev].off+2); err != nil {
			return errors.Wrap(err, "link DD block")
		}
		f.blocks[prev].nextOff = int32(at)
	}
	f.blocks = append(f.blocks, ddBlock{off: at, ndds: defNDDs})
	for i := 0; i < defNDDs; i++ {
		f.slots = append(f.slots, ddSlot{
			DD:   DD{Tag: TagNull, Offset: -1, Length: -1},
			fpos: at + ddHeadSize + int64(i*ddEntrySize),
		})
	}
	logger.Debugf("%s: appended DD block at %d", f.path, at)
	return nil
}

// freeSlot returns the index of a free DD slot, extending the chain
// when all slots are taken.
func (f *File) freeSlot() (int, error) {
	for i := range f.slots {
		if f.slots[i].Tag == TagNull {
			return i, nil
		}
	}
	if err := f.appendBlock(-1, len(f.blocks)-1); err != nil {
		return 0, err
	}
	return len(f.slots) - defNDDs, nil
}

func (f *File) writeSlot(i int) error {
	s := &f.slots[i]
	var buf [ddEntrySize]byte
	binary.BigEndian.PutUint16(buf[0:2], s.Tag)
	binary.BigEndian.PutUint16(buf[2:4], s.Ref)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Offset))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.Length))
	_, err := f.fp.WriteAt(buf[:], s.fpos)
	return errors.Wrap(err, "write DD")
}

// Find returns the extent of an element, and whether it exists.
func (f *File) Find(tag, ref uint16) (offset int64, length int32, ok bool) {
	i, ok := f.index[ddKey(tag, ref)]
	if !ok {
		return 0, 0, false
	}
	return int64(f.slots[i].Offset), f.slots[i].Length, true
}

// HasElement reports whether the (tag, ref) pair names an element.
func (f *File) HasElement(tag, ref uint16) bool {
	_, ok := f.index[ddKey(tag, ref)]
	return ok
}

// Elements lists all live DDs in directory order.
func (f *File) Elements() []DD {
	var dds []DD
	for i := range f.slots {
		if f.slots[i].Tag != TagNull {
			dds = append(dds, f.slots[i].DD)
		}
	}
	return dds
}

// NewRef allocates an unused reference number for the given tag.
// The ref space is 16-bit; allocation fails when it is exhausted.
// A handed-out ref stays allocated even before its element is written,
// so callers may record it in a directory ahead of the data.
func (f *File) NewRef(tag uint16) (uint16, error) {
	base := BaseTag(tag)
	max := uint32(f.handed[base])
	for i := range f.slots {
		if f.slots[i].Tag != TagNull && BaseTag(f.slots[i].Tag) == base && uint32(f.slots[i].Ref) > max {
			max = uint32(f.slots[i].Ref)
		}
	}
	if max+1 > 0xffff {
		return 0, errors.Wrapf(ErrRefExhausted, "tag %d", tag)
	}
	if f.handed == nil {
		f.handed = make(map[uint16]uint16)
	}
	f.handed[base] = uint16(max + 1)
	return uint16(max + 1), nil
}

// putElement stores data under (tag, ref), replacing any previous
// contents. Shrinking replacements reuse the old extent; growing
// ones relocate to the end of the file (the old space is leaked,
// matching the legacy library).
func (f *File) putElement(tag, ref uint16, data []byte) error {
	if f.rdonly {
		return ErrReadOnly
	}
	if int64(len(data)) > 0x7fffffff {
		return errors.Wrapf(ErrArgument, "element too large: %d", len(data))
	}
	i, ok := f.index[ddKey(tag, ref)]
	if ok && int32(len(data)) <= f.slots[i].Length {
		if _, err := f.fp.WriteAt(data, int64(f.slots[i].Offset)); err != nil {
			return errors.Wrap(err, "write element")
		}
		f.slots[i].Length = int32(len(data))
		return f.writeSlot(i)
	}
	end, err := f.fp.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "seek end")
	}
	if _, err = f.fp.WriteAt(data, end); err != nil {
		return errors.Wrap(err, "write element")
	}
	if !ok {
		if i, err = f.freeSlot(); err != nil {
			return err
		}
		f.index[ddKey(tag, ref)] = i
	}
	f.slots[i].Tag = tag
	f.slots[i].Ref = ref
	f.slots[i].Offset = int32(end)
	f.slots[i].Length = int32(len(data))
	return f.writeSlot(i)
}
