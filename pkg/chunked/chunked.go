// Package chunked stores N-dimensional elements as fixed-size chunks in
// a tag/ref object store, with an LRU chunk cache and optional per-chunk
// compression. A chunk is materialized only when written; reads of
// unallocated regions see the element's fill value.
//
// A DimSpec with Length 0 marks the axis unlimited in the on-disk
// header, but growing an element is not implemented: the logical length
// is fixed at creation (one chunk for an unlimited axis) and writes
// past it fail with ErrArgument.
package chunked

import (
	"io"

	"github.com/pkg/errors"

	"github.com/loricooperhdf/hdf4/pkg/codec"
	"github.com/loricooperhdf/hdf4/pkg/hfile"
	"github.com/loricooperhdf/hdf4/pkg/mcache"
	"github.com/loricooperhdf/hdf4/pkg/utils"
)

var logger = utils.GetLogger("chunked")

type elemKey struct {
	store Store
	tag   uint16
	ref   uint16
}

// Registry tracks the chunked elements currently open so that handles
// attached to the same element share one cache and one directory.
type Registry struct {
	open map[elemKey]*Info
}

func NewRegistry() *Registry {
	return &Registry{open: make(map[elemKey]*Info)}
}

// Info is the shared state of one open chunked element. All attached
// handles point at the same Info; it goes away when the last one closes.
type Info struct {
	reg      *Registry
	store    Store
	tag      uint16 // special tag of the description element
	ref      uint16
	attached int

	geom *geometry
	fill []byte
	comp codec.Compressor

	table *recordTable
	dir   map[int32]*chunkRecord
	cache *mcache.Cache
}

// Handle is one attachment to a chunked element. Position state is per
// handle; data and directory are shared through Info.
type Handle struct {
	info     *Info
	writable bool
	closed   bool

	pos       int64
	seekChunk []int32
	seekPos   []int32
	arrIdx    []int32
}

// Create defines a new chunked element under tag/ref and returns a
// writable handle to it. The fill value must divide the chunk byte size
// evenly. comp may be nil for uncompressed storage.
func Create(reg *Registry, store Store, tag, ref uint16, dims []DimSpec, eltSize int32, fill []byte, comp codec.Compressor) (*Handle, error) {
	spTag, err := hfile.MakeSpecial(tag)
	if err != nil {
		return nil, errors.Wrapf(ErrArgument, "tag %d: %v", tag, err)
	}
	if _, ok := reg.open[elemKey{store, spTag, ref}]; ok {
		return nil, errors.Wrapf(ErrArgument, "element %d/%d already open", tag, ref)
	}
	if store.HasElement(spTag, ref) {
		return nil, errors.Wrapf(ErrArgument, "element %d/%d already chunked, cannot redefine", tag, ref)
	}
	g, err := newGeometry(dims, eltSize)
	if err != nil {
		return nil, err
	}
	if len(fill) == 0 {
		return nil, errors.Wrap(ErrArgument, "empty fill value")
	}
	if g.chunkBytes()%int32(len(fill)) != 0 {
		return nil, errors.Wrapf(ErrArgument, "fill value length %d does not divide chunk size %d", len(fill), g.chunkBytes())
	}

	table, err := createTable(store, g.ndims)
	if err != nil {
		return nil, err
	}

	hdr := &header{
		version:   headerVersion,
		length:    g.length,
		chunkSize: g.chunkSize,
		eltSize:   eltSize,
		tableTag:  table.tag,
		tableRef:  table.ref,
		dimFlags:  make([]int32, g.ndims),
		dimLens:   make([]int32, g.ndims),
		chunkLens: make([]int32, g.ndims),
		fill:      append([]byte(nil), fill...),
	}
	for i, d := range g.dims {
		hdr.dimFlags[i] = d.flag
		hdr.dimLens[i] = d.dimLength
		hdr.chunkLens[i] = d.chunkLength
	}
	if comp != nil {
		hdr.flag = int32(specialComp)
		hdr.compBlob = codec.EncodeHeader(comp)
	}
	if err := writeElement(store, spTag, ref, hdr.encode()); err != nil {
		return nil, err
	}

	info, err := newInfo(reg, store, spTag, ref, g, hdr.fill, comp, table)
	if err != nil {
		return nil, err
	}
	logger.Debugf("created chunked element %d/%d: %d dims, chunk %d bytes, %d pages",
		tag, ref, g.ndims, g.chunkBytes(), g.numPages())
	return info.attach(true), nil
}

// Open attaches to an existing chunked element. A second Open of an
// element already open through the same registry shares its state.
func Open(reg *Registry, store Store, tag, ref uint16, writable bool) (*Handle, error) {
	spTag, err := hfile.MakeSpecial(tag)
	if err != nil {
		return nil, errors.Wrapf(ErrArgument, "tag %d: %v", tag, err)
	}
	if info, ok := reg.open[elemKey{store, spTag, ref}]; ok {
		return info.attach(writable), nil
	}
	if !store.HasElement(spTag, ref) {
		return nil, errors.Wrapf(ErrNotFound, "element %d/%d", tag, ref)
	}
	raw, err := readElement(store, spTag, ref)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	g, err := geometryFromHeader(hdr.dimFlags, hdr.dimLens, hdr.chunkLens, hdr.eltSize)
	if err != nil {
		return nil, errors.Wrapf(ErrDirectory, "bad geometry in header: %v", err)
	}
	if g.length != hdr.length || g.chunkSize != hdr.chunkSize {
		return nil, errors.Wrapf(ErrDirectory, "header lengths %d/%d disagree with dims %d/%d",
			hdr.length, hdr.chunkSize, g.length, g.chunkSize)
	}
	var comp codec.Compressor
	if hdr.compressed() {
		comp, err = codec.DecodeHeader(hdr.compBlob)
		if err != nil {
			return nil, errors.Wrap(ErrCodec, err.Error())
		}
	}
	table, err := openTable(store, hdr.tableTag, hdr.tableRef, g.ndims)
	if err != nil {
		return nil, err
	}
	info, err := newInfo(reg, store, spTag, ref, g, hdr.fill, comp, table)
	if err != nil {
		return nil, err
	}
	return info.attach(writable), nil
}

func newInfo(reg *Registry, store Store, spTag, ref uint16, g *geometry, fill []byte, comp codec.Compressor, table *recordTable) (*Info, error) {
	info := &Info{
		reg:   reg,
		store: store,
		tag:   spTag,
		ref:   ref,
		geom:  g,
		fill:  fill,
		comp:  comp,
		table: table,
		dir:   make(map[int32]*chunkRecord, len(table.recs)),
	}
	for i, rec := range table.recs {
		if !g.validOrigin(rec.origin) {
			return nil, errors.Wrapf(ErrDirectory, "record %d: origin outside chunk grid", i)
		}
		num := g.chunkNumber(rec.origin)
		if _, dup := info.dir[num]; dup {
			return nil, errors.Wrapf(ErrDirectory, "record %d: duplicate chunk %d", i, num)
		}
		info.dir[num] = &chunkRecord{
			number: num,
			origin: rec.origin,
			tag:    rec.tag,
			ref:    rec.ref,
			row:    int32(i),
		}
	}
	cache, err := mcache.Open(g.chunkBytes(), g.defaultMaxCache(), g.numPages())
	if err != nil {
		return nil, errors.Wrap(ErrArgument, err.Error())
	}
	cache.Filter(info)
	info.cache = cache
	reg.open[elemKey{store, spTag, ref}] = info
	return info, nil
}

func (info *Info) attach(writable bool) *Handle {
	info.attached++
	h := &Handle{
		info:      info,
		writable:  writable,
		seekChunk: make([]int32, info.geom.ndims),
		seekPos:   make([]int32, info.geom.ndims),
		arrIdx:    make([]int32, info.geom.ndims),
	}
	return h
}

// PageIn fills a cache page from the store, or tiles the fill value
// when the chunk has never been written. A directory entry alone is not
// enough: Write allocates the ref before dirtying the page, so the
// element only exists once PageOut has flushed it.
func (info *Info) PageIn(pgno int32, page []byte) error {
	rec, ok := info.dir[pgno-1]
	if !ok || !info.store.HasElement(rec.tag, rec.ref) {
		for i := 0; i < len(page); {
			i += copy(page[i:], info.fill)
		}
		return nil
	}
	el, err := info.store.OpenElement(rec.tag, rec.ref)
	if err != nil {
		return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
	}
	defer el.Close()
	if info.comp != nil {
		stored, err := io.ReadAll(el)
		if err != nil {
			return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
		}
		if err := codec.DecodeChunk(info.comp, stored, page); err != nil {
			return errors.Wrapf(ErrCodec, "chunk %d: %v", rec.number, err)
		}
		return nil
	}
	if _, err := io.ReadFull(el, page); err != nil {
		return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
	}
	return nil
}

// PageOut writes a dirty cache page back to its chunk element. The
// directory entry must exist; Write inserts it before dirtying a page.
func (info *Info) PageOut(pgno int32, page []byte) error {
	rec, ok := info.dir[pgno-1]
	if !ok {
		return errors.Wrapf(ErrDirectory, "page-out of chunk %d with no directory entry", pgno-1)
	}
	data := page
	if info.comp != nil {
		data = codec.EncodeChunk(info.comp, page)
	}
	el, err := info.store.CreateElement(rec.tag, rec.ref)
	if err != nil {
		return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
	}
	if _, err := el.Write(data); err != nil {
		el.Close()
		return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
	}
	if err := el.Close(); err != nil {
		return errors.Wrapf(ErrStorageIO, "chunk %d (%d/%d): %v", rec.number, rec.tag, rec.ref, err)
	}
	return nil
}

// insertChunk allocates a data element ref for a never-written chunk
// and records it in both the persistent table and the in-memory
// directory before any page of it is dirtied.
func (info *Info) insertChunk(origin []int32, num int32) (*chunkRecord, error) {
	ref, err := info.store.NewRef(hfile.TagChunk)
	if err != nil {
		return nil, errors.Wrap(ErrExhausted, err.Error())
	}
	row := info.table.appendRecord(origin, hfile.TagChunk, ref)
	rec := &chunkRecord{
		number: num,
		origin: append([]int32(nil), origin...),
		tag:    hfile.TagChunk,
		ref:    ref,
		row:    row,
	}
	info.dir[num] = rec
	return rec, nil
}

// Seek sets the handle's byte position. Positions past the logical end
// are allowed (reads there hit EOF, writes fail); negative resolved
// offsets are not. whence follows io.Seeker.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, errors.Wrap(ErrArgument, "handle closed")
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = h.pos + offset
	case io.SeekEnd:
		abs = h.info.geom.byteLength() + offset
	default:
		return 0, errors.Wrapf(ErrArgument, "seek whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Wrapf(ErrArgument, "negative seek to %d", abs)
	}
	h.pos = abs
	return abs, nil
}

// Read copies bytes from the element starting at the handle position,
// going through the chunk cache one contiguous run at a time. At the
// logical end it returns io.EOF.
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, errors.Wrap(ErrArgument, "handle closed")
	}
	total := h.info.geom.byteLength()
	if h.pos >= total {
		return 0, io.EOF
	}
	length := int64(len(p))
	if h.pos+length > total {
		length = total - h.pos
	}
	g := h.info.geom
	var done int64
	for done < length {
		g.locate(h.pos, h.seekChunk, h.seekPos)
		num := g.chunkNumber(h.seekChunk)
		size := g.runLength(h.seekChunk, h.seekPos, length-done)
		page, err := h.info.cache.Get(num + 1)
		if err != nil {
			return int(done), err
		}
		off := g.offsetInChunk(h.seekPos)
		copy(p[done:done+int64(size)], page[off:off+size])
		if err := h.info.cache.Put(page, false); err != nil {
			return int(done), err
		}
		done += int64(size)
		h.pos += int64(size)
	}
	return int(done), nil
}

// Write copies bytes into the element at the handle position. Chunks
// touched for the first time get a directory entry before their page is
// dirtied, so a later page-out always has somewhere to go.
func (h *Handle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, errors.Wrap(ErrArgument, "handle closed")
	}
	if !h.writable {
		return 0, errors.Wrap(ErrArgument, "handle is read-only")
	}
	length := int64(len(p))
	if h.pos+length > h.info.geom.byteLength() {
		return 0, errors.Wrapf(ErrArgument, "write of %d bytes at %d exceeds element of %d bytes",
			length, h.pos, h.info.geom.byteLength())
	}
	g := h.info.geom
	var done int64
	for done < length {
		g.locate(h.pos, h.seekChunk, h.seekPos)
		num := g.chunkNumber(h.seekChunk)
		size := g.runLength(h.seekChunk, h.seekPos, length-done)
		if _, ok := h.info.dir[num]; !ok {
			if _, err := h.info.insertChunk(h.seekChunk, num); err != nil {
				return int(done), err
			}
		}
		page, err := h.info.cache.Get(num + 1)
		if err != nil {
			return int(done), err
		}
		off := g.offsetInChunk(h.seekPos)
		copy(page[off:off+size], p[done:done+int64(size)])
		if err := h.info.cache.Put(page, true); err != nil {
			return int(done), err
		}
		done += int64(size)
		h.pos += int64(size)
	}
	return int(done), nil
}

// ReadChunk returns a copy of the whole chunk at the given chunk
// coordinates, fill-tiled if it was never written. The handle position
// moves to the chunk's origin.
func (h *Handle) ReadChunk(origin []int32) ([]byte, error) {
	if h.closed {
		return nil, errors.Wrap(ErrArgument, "handle closed")
	}
	g := h.info.geom
	if !g.validOrigin(origin) {
		return nil, errors.Wrapf(ErrArgument, "chunk origin %v outside chunk grid", origin)
	}
	num := g.chunkNumber(origin)
	page, err := h.info.cache.Get(num + 1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(page))
	copy(out, page)
	if err := h.info.cache.Put(page, false); err != nil {
		return nil, err
	}
	h.seekToChunk(origin)
	return out, nil
}

// WriteChunk replaces the whole chunk at the given chunk coordinates.
// data must be exactly one chunk long, uncompressed. The handle
// position moves to the chunk's origin.
func (h *Handle) WriteChunk(origin []int32, data []byte) error {
	if h.closed {
		return errors.Wrap(ErrArgument, "handle closed")
	}
	if !h.writable {
		return errors.Wrap(ErrArgument, "handle is read-only")
	}
	g := h.info.geom
	if !g.validOrigin(origin) {
		return errors.Wrapf(ErrArgument, "chunk origin %v outside chunk grid", origin)
	}
	if int32(len(data)) != g.chunkBytes() {
		return errors.Wrapf(ErrArgument, "chunk data %d bytes, want %d", len(data), g.chunkBytes())
	}
	num := g.chunkNumber(origin)
	if _, ok := h.info.dir[num]; !ok {
		if _, err := h.info.insertChunk(origin, num); err != nil {
			return err
		}
	}
	page, err := h.info.cache.Get(num + 1)
	if err != nil {
		return err
	}
	copy(page, data)
	if err := h.info.cache.Put(page, true); err != nil {
		return err
	}
	h.seekToChunk(origin)
	return nil
}

func (h *Handle) seekToChunk(origin []int32) {
	copy(h.seekChunk, origin)
	for i := range h.seekPos {
		h.seekPos[i] = 0
	}
	h.info.geom.chunkToArray(h.seekChunk, h.seekPos, h.arrIdx)
	h.pos = h.info.geom.arrayOffset(h.arrIdx)
}

// Sync flushes dirty pages and the chunk record table to the store
// without detaching.
func (h *Handle) Sync() error {
	if h.closed {
		return errors.Wrap(ErrArgument, "handle closed")
	}
	if err := h.info.cache.Sync(); err != nil {
		return err
	}
	return h.info.table.sync()
}

// Close detaches the handle. When the last handle detaches, dirty
// chunks and the record table are flushed and the shared state is
// dropped from the registry. Close is idempotent per handle.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	info := h.info
	info.attached--
	if info.attached > 0 {
		return nil
	}
	delete(info.reg.open, elemKey{info.store, info.tag, info.ref})
	err := info.cache.Close()
	if serr := info.table.sync(); err == nil {
		err = serr
	}
	return err
}

// SetMaxCache resizes the chunk cache budget for all handles of this
// element. It returns the new budget, or fails without change when more
// pages are pinned than the new budget allows.
func (h *Handle) SetMaxCache(n int32) (int32, error) {
	if h.closed {
		return 0, errors.Wrap(ErrArgument, "handle closed")
	}
	got, err := h.info.cache.SetMaxCache(n)
	if err != nil {
		return 0, errors.Wrap(ErrArgument, err.Error())
	}
	return got, nil
}

// NumRecs reports how many chunks have been materialized so far.
func (h *Handle) NumRecs() int32 { return h.info.table.numRecs() }

// Origins lists the chunk coordinates of every materialized chunk in
// record order.
func (h *Handle) Origins() [][]int32 {
	out := make([][]int32, 0, len(h.info.table.recs))
	for _, rec := range h.info.table.recs {
		out = append(out, append([]int32(nil), rec.origin...))
	}
	return out
}

// Compression returns the element's codec kind and, for zstd, the
// level; uncompressed elements report KindNone.
func (h *Handle) Compression() (codec.Kind, int) {
	if h.info.comp == nil {
		return codec.KindNone, 0
	}
	if z, ok := h.info.comp.(*codec.ZStandard); ok {
		return z.Kind(), z.Level()
	}
	return h.info.comp.Kind(), 0
}

// Length is the element's logical size in bytes.
func (h *Handle) Length() int64 { return h.info.geom.byteLength() }

// Pos is the handle's current byte position.
func (h *Handle) Pos() int64 { return h.pos }

// CacheStats exposes hit/miss counters of the shared chunk cache.
func (h *Handle) CacheStats() mcache.Stats { return h.info.cache.Stats() }

// ElementInfo is the static description of a chunked element.
type ElementInfo struct {
	NDims        int
	DimLengths   []int32
	ChunkLengths []int32
	NumChunks    []int32
	EltSize      int32
	Length       int32 // logical length in elements
	ChunkSize    int32 // elements per chunk
	FillValue    []byte
	Codec        codec.Kind
}

func (h *Handle) Info() ElementInfo {
	g := h.info.geom
	ei := ElementInfo{
		NDims:        g.ndims,
		DimLengths:   make([]int32, g.ndims),
		ChunkLengths: make([]int32, g.ndims),
		NumChunks:    make([]int32, g.ndims),
		EltSize:      g.eltSize,
		Length:       g.length,
		ChunkSize:    g.chunkSize,
		FillValue:    append([]byte(nil), h.info.fill...),
		Codec:        codec.KindNone,
	}
	for i, d := range g.dims {
		ei.DimLengths[i] = d.dimLength
		ei.ChunkLengths[i] = d.chunkLength
		ei.NumChunks[i] = d.numChunks
	}
	if h.info.comp != nil {
		ei.Codec = h.info.comp.Kind()
	}
	return ei
}

func readElement(store Store, tag, ref uint16) ([]byte, error) {
	el, err := store.OpenElement(tag, ref)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageIO, "element %d/%d: %v", tag, ref, err)
	}
	defer el.Close()
	raw, err := io.ReadAll(el)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageIO, "element %d/%d: %v", tag, ref, err)
	}
	return raw, nil
}

func writeElement(store Store, tag, ref uint16, data []byte) error {
	el, err := store.CreateElement(tag, ref)
	if err != nil {
		return errors.Wrapf(ErrStorageIO, "element %d/%d: %v", tag, ref, err)
	}
	if _, err := el.Write(data); err != nil {
		el.Close()
		return errors.Wrapf(ErrStorageIO, "element %d/%d: %v", tag, ref, err)
	}
	if err := el.Close(); err != nil {
		return errors.Wrapf(ErrStorageIO, "element %d/%d: %v", tag, ref, err)
	}
	return nil
}
