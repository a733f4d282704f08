package chunked

import "github.com/pkg/errors"

// DimSpec describes one axis of a chunked element at creation time.
// Length 0 marks the axis unlimited; it then starts out one chunk long.
type DimSpec struct {
	Length      int32
	ChunkLength int32
}

const distribBlock = 1

type dimRec struct {
	flag            int32 // (unlimited<<8) | distrib_type
	dimLength       int32
	chunkLength     int32
	unlimited       bool
	numChunks       int32
	lastChunkLength int32
}

// geometry carries the per-axis chunk layout and the scalar products
// derived from it. All offsets it computes are in bytes, all lengths in
// elements unless the name says otherwise.
type geometry struct {
	ndims     int
	dims      []dimRec
	eltSize   int32
	chunkSize int32 // elements per chunk
	length    int32 // logical length in elements
}

func newGeometry(dims []DimSpec, eltSize int32) (*geometry, error) {
	if len(dims) == 0 {
		return nil, errors.Wrap(ErrArgument, "at least one dimension required")
	}
	if eltSize <= 0 {
		return nil, errors.Wrapf(ErrArgument, "element size %d", eltSize)
	}
	g := &geometry{
		ndims:     len(dims),
		dims:      make([]dimRec, len(dims)),
		eltSize:   eltSize,
		chunkSize: 1,
		length:    1,
	}
	for i, d := range dims {
		if d.ChunkLength <= 0 {
			return nil, errors.Wrapf(ErrArgument, "dim %d: chunk length %d", i, d.ChunkLength)
		}
		if d.Length < 0 {
			return nil, errors.Wrapf(ErrArgument, "dim %d: length %d", i, d.Length)
		}
		r := dimRec{dimLength: d.Length, chunkLength: d.ChunkLength}
		if d.Length == 0 {
			r.unlimited = true
			r.dimLength = d.ChunkLength
		}
		r.flag = distribBlock
		if r.unlimited {
			r.flag |= 1 << 8
		}
		r.numChunks = r.dimLength / r.chunkLength
		r.lastChunkLength = r.dimLength % r.chunkLength
		if r.lastChunkLength != 0 {
			r.numChunks++
		} else {
			r.lastChunkLength = r.chunkLength
		}
		g.dims[i] = r
		g.chunkSize *= r.chunkLength
		g.length *= r.dimLength
	}
	return g, nil
}

// geometryFromHeader rebuilds the derived fields from decoded per-dim
// records, re-checking the same constraints as newGeometry.
func geometryFromHeader(flags, dimLens, chunkLens []int32, eltSize int32) (*geometry, error) {
	specs := make([]DimSpec, len(dimLens))
	for i := range dimLens {
		specs[i] = DimSpec{Length: dimLens[i], ChunkLength: chunkLens[i]}
	}
	g, err := newGeometry(specs, eltSize)
	if err != nil {
		return nil, err
	}
	for i := range g.dims {
		g.dims[i].flag = flags[i]
		g.dims[i].unlimited = flags[i]>>8&1 != 0
	}
	return g, nil
}

func (g *geometry) byteLength() int64 { return int64(g.length) * int64(g.eltSize) }
func (g *geometry) chunkBytes() int32 { return g.chunkSize * g.eltSize }

func (g *geometry) numPages() int32 {
	n := int32(1)
	for _, d := range g.dims {
		n *= d.numChunks
	}
	return n
}

// defaultMaxCache is one full row of chunks along the slowest axis.
func (g *geometry) defaultMaxCache() int32 {
	n := int32(1)
	for _, d := range g.dims[1:] {
		n *= d.numChunks
	}
	return n
}

// locate converts a byte offset into per-axis chunk coordinates and the
// element position within that chunk. The fastest-varying axis is last.
func (g *geometry) locate(offset int64, coord, pos []int32) {
	stmp := offset / int64(g.eltSize)
	for i := g.ndims - 1; i >= 0; i-- {
		d := &g.dims[i]
		v := int32(stmp % int64(d.dimLength))
		coord[i] = v / d.chunkLength
		pos[i] = v % d.chunkLength
		stmp /= int64(d.dimLength)
	}
}

// chunkNumber flattens chunk coordinates row-major over the per-axis
// chunk counts, last axis fastest.
func (g *geometry) chunkNumber(coord []int32) int32 {
	num := int32(0)
	for i := 0; i < g.ndims; i++ {
		num = num*g.dims[i].numChunks + coord[i]
	}
	return num
}

// offsetInChunk flattens an in-chunk element position to a byte offset
// within the chunk's data.
func (g *geometry) offsetInChunk(pos []int32) int32 {
	off := int32(0)
	for i := 0; i < g.ndims; i++ {
		off = off*g.dims[i].chunkLength + pos[i]
	}
	return off * g.eltSize
}

// chunkToArray composes chunk coordinates and in-chunk position back
// into absolute array indices.
func (g *geometry) chunkToArray(coord, pos, arr []int32) {
	for i := 0; i < g.ndims; i++ {
		arr[i] = coord[i]*g.dims[i].chunkLength + pos[i]
	}
}

// arrayOffset flattens absolute array indices to a byte offset in the
// logical element.
func (g *geometry) arrayOffset(arr []int32) int64 {
	off := int64(0)
	for i := 0; i < g.ndims; i++ {
		off = off*int64(g.dims[i].dimLength) + int64(arr[i])
	}
	return off * int64(g.eltSize)
}

// runLength is the longest contiguous byte run starting at the given
// position that stays inside one chunk, capped at remaining. Only the
// fastest axis is coalesced; a chunk on the trailing edge of that axis
// uses its clipped length.
func (g *geometry) runLength(coord, pos []int32, remaining int64) int32 {
	d := &g.dims[g.ndims-1]
	avail := d.chunkLength
	if coord[g.ndims-1] == d.numChunks-1 {
		avail = d.lastChunkLength
	}
	run := int64(avail-pos[g.ndims-1]) * int64(g.eltSize)
	if run > remaining {
		run = remaining
	}
	return int32(run)
}

// validOrigin reports whether per-axis chunk coordinates are inside the
// chunk grid.
func (g *geometry) validOrigin(origin []int32) bool {
	if len(origin) != g.ndims {
		return false
	}
	for i, c := range origin {
		if c < 0 || c >= g.dims[i].numChunks {
			return false
		}
	}
	return true
}
