package chunked

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustGeometry(t *testing.T, dims []DimSpec, eltSize int32) *geometry {
	t.Helper()
	g, err := newGeometry(dims, eltSize)
	require.NoError(t, err)
	return g
}

func TestNewGeometryValidation(t *testing.T) {
	_, err := newGeometry(nil, 1)
	require.ErrorIs(t, err, ErrArgument)

	_, err = newGeometry([]DimSpec{{Length: 10, ChunkLength: 0}}, 1)
	require.ErrorIs(t, err, ErrArgument)

	_, err = newGeometry([]DimSpec{{Length: -1, ChunkLength: 2}}, 1)
	require.ErrorIs(t, err, ErrArgument)

	_, err = newGeometry([]DimSpec{{Length: 10, ChunkLength: 4}}, 0)
	require.ErrorIs(t, err, ErrArgument)
}

func TestGeometryDerived(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 10, ChunkLength: 4}}, 1)

	require.Equal(t, int32(100), g.length)
	require.Equal(t, int32(16), g.chunkSize)
	require.Equal(t, int32(3), g.dims[0].numChunks)
	require.Equal(t, int32(3), g.dims[1].numChunks)
	require.Equal(t, int32(2), g.dims[0].lastChunkLength)
	require.Equal(t, int32(9), g.numPages())
	require.Equal(t, int32(3), g.defaultMaxCache())
}

func TestGeometryExactFit(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 8, ChunkLength: 4}}, 2)

	require.Equal(t, int32(2), g.dims[0].numChunks)
	require.Equal(t, int32(4), g.dims[0].lastChunkLength, "exact multiple keeps the full chunk length")
	require.Equal(t, int64(16), g.byteLength())
	require.Equal(t, int32(8), g.chunkBytes())
}

func TestGeometryUnlimited(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 0, ChunkLength: 5}}, 1)

	require.True(t, g.dims[0].unlimited)
	require.Equal(t, int32(5), g.dims[0].dimLength, "unlimited axis starts one chunk long")
	require.Equal(t, int32(1<<8|distribBlock), g.dims[0].flag)
}

func TestLocateAndChunkNumber(t *testing.T) {
	// 10x10 element of single-byte items, 4x4 chunks, 3x3 chunk grid.
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 10, ChunkLength: 4}}, 1)

	coord := make([]int32, 2)
	pos := make([]int32, 2)

	g.locate(99, coord, pos)
	require.Equal(t, []int32{2, 2}, coord)
	require.Equal(t, []int32{1, 1}, pos)
	require.Equal(t, int32(8), g.chunkNumber(coord))

	g.locate(0, coord, pos)
	require.Equal(t, []int32{0, 0}, coord)
	require.Equal(t, []int32{0, 0}, pos)
	require.Equal(t, int32(0), g.chunkNumber(coord))

	// Element (0,4): first chunk row, second chunk column.
	g.locate(4, coord, pos)
	require.Equal(t, []int32{0, 1}, coord)
	require.Equal(t, []int32{0, 0}, pos)
	require.Equal(t, int32(1), g.chunkNumber(coord))
}

func TestLocateArrayOffsetBijection(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 7, ChunkLength: 3}, {Length: 5, ChunkLength: 2}}, 4)

	coord := make([]int32, 2)
	pos := make([]int32, 2)
	arr := make([]int32, 2)
	for off := int64(0); off < g.byteLength(); off += int64(g.eltSize) {
		g.locate(off, coord, pos)
		g.chunkToArray(coord, pos, arr)
		require.Equal(t, off, g.arrayOffset(arr), "offset %d must round-trip", off)
	}
}

func TestOffsetInChunk(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 10, ChunkLength: 4}}, 1)

	require.Equal(t, int32(0), g.offsetInChunk([]int32{0, 0}))
	require.Equal(t, int32(1), g.offsetInChunk([]int32{0, 1}))
	require.Equal(t, int32(4), g.offsetInChunk([]int32{1, 0}))
	require.Equal(t, int32(15), g.offsetInChunk([]int32{3, 3}))
}

func TestRunLength(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 10, ChunkLength: 4}}, 1)

	// Interior chunk, start of a row: a full row of 4 items.
	require.Equal(t, int32(4), g.runLength([]int32{0, 0}, []int32{0, 0}, 100))
	// Mid-row start shortens the run.
	require.Equal(t, int32(3), g.runLength([]int32{0, 0}, []int32{0, 1}, 100))
	// Remaining byte budget caps it.
	require.Equal(t, int32(2), g.runLength([]int32{0, 0}, []int32{0, 0}, 2))
	// Trailing-edge chunk on the fastest axis is clipped to 2 items.
	require.Equal(t, int32(2), g.runLength([]int32{0, 2}, []int32{0, 0}, 100))
	require.Equal(t, int32(1), g.runLength([]int32{1, 2}, []int32{2, 1}, 100))
}

func TestValidOrigin(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 10, ChunkLength: 4}}, 1)

	require.True(t, g.validOrigin([]int32{0, 0}))
	require.True(t, g.validOrigin([]int32{2, 2}))
	require.False(t, g.validOrigin([]int32{3, 0}))
	require.False(t, g.validOrigin([]int32{0, -1}))
	require.False(t, g.validOrigin([]int32{0}))
	require.False(t, g.validOrigin([]int32{0, 0, 0}))
}

func TestGeometryFromHeaderRoundTrip(t *testing.T) {
	g := mustGeometry(t, []DimSpec{{Length: 10, ChunkLength: 4}, {Length: 0, ChunkLength: 6}}, 2)

	flags := []int32{g.dims[0].flag, g.dims[1].flag}
	dimLens := []int32{g.dims[0].dimLength, g.dims[1].dimLength}
	chunkLens := []int32{g.dims[0].chunkLength, g.dims[1].chunkLength}

	g2, err := geometryFromHeader(flags, dimLens, chunkLens, 2)
	require.NoError(t, err)
	require.Equal(t, g.length, g2.length)
	require.Equal(t, g.chunkSize, g2.chunkSize)
	require.Equal(t, g.dims, g2.dims)
}
