package chunked

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loricooperhdf/hdf4/pkg/codec"
	"github.com/loricooperhdf/hdf4/pkg/hfile"
)

func testHeader(compressed bool) *header {
	h := &header{
		version:   headerVersion,
		length:    100,
		chunkSize: 16,
		eltSize:   1,
		tableTag:  hfile.TagChunkTable,
		tableRef:  1,
		dimFlags:  []int32{distribBlock, distribBlock},
		dimLens:   []int32{10, 10},
		chunkLens: []int32{4, 4},
		fill:      []byte{0xab},
	}
	if compressed {
		h.flag = int32(specialComp)
		h.compBlob = codec.EncodeHeader(codec.NewZStandard(5))
	}
	return h
}

func TestHeaderEncodeLayout(t *testing.T) {
	raw := testHeader(false).encode()

	require.Equal(t, uint16(6), binary.BigEndian.Uint16(raw[0:2]), "chunked special marker")
	// 29 fixed + 12 per dim * 2 + 4 fill length + 1 fill byte.
	require.Equal(t, uint32(58), binary.BigEndian.Uint32(raw[2:6]))
	require.Len(t, raw, 64)
	require.Equal(t, headerVersion, raw[6])
	require.Equal(t, uint32(100), binary.BigEndian.Uint32(raw[11:15]), "logical length in elements")
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[31:35]), "ndims")
}

func TestHeaderEncodeCompressedLayout(t *testing.T) {
	raw := testHeader(true).encode()

	// The trailing codec section sits outside the stored header length.
	require.Equal(t, uint32(58), binary.BigEndian.Uint32(raw[2:6]))
	require.Len(t, raw, 64+6+8)
	require.Equal(t, uint16(3), binary.BigEndian.Uint16(raw[64:66]), "compression special marker")
	require.Equal(t, uint32(8), binary.BigEndian.Uint32(raw[66:70]))
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		h := testHeader(compressed)
		got, err := decodeHeader(h.encode())
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	raw := testHeader(true).encode()

	_, err := decodeHeader(raw[:4])
	require.ErrorIs(t, err, ErrDirectory, "truncated marker")

	bad := append([]byte(nil), raw...)
	binary.BigEndian.PutUint16(bad[0:2], 99)
	_, err = decodeHeader(bad)
	require.ErrorIs(t, err, ErrDirectory, "wrong special marker")

	bad = append([]byte(nil), raw...)
	bad[6] = 9
	_, err = decodeHeader(bad)
	require.ErrorIs(t, err, ErrDirectory, "unsupported version")

	_, err = decodeHeader(raw[:40])
	require.ErrorIs(t, err, ErrDirectory, "truncated dims")

	_, err = decodeHeader(raw[:66])
	require.ErrorIs(t, err, ErrDirectory, "truncated codec record")
}

func TestTableRoundTrip(t *testing.T) {
	store := newMemStore()
	tbl, err := createTable(store, 2)
	require.NoError(t, err)

	tbl.appendRecord([]int32{0, 0}, hfile.TagChunk, 1)
	tbl.appendRecord([]int32{2, 1}, hfile.TagChunk, 2)
	require.NoError(t, tbl.sync())
	require.Equal(t, int32(2), tbl.numRecs())

	got, err := openTable(store, tbl.tag, tbl.ref, 2)
	require.NoError(t, err)
	require.Equal(t, tbl.recs, got.recs)
}

func TestTableDecodeErrors(t *testing.T) {
	tbl := &recordTable{ndims: 2}

	require.ErrorIs(t, tbl.decode(nil), ErrDirectory)

	bad := []byte{5, 'w', 'r', 'o', 'n', 'g', 0, 0, 0, 12, 0, 0, 0, 0}
	require.ErrorIs(t, tbl.decode(bad), ErrDirectory, "foreign class signature")

	// Right class, wrong record width for 2 dims.
	good := (&recordTable{ndims: 1}).encode()
	require.ErrorIs(t, tbl.decode(good), ErrDirectory)
}

func TestDecodeTruncatedRecords(t *testing.T) {
	tbl := &recordTable{ndims: 2}
	tbl.appendRecord([]int32{1, 2}, hfile.TagChunk, 3)
	raw := tbl.encode()

	fresh := &recordTable{ndims: 2}
	require.NoError(t, fresh.decode(raw))
	require.ErrorIs(t, fresh.decode(raw[:len(raw)-4]), ErrDirectory)
}
