package chunked

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/loricooperhdf/hdf4/pkg/hfile"
)

const (
	specialChunked uint16 = 6
	specialComp    uint16 = 3
	headerVersion  byte   = 0
)

// header is the decoded form of a chunked element's description record.
// All multi-byte fields are big-endian on disk.
type header struct {
	version   byte
	flag      int32
	length    int32 // logical length in elements
	chunkSize int32 // elements per chunk
	eltSize   int32
	tableTag  uint16
	tableRef  uint16
	dimFlags  []int32
	dimLens   []int32
	chunkLens []int32
	fill      []byte
	compBlob  []byte // codec parameter blob, nil when uncompressed
}

func (h *header) compressed() bool { return h.flag&0xff == int32(specialComp) }

// encode lays the header out exactly as readers of the container format
// expect it. The stored header length covers everything after itself up
// to but not including the trailing codec section.
func (h *header) encode() []byte {
	ndims := len(h.dimLens)
	innerLen := 29 + 12*ndims + 4 + len(h.fill)
	total := 6 + innerLen
	if h.compBlob != nil {
		total += 6 + len(h.compBlob)
	}
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, specialChunked)
	buf = binary.BigEndian.AppendUint32(buf, uint32(innerLen))
	buf = append(buf, h.version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.flag))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.length))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.chunkSize))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.eltSize))
	buf = binary.BigEndian.AppendUint16(buf, h.tableTag)
	buf = binary.BigEndian.AppendUint16(buf, h.tableRef)
	buf = binary.BigEndian.AppendUint16(buf, hfile.TagNull)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ndims))
	for i := 0; i < ndims; i++ {
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.dimFlags[i]))
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.dimLens[i]))
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.chunkLens[i]))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.fill)))
	buf = append(buf, h.fill...)
	if h.compBlob != nil {
		buf = binary.BigEndian.AppendUint16(buf, specialComp)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.compBlob)))
		buf = append(buf, h.compBlob...)
	}
	return buf
}

func decodeHeader(raw []byte) (*header, error) {
	if len(raw) < 6 || binary.BigEndian.Uint16(raw) != specialChunked {
		return nil, errors.Wrap(ErrDirectory, "not a chunked element")
	}
	innerLen := int(int32(binary.BigEndian.Uint32(raw[2:])))
	if innerLen < 33 || len(raw) < 6+innerLen {
		return nil, errors.Wrap(ErrDirectory, "chunked header truncated")
	}
	h := &header{}
	p := 6
	h.version = raw[p]
	if h.version != headerVersion {
		return nil, errors.Wrapf(ErrDirectory, "chunked header version %d", h.version)
	}
	h.flag = int32(binary.BigEndian.Uint32(raw[p+1:]))
	h.length = int32(binary.BigEndian.Uint32(raw[p+5:]))
	h.chunkSize = int32(binary.BigEndian.Uint32(raw[p+9:]))
	h.eltSize = int32(binary.BigEndian.Uint32(raw[p+13:]))
	h.tableTag = binary.BigEndian.Uint16(raw[p+17:])
	h.tableRef = binary.BigEndian.Uint16(raw[p+19:])
	ndims := int(int32(binary.BigEndian.Uint32(raw[p+25:])))
	p += 29
	if ndims <= 0 || innerLen < 29+12*ndims+4 {
		return nil, errors.Wrapf(ErrDirectory, "chunked header ndims %d", ndims)
	}
	h.dimFlags = make([]int32, ndims)
	h.dimLens = make([]int32, ndims)
	h.chunkLens = make([]int32, ndims)
	for i := 0; i < ndims; i++ {
		h.dimFlags[i] = int32(binary.BigEndian.Uint32(raw[p:]))
		h.dimLens[i] = int32(binary.BigEndian.Uint32(raw[p+4:]))
		h.chunkLens[i] = int32(binary.BigEndian.Uint32(raw[p+8:]))
		p += 12
	}
	fillLen := int(int32(binary.BigEndian.Uint32(raw[p:])))
	p += 4
	if fillLen < 0 || len(raw) < p+fillLen {
		return nil, errors.Wrap(ErrDirectory, "chunked header fill value truncated")
	}
	h.fill = append([]byte(nil), raw[p:p+fillLen]...)
	p += fillLen
	if h.compressed() {
		if len(raw) < p+6 || binary.BigEndian.Uint16(raw[p:]) != specialComp {
			return nil, errors.Wrap(ErrDirectory, "compression record missing")
		}
		compLen := int(int32(binary.BigEndian.Uint32(raw[p+2:])))
		p += 6
		if compLen < 0 || len(raw) < p+compLen {
			return nil, errors.Wrap(ErrDirectory, "compression record truncated")
		}
		h.compBlob = append([]byte(nil), raw[p:p+compLen]...)
	}
	return h, nil
}
