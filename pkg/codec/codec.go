// Package codec wraps the per-chunk compression algorithms behind a
// uniform interface. A compressed chunk is stored as a 1-byte marker
// (0: compressed, 1: raw), a 4-byte big-endian logical length, then the
// payload. Whenever compression would not shrink a chunk the raw bytes
// are stored instead, so compression can never grow a chunk on disk.
package codec

import (
	"encoding/binary"

	"github.com/DataDog/zstd"
	lz4 "github.com/hungys/go-lz4"
	"github.com/pkg/errors"
)

// Kind identifies a compression algorithm in the on-disk header.
type Kind uint16

const (
	KindNone Kind = 0
	KindLZ4  Kind = 1
	KindZStd Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLZ4:
		return "lz4"
	case KindZStd:
		return "zstd"
	}
	return "unknown"
}

// Compressor compresses and decompresses whole chunks.
type Compressor interface {
	Name() string
	Kind() Kind
	CompressBound(size int) int
	Compress(dst, src []byte) (int, error)
	Decompress(dst, src []byte) (int, error)
}

// NewCompressor returns the named compressor, nil for "" and "none".
func NewCompressor(name string) Compressor {
	switch name {
	case "", "none":
		return nil
	case "lz4":
		return LZ4{}
	case "zstd":
		return &ZStandard{level: 3}
	}
	return nil
}

// LZ4 is the lz4 block codec.
type LZ4 struct{}

func (l LZ4) Name() string            { return "lz4" }
func (l LZ4) Kind() Kind              { return KindLZ4 }
func (l LZ4) CompressBound(s int) int { return lz4.CompressBound(s) }
func (l LZ4) Compress(dst, src []byte) (int, error) {
	return lz4.CompressDefault(src, dst)
}
func (l LZ4) Decompress(dst, src []byte) (int, error) {
	return lz4.DecompressSafe(src, dst)
}

// ZStandard is the zstd codec at a fixed level.
type ZStandard struct {
	level int
}

func NewZStandard(level int) *ZStandard { return &ZStandard{level: level} }

func (z *ZStandard) Name() string            { return "zstd" }
func (z *ZStandard) Kind() Kind              { return KindZStd }
func (z *ZStandard) Level() int              { return z.level }
func (z *ZStandard) CompressBound(s int) int { return zstd.CompressBound(s) }
func (z *ZStandard) Compress(dst, src []byte) (int, error) {
	d, err := zstd.CompressLevel(dst[:0], src, z.level)
	if err != nil {
		return 0, err
	}
	if len(d) > len(dst) {
		// zstd reallocated: the bound was too small
		return 0, errors.Errorf("compressed size %d exceeds bound %d", len(d), len(dst))
	}
	return len(d), nil
}
func (z *ZStandard) Decompress(dst, src []byte) (int, error) {
	d, err := zstd.Decompress(dst[:0], src)
	if err != nil {
		return 0, err
	}
	if len(d) > len(dst) {
		return 0, errors.Errorf("decompressed size %d exceeds buffer %d", len(d), len(dst))
	}
	return len(d), nil
}

const (
	markerCompressed byte = 0
	markerRaw        byte = 1
	frameHeadLen          = 5 // marker + logical length
)

// EncodeChunk produces the stored form of one chunk. Compression
// failures and non-shrinking results both fall back to the raw form.
func EncodeChunk(c Compressor, raw []byte) []byte {
	if c != nil {
		dst := make([]byte, frameHeadLen+c.CompressBound(len(raw)))
		n, err := c.Compress(dst[frameHeadLen:], raw)
		if err == nil && n < len(raw) {
			dst[0] = markerCompressed
			binary.BigEndian.PutUint32(dst[1:5], uint32(len(raw)))
			return dst[:frameHeadLen+n]
		}
	}
	dst := make([]byte, frameHeadLen+len(raw))
	dst[0] = markerRaw
	binary.BigEndian.PutUint32(dst[1:5], uint32(len(raw)))
	copy(dst[frameHeadLen:], raw)
	return dst
}

// DecodeChunk reverses EncodeChunk into page, which must hold exactly
// the chunk's raw byte size.
func DecodeChunk(c Compressor, stored []byte, page []byte) error {
	if len(stored) < frameHeadLen {
		return errors.Errorf("stored chunk too short: %d bytes", len(stored))
	}
	logical := int(binary.BigEndian.Uint32(stored[1:5]))
	if logical != len(page) {
		return errors.Errorf("logical length %d does not match chunk size %d", logical, len(page))
	}
	switch stored[0] {
	case markerRaw:
		if len(stored)-frameHeadLen < logical {
			return errors.Errorf("raw chunk truncated: %d of %d bytes", len(stored)-frameHeadLen, logical)
		}
		copy(page, stored[frameHeadLen:])
		return nil
	case markerCompressed:
		if c == nil {
			return errors.New("compressed chunk but no compressor configured")
		}
		n, err := c.Decompress(page, stored[frameHeadLen:])
		if err != nil {
			return errors.Wrap(err, "decompress chunk")
		}
		if n != logical {
			return errors.Errorf("decompressed %d bytes, want %d", n, logical)
		}
		return nil
	}
	return errors.Errorf("unknown chunk marker %d", stored[0])
}

// EncodeHeader serializes the codec configuration blob stored once per
// element: model type (2 bytes, always 0), kind (2 bytes), then
// kind-specific parameters.
func EncodeHeader(c Compressor) []byte {
	buf := make([]byte, 4, 8)
	if c == nil {
		return buf
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(c.Kind()))
	if z, ok := c.(*ZStandard); ok {
		buf = buf[:8]
		binary.BigEndian.PutUint32(buf[4:8], uint32(z.level))
	}
	return buf
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(blob []byte) (Compressor, error) {
	if len(blob) < 4 {
		return nil, errors.Errorf("codec header too short: %d bytes", len(blob))
	}
	kind := Kind(binary.BigEndian.Uint16(blob[2:4]))
	switch kind {
	case KindNone:
		return nil, nil
	case KindLZ4:
		return LZ4{}, nil
	case KindZStd:
		if len(blob) < 8 {
			return nil, errors.New("zstd codec header missing level")
		}
		return &ZStandard{level: int(binary.BigEndian.Uint32(blob[4:8]))}, nil
	}
	return nil, errors.Errorf("unknown codec kind %d", kind)
}
