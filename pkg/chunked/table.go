package chunked

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/loricooperhdf/hdf4/pkg/hfile"
)

// tableClass is the signature stored ahead of the record rows so a
// reader can tell a chunk table from an arbitrary element.
const tableClass = "_HDF_CHK_TBL_0"

// tableRecord is one row of the chunk record table: the chunk's origin
// in chunk coordinates plus the tag/ref of its data element.
type tableRecord struct {
	origin []int32
	tag    uint16
	ref    uint16
}

// recordTable is the persistent side of the chunk directory. Rows are
// append only; the whole element is rewritten on sync since extents in
// the store cannot grow in place.
type recordTable struct {
	store Store
	tag   uint16
	ref   uint16
	ndims int
	recs  []tableRecord
	dirty bool
}

func (t *recordTable) recWidth() int { return t.ndims*4 + 4 }

func createTable(store Store, ndims int) (*recordTable, error) {
	ref, err := store.NewRef(hfile.TagChunkTable)
	if err != nil {
		return nil, errors.Wrap(ErrExhausted, err.Error())
	}
	t := &recordTable{
		store: store,
		tag:   hfile.TagChunkTable,
		ref:   ref,
		ndims: ndims,
		dirty: true,
	}
	if err := t.sync(); err != nil {
		return nil, err
	}
	return t, nil
}

func openTable(store Store, tag, ref uint16, ndims int) (*recordTable, error) {
	el, err := store.OpenElement(tag, ref)
	if err != nil {
		return nil, errors.Wrapf(ErrDirectory, "chunk table %d/%d: %v", tag, ref, err)
	}
	defer el.Close()
	raw, err := io.ReadAll(el)
	if err != nil {
		return nil, errors.Wrapf(ErrStorageIO, "read chunk table %d/%d: %v", tag, ref, err)
	}
	t := &recordTable{store: store, tag: tag, ref: ref, ndims: ndims}
	if err := t.decode(raw); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *recordTable) decode(raw []byte) error {
	if len(raw) < 1 {
		return errors.Wrap(ErrDirectory, "chunk table truncated")
	}
	clen := int(raw[0])
	if len(raw) < 1+clen+8 {
		return errors.Wrap(ErrDirectory, "chunk table truncated")
	}
	if string(raw[1:1+clen]) != tableClass {
		return errors.Wrapf(ErrDirectory, "chunk table class %q", raw[1:1+clen])
	}
	p := 1 + clen
	width := int(int32(binary.BigEndian.Uint32(raw[p:])))
	nrecs := int(int32(binary.BigEndian.Uint32(raw[p+4:])))
	p += 8
	if width != t.recWidth() {
		return errors.Wrapf(ErrDirectory, "chunk table record width %d, want %d", width, t.recWidth())
	}
	if nrecs < 0 || len(raw) < p+nrecs*width {
		return errors.Wrap(ErrDirectory, "chunk table truncated")
	}
	t.recs = make([]tableRecord, nrecs)
	for i := 0; i < nrecs; i++ {
		rec := tableRecord{origin: make([]int32, t.ndims)}
		for j := 0; j < t.ndims; j++ {
			rec.origin[j] = int32(binary.BigEndian.Uint32(raw[p:]))
			p += 4
		}
		rec.tag = binary.BigEndian.Uint16(raw[p:])
		rec.ref = binary.BigEndian.Uint16(raw[p+2:])
		p += 4
		t.recs[i] = rec
	}
	return nil
}

func (t *recordTable) encode() []byte {
	buf := make([]byte, 0, 1+len(tableClass)+8+len(t.recs)*t.recWidth())
	buf = append(buf, byte(len(tableClass)))
	buf = append(buf, tableClass...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.recWidth()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.recs)))
	for _, rec := range t.recs {
		for _, c := range rec.origin {
			buf = binary.BigEndian.AppendUint32(buf, uint32(c))
		}
		buf = binary.BigEndian.AppendUint16(buf, rec.tag)
		buf = binary.BigEndian.AppendUint16(buf, rec.ref)
	}
	return buf
}

// appendRecord adds a row and returns its index. The row becomes
// visible in the store on the next sync.
func (t *recordTable) appendRecord(origin []int32, tag, ref uint16) int32 {
	o := make([]int32, len(origin))
	copy(o, origin)
	t.recs = append(t.recs, tableRecord{origin: o, tag: tag, ref: ref})
	t.dirty = true
	return int32(len(t.recs) - 1)
}

func (t *recordTable) numRecs() int32 { return int32(len(t.recs)) }

func (t *recordTable) sync() error {
	if !t.dirty {
		return nil
	}
	el, err := t.store.CreateElement(t.tag, t.ref)
	if err != nil {
		return errors.Wrapf(ErrStorageIO, "write chunk table %d/%d: %v", t.tag, t.ref, err)
	}
	if _, err := el.Write(t.encode()); err != nil {
		el.Close()
		return errors.Wrapf(ErrStorageIO, "write chunk table %d/%d: %v", t.tag, t.ref, err)
	}
	if err := el.Close(); err != nil {
		return errors.Wrapf(ErrStorageIO, "write chunk table %d/%d: %v", t.tag, t.ref, err)
	}
	t.dirty = false
	return nil
}

// chunkRecord is the in-memory directory entry for one chunk.
type chunkRecord struct {
	number int32
	origin []int32
	tag    uint16
	ref    uint16
	row    int32
}
