package chunked

import (
	"io"

	"github.com/loricooperhdf/hdf4/pkg/hfile"
)

// Element is a single tag/ref addressed byte extent in a Store.
type Element interface {
	io.ReadWriteSeeker
	io.Closer
	Size() int64
}

// Store is the object store a chunked element lives in. CreateElement
// replaces any existing element under the same tag/ref; NewRef hands
// out a reference number never used before for that tag.
type Store interface {
	CreateElement(tag, ref uint16) (Element, error)
	OpenElement(tag, ref uint16) (Element, error)
	HasElement(tag, ref uint16) bool
	NewRef(tag uint16) (uint16, error)
}

type fileStore struct {
	f *hfile.File
}

// NewFileStore adapts an hfile container to the Store interface.
func NewFileStore(f *hfile.File) Store { return fileStore{f} }

func (s fileStore) CreateElement(tag, ref uint16) (Element, error) {
	return s.f.CreateElement(tag, ref)
}

func (s fileStore) OpenElement(tag, ref uint16) (Element, error) {
	return s.f.OpenElement(tag, ref)
}

func (s fileStore) HasElement(tag, ref uint16) bool {
	return s.f.HasElement(tag, ref)
}

func (s fileStore) NewRef(tag uint16) (uint16, error) {
	return s.f.NewRef(tag)
}
