package hfile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func createFile(t *testing.T) *File {
	t.Helper()
	f, err := Create(filepath.Join(t.TempDir(), "test.hdf"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func writeTestElement(t *testing.T, f *File, tag, ref uint16, data []byte) {
	t.Helper()
	el, err := f.CreateElement(tag, ref)
	require.NoError(t, err)
	_, err = el.Write(data)
	require.NoError(t, err)
	require.NoError(t, el.Close())
}

func TestCreateWritesMagic(t *testing.T) {
	f := createFile(t)
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	require.Equal(t, []byte{0x0e, 0x03, 0x13, 0x01}, raw[:4])
}

func TestOpenRejectsNonHDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(path, []byte("PNG\r\n and then some"), 0644))

	_, err := Open(path, true)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestElementRoundTrip(t *testing.T) {
	f := createFile(t)

	writeTestElement(t, f, TagSciData, 1, []byte("hello element"))
	require.True(t, f.HasElement(TagSciData, 1))
	require.False(t, f.HasElement(TagSciData, 2))

	el, err := f.OpenElement(TagSciData, 1)
	require.NoError(t, err)
	got, err := io.ReadAll(el)
	require.NoError(t, err)
	require.Equal(t, "hello element", string(got))
	require.Equal(t, int64(13), el.Size())
	require.NoError(t, el.Close())

	_, err = f.OpenElement(TagSciData, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestElementPersists(t *testing.T) {
	f := createFile(t)
	writeTestElement(t, f, TagSciData, 3, []byte("persistent"))
	writeTestElement(t, f, TagChunk, 1, []byte{1, 2, 3})
	require.NoError(t, f.Close())

	f2, err := Open(f.Path(), true)
	require.NoError(t, err)
	defer f2.Close()

	el, err := f2.OpenElement(TagSciData, 3)
	require.NoError(t, err)
	got, err := io.ReadAll(el)
	require.NoError(t, err)
	require.Equal(t, "persistent", string(got))

	require.Len(t, f2.Elements(), 2)
}

func TestReplaceShrinkReusesExtent(t *testing.T) {
	f := createFile(t)

	writeTestElement(t, f, TagSciData, 1, []byte("a longer first version"))
	off1, _, ok := f.Find(TagSciData, 1)
	require.True(t, ok)

	writeTestElement(t, f, TagSciData, 1, []byte("short"))
	off2, length, ok := f.Find(TagSciData, 1)
	require.True(t, ok)
	require.Equal(t, off1, off2, "shrinking replacement keeps the extent")
	require.Equal(t, int32(5), length)

	el, err := f.OpenElement(TagSciData, 1)
	require.NoError(t, err)
	got, err := io.ReadAll(el)
	require.NoError(t, err)
	require.Equal(t, "short", string(got))
}

func TestReplaceGrowRelocates(t *testing.T) {
	f := createFile(t)

	writeTestElement(t, f, TagSciData, 1, []byte("tiny"))
	off1, _, _ := f.Find(TagSciData, 1)

	writeTestElement(t, f, TagSciData, 1, []byte("a much longer replacement body"))
	off2, length, _ := f.Find(TagSciData, 1)
	require.NotEqual(t, off1, off2, "growing replacement must relocate")
	require.Equal(t, int32(30), length)
}

func TestReadOnly(t *testing.T) {
	f := createFile(t)
	writeTestElement(t, f, TagSciData, 1, []byte("x"))
	require.NoError(t, f.Close())

	f2, err := Open(f.Path(), true)
	require.NoError(t, err)
	defer f2.Close()

	_, err = f2.CreateElement(TagSciData, 2)
	require.ErrorIs(t, err, ErrReadOnly)

	el, err := f2.OpenElement(TagSciData, 1)
	require.NoError(t, err)
	_, err = el.Write([]byte("y"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestNewRef(t *testing.T) {
	f := createFile(t)

	r1, err := f.NewRef(TagChunk)
	require.NoError(t, err)
	r2, err := f.NewRef(TagChunk)
	require.NoError(t, err)
	require.NotEqual(t, r1, r2, "handed-out refs must not repeat before the element is written")

	writeTestElement(t, f, TagChunk, r2, []byte("late data"))
	r3, err := f.NewRef(TagChunk)
	require.NoError(t, err)
	require.Greater(t, r3, r2)

	// Special and base tag share one ref space.
	sp, err := MakeSpecial(TagSciData)
	require.NoError(t, err)
	writeTestElement(t, f, sp, 7, []byte("special"))
	r4, err := f.NewRef(TagSciData)
	require.NoError(t, err)
	require.Equal(t, uint16(8), r4)
}

func TestDDBlockExtension(t *testing.T) {
	f := createFile(t)

	// The initial block has 16 slots; exceed it.
	for ref := uint16(1); ref <= 40; ref++ {
		writeTestElement(t, f, TagSciData, ref, []byte{byte(ref)})
	}
	require.Len(t, f.Elements(), 40)
	require.NoError(t, f.Close())

	f2, err := Open(f.Path(), false)
	require.NoError(t, err)
	defer f2.Close()
	require.Len(t, f2.Elements(), 40)

	for ref := uint16(1); ref <= 40; ref++ {
		el, err := f2.OpenElement(TagSciData, ref)
		require.NoError(t, err)
		got, err := io.ReadAll(el)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(ref)}, got)
	}
}

func TestSpecialTags(t *testing.T) {
	require.False(t, IsSpecial(TagSciData))
	sp, err := MakeSpecial(TagSciData)
	require.NoError(t, err)
	require.True(t, IsSpecial(sp))
	require.Equal(t, TagSciData, BaseTag(sp))

	_, err = MakeSpecial(0x8001)
	require.ErrorIs(t, err, ErrArgument)
}

func TestElementSeek(t *testing.T) {
	f := createFile(t)
	writeTestElement(t, f, TagSciData, 1, []byte("0123456789"))

	el, err := f.OpenElement(TagSciData, 1)
	require.NoError(t, err)

	pos, err := el.Seek(4, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)
	buf := make([]byte, 3)
	_, err = io.ReadFull(el, buf)
	require.NoError(t, err)
	require.Equal(t, "456", string(buf))

	pos, err = el.Seek(-2, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(8), pos)

	_, err = el.Seek(-1, io.SeekStart)
	require.ErrorIs(t, err, ErrArgument)
}
