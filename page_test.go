package docdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T, index uint64) *PageFile {
	t.Helper()
	page, err := OpenPageFile(PagePath(t.TempDir(), index))
	require.NoError(t, err)
	return page
}

func TestPageNames(t *testing.T) {
	assert := assertion.New(t)

	assert.Equal(filepath.Join("dir", "page_12.dp"), PagePath("dir", 12))
	assert.True(IsPageFileName("page_0.dp"))
	assert.True(IsPageFileName("page_123.dp"))
	assert.False(IsPageFileName("page_.dp"))
	assert.False(IsPageFileName("page_1.dp.backup"))
	assert.False(IsPageFileName("meta.ddb"))

	index, err := ParsePageIndex("/data/page_42.dp")
	assert.NoError(err)
	assert.Equal(uint64(42), index)

	_, err = ParsePageIndex("/data/page_x.dp")
	assert.True(errors.Is(err, ErrFilesystemCorruption))
}

func TestPageCreate(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 3)

	assert.Equal(uint64(3), page.Index())
	assert.Equal(uint64(DefaultPageSize), page.Size())
	assert.Equal(uint64(0), page.ActiveCount())
	assert.False(page.Deleted())

	data, err := os.ReadFile(page.Path())
	assert.NoError(err)
	assert.Len(data, DefaultPageSize)
	assert.Equal(uint64(4), binary.NativeEndian.Uint64(data[:8]))
	assert.Equal("PAGE", string(data[8:12]))
	assert.Equal(uint64(0), binary.NativeEndian.Uint64(data[12:20]))
	assert.Equal(8+len(pageMarker), activeCountOffset)
	assert.Equal(activeCountOffset+8, DefaultPageSize)

	reopened, err := OpenPageFile(page.Path())
	assert.NoError(err)
	assert.Equal(page.Size(), reopened.Size())
	assert.Equal(page.ActiveCount(), reopened.ActiveCount())
}

func TestPageBadMarker(t *testing.T) {
	assert := assertion.New(t)
	path := PagePath(t.TempDir(), 1)
	assert.NoError(os.WriteFile(path, []byte("definitely not a page header"), 0o644))

	_, err := OpenPageFile(path)
	assert.True(errors.Is(err, ErrFilesystemCorruption))

	assert.NoError(os.WriteFile(path, []byte{1, 2}, 0o644))
	_, err = OpenPageFile(path)
	assert.True(errors.Is(err, ErrFilesystemCorruption))
}

func TestPageStoreLoad(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)

	first := page.Size()
	assert.NoError(page.StorePayload([]byte("hello"), first, nil))
	assert.Equal(first+SlotSize(5), page.Size())
	assert.Equal(uint64(1), page.ActiveCount())

	second := page.Size()
	assert.NoError(page.StorePayload([]byte{}, second, nil))
	assert.Equal(second+SlotSize(0), page.Size())
	assert.Equal(uint64(2), page.ActiveCount())

	payload, err := page.LoadPayload(first)
	assert.NoError(err)
	assert.Equal([]byte("hello"), payload)

	payload, err = page.LoadPayload(second)
	assert.NoError(err)
	assert.Empty(payload)

	info, err := os.Stat(page.Path())
	assert.NoError(err)
	assert.Equal(int64(page.Size()), info.Size())

	reopened, err := OpenPageFile(page.Path())
	assert.NoError(err)
	assert.Equal(uint64(2), reopened.ActiveCount())
	assert.Equal(page.Size(), reopened.Size())
}

func TestPageStoreWrongOffset(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)

	err := page.StorePayload([]byte("x"), page.Size()+1, nil)
	assert.True(errors.Is(err, ErrInvalidState))
	assert.Equal(uint64(0), page.ActiveCount())
}

func TestPageRelocateInPlace(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)

	old := page.Size()
	assert.NoError(page.StorePayload([]byte("v1"), old, nil))
	next := page.Size()
	assert.NoError(page.StorePayload([]byte("v2"), next, &old))
	assert.Equal(uint64(1), page.ActiveCount())

	_, err := page.LoadPayload(old)
	assert.True(errors.Is(err, ErrFilesystemCorruption))
	payload, err := page.LoadPayload(next)
	assert.NoError(err)
	assert.Equal([]byte("v2"), payload)

	// relocating from a disabled slot is refused
	end := page.Size()
	err = page.StorePayload([]byte("v3"), end, &old)
	assert.True(errors.Is(err, ErrFilesystemCorruption))
	assert.Equal(end, page.Size())
}

func TestPageDisable(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)

	first := page.Size()
	assert.NoError(page.StorePayload([]byte("a"), first, nil))
	second := page.Size()
	assert.NoError(page.StorePayload([]byte("b"), second, nil))

	assert.NoError(page.DisablePayload(first))
	assert.Equal(uint64(1), page.ActiveCount())
	assert.FileExists(page.Path())

	err := page.DisablePayload(first)
	assert.True(errors.Is(err, ErrFilesystemCorruption))

	err = page.DisablePayload(page.Size() + 100)
	assert.True(errors.Is(err, ErrInvalidState))

	assert.NoError(page.DisablePayload(second))
	assert.Equal(uint64(0), page.ActiveCount())
	assert.True(page.Deleted())
	assert.NoFileExists(page.Path())

	_, err = page.LoadPayload(second)
	assert.True(errors.Is(err, ErrInvalidState))
	err = page.StorePayload([]byte("c"), DefaultPageSize, nil)
	assert.True(errors.Is(err, ErrInvalidState))
}

func TestPageLoadOutOfRange(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)
	assert.NoError(page.StorePayload([]byte("a"), page.Size(), nil))

	_, err := page.LoadPayload(0)
	assert.True(errors.Is(err, ErrInvalidState))
	_, err = page.LoadPayload(page.Size())
	assert.True(errors.Is(err, ErrInvalidState))
}

func TestPageReload(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)
	assert.NoError(page.StorePayload([]byte("a"), page.Size(), nil))

	// simulate an external rollback to the empty page
	data, err := os.ReadFile(page.Path())
	assert.NoError(err)
	assert.NoError(os.WriteFile(page.Path(), data[:DefaultPageSize], 0o644))
	assert.NoError(page.reload())
	assert.Equal(uint64(DefaultPageSize), page.Size())

	assert.NoError(os.Remove(page.Path()))
	assert.NoError(page.reload())
	assert.True(page.Deleted())
}

func TestPageCorruptedSlotLength(t *testing.T) {
	assert := assertion.New(t)
	page := newTestPage(t, 1)
	offset := page.Size()
	assert.NoError(page.StorePayload([]byte("abc"), offset, nil))

	f, err := os.OpenFile(page.Path(), os.O_RDWR, 0)
	require.NoError(t, err)
	var size [8]byte
	binary.NativeEndian.PutUint64(size[:], 1<<20)
	_, err = f.WriteAt(size[:], int64(offset)+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = page.LoadPayload(offset)
	assert.Error(err)
	assert.Contains(err.Error(), "exceeds limit")
	assert.False(errors.Is(err, ErrEndOfStream))
}
