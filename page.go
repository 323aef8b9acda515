package docdb

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Page file layout:
//
//	"PAGE" marker (size:uint64 + 4 bytes)
//	active_count:uint64
//	slots: is_active:bool + payload (size:uint64 + bytes), appended one after another
//
// A slot is never moved. Relocated or deleted payloads only get their
// is_active flag cleared; the file is removed once active_count drops to zero.
const (
	pageMarker     = "PAGE"
	pageFilePrefix = "page_"
	pageFileExt    = ".dp"

	// activeCountOffset is where active_count lives, right after the marker
	// (size:uint64 + len("PAGE")). Kept untyped so it mixes with uint64 offsets.
	activeCountOffset = 8 + 4

	// DefaultPageSize is the size of a freshly created page: the header only.
	DefaultPageSize = activeCountOffset + 8

	// DefaultMaxPageSize caps the size of a page file.
	DefaultMaxPageSize = 4 * 1024 * 1024

	slotHeaderSize = 1 + 8
)

var pageFileRegexp = regexp.MustCompile(`^page_(\d+)\.dp$`)

// SlotSize is the on-disk width of a slot holding a payload of n bytes.
func SlotSize(n int) uint64 {
	return uint64(slotHeaderSize + n)
}

// PagePath returns the path of the page file with the given index in dir.
func PagePath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", pageFilePrefix, index, pageFileExt))
}

// IsPageFileName reports whether name follows the page file naming convention.
func IsPageFileName(name string) bool {
	return pageFileRegexp.MatchString(name)
}

// ParsePageIndex extracts the page index from a page file name or path.
func ParsePageIndex(path string) (uint64, error) {
	m := pageFileRegexp.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, corruption("%s is not a page file name", path)
	}
	index, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, corruption("cannot parse page index of %s: %v", path, err)
	}
	return index, nil
}

// PageFile is one physical file holding many payload slots.
type PageFile struct {
	path        string
	index       uint64
	size        uint64
	activeCount uint64
	logger      log.FieldLogger
}

// OpenPageFile opens the page at path, creating an empty page if the file
// does not exist. An existing file must start with the page marker.
func OpenPageFile(path string) (*PageFile, error) {
	return openPageFile(path, log.StandardLogger())
}

func openPageFile(path string, logger log.FieldLogger) (*PageFile, error) {
	index, err := ParsePageIndex(path)
	if err != nil {
		return nil, err
	}
	p := &PageFile{
		path:   path,
		index:  index,
		logger: logger.WithField("page", index),
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PageFile) init() error {
	info, err := os.Stat(p.path)
	if os.IsNotExist(err) {
		return p.create()
	}
	if err != nil {
		return fsError("stat", p.path, err)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return fsError("open", p.path, err)
	}
	defer f.Close()

	r := NewBinaryReader(f)
	if err := readMarker(r, pageMarker); err != nil {
		p.logger.WithError(err).Error("page file is corrupted")
		return errors.Wrapf(ErrFilesystemCorruption, "page %s: %v", p.path, err)
	}
	count := r.Uint64()
	if err := r.Err(); err != nil {
		return errors.Wrapf(ErrFilesystemCorruption, "page %s: cannot read active count: %v", p.path, err)
	}
	p.activeCount = count
	p.size = uint64(info.Size())
	return nil
}

func (p *PageFile) create() error {
	p.logger.WithField("path", p.path).Debug("initializing new page")
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fsError("create", p.path, err)
	}
	w := NewBinaryWriter(f)
	w.String(pageMarker)
	w.Uint64(0)
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fsError("write", p.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fsError("sync", p.path, err)
	}
	if err := f.Close(); err != nil {
		return fsError("close", p.path, err)
	}
	p.size = DefaultPageSize
	p.activeCount = 0
	return nil
}

// reload re-reads size and active count from disk, e.g. after a rollback.
func (p *PageFile) reload() error {
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		p.size = 0
		p.activeCount = 0
		return nil
	}
	return p.init()
}

// StorePayload appends a slot at offset, which must be the current end of the
// page. If oldOffset is set, the slot there is disabled in the same pass.
func (p *PageFile) StorePayload(payload []byte, offset uint64, oldOffset *uint64) error {
	if p.Deleted() {
		return errors.Wrapf(ErrInvalidState, "page %s was deleted", p.path)
	}
	if offset != p.size {
		return errors.Wrapf(ErrInvalidState, "page %s: slot offset %d is not the page end %d", p.path, offset, p.size)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return fsError("open", p.path, err)
	}
	defer f.Close()

	count := p.activeCount + 1
	if oldOffset != nil {
		if err := p.checkActive(f, *oldOffset); err != nil {
			return err
		}
		count--
	}

	w := NewBinaryWriter(f)
	w.SeekTo(int64(offset))
	w.Bool(true)
	w.Bytes(payload)
	if oldOffset != nil {
		w.SeekTo(int64(*oldOffset))
		w.Bool(false)
	}
	w.SeekTo(int64(activeCountOffset))
	w.Uint64(count)
	if err := w.Flush(); err != nil {
		return fsError("write", p.path, err)
	}
	if err := f.Sync(); err != nil {
		return fsError("sync", p.path, err)
	}

	p.size = offset + SlotSize(len(payload))
	p.activeCount = count
	p.logger.WithFields(log.Fields{"offset": offset, "size": len(payload), "active": count}).Debug("payload stored")
	return nil
}

// DisablePayload clears the active flag of the slot at offset. The page file
// is deleted when no active slot is left.
func (p *PageFile) DisablePayload(offset uint64) error {
	if p.Deleted() {
		return errors.Wrapf(ErrInvalidState, "page %s was deleted", p.path)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return fsError("open", p.path, err)
	}
	if err := p.checkActive(f, offset); err != nil {
		_ = f.Close()
		return err
	}
	if p.activeCount == 0 {
		_ = f.Close()
		return corruption("page %s: active slot found but active count is zero", p.path)
	}

	count := p.activeCount - 1
	w := NewBinaryWriter(f)
	w.SeekTo(int64(offset))
	w.Bool(false)
	w.SeekTo(int64(activeCountOffset))
	w.Uint64(count)
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fsError("write", p.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fsError("sync", p.path, err)
	}
	if err := f.Close(); err != nil {
		return fsError("close", p.path, err)
	}
	p.activeCount = count
	p.logger.WithFields(log.Fields{"offset": offset, "active": count}).Debug("payload disabled")

	if count == 0 {
		return p.delete()
	}
	return nil
}

func (p *PageFile) delete() error {
	p.logger.WithField("path", p.path).Debug("deleting page without active payloads")
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fsError("remove", p.path, err)
	}
	p.size = 0
	p.activeCount = 0
	return nil
}

// LoadPayload reads the payload of the slot at offset. A disabled slot is
// reported as ErrFilesystemCorruption: the index must never point at one.
func (p *PageFile) LoadPayload(offset uint64) ([]byte, error) {
	if p.Deleted() {
		return nil, errors.Wrapf(ErrInvalidState, "page %s was deleted", p.path)
	}
	if err := p.checkOffset(offset); err != nil {
		return nil, err
	}

	f, err := os.Open(p.path)
	if err != nil {
		return nil, fsError("open", p.path, err)
	}
	defer f.Close()

	r := NewBinaryReader(f)
	// a slot cannot extend past the end of the page
	r.SetLimit(p.size - offset)
	r.SeekTo(int64(offset))
	active := r.Bool()
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "page %s: read slot flag at %d", p.path, offset)
	}
	if !active {
		p.logger.WithField("offset", offset).Error("document info points to an inactive payload")
		return nil, corruption("page %s: slot at %d is inactive", p.path, offset)
	}
	payload := r.Bytes()
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "page %s: read payload at %d", p.path, offset)
	}
	return payload, nil
}

func (p *PageFile) checkOffset(offset uint64) error {
	if offset < DefaultPageSize || offset >= p.size {
		return errors.Wrapf(ErrInvalidState, "page %s: offset %d is outside slots area [%d, %d)", p.path, offset, DefaultPageSize, p.size)
	}
	return nil
}

func (p *PageFile) checkActive(f *os.File, offset uint64) error {
	if err := p.checkOffset(offset); err != nil {
		return err
	}
	var flag [1]byte
	if _, err := f.ReadAt(flag[:], int64(offset)); err != nil {
		return fsError("read", p.path, err)
	}
	if flag[0] == 0 {
		return corruption("page %s: slot at %d is already inactive", p.path, offset)
	}
	return nil
}

func (p *PageFile) Path() string { return p.path }

// Size is the current byte length of the page file, 0 once it was deleted.
func (p *PageFile) Size() uint64 { return p.size }

func (p *PageFile) Index() uint64 { return p.index }

func (p *PageFile) ActiveCount() uint64 { return p.activeCount }

func (p *PageFile) Deleted() bool { return p.size == 0 }

// readMarker reads a length-prefixed marker and compares it with want. It
// returns ErrEndOfStream untouched so callers can treat empty files specially.
func readMarker(r *BinaryReader, want string) error {
	size := r.Uint64()
	if err := r.Err(); err != nil {
		return err
	}
	if size != uint64(len(want)) {
		return errors.Errorf("unexpected marker length %d", size)
	}
	got := make([]byte, size)
	if !r.read(got) {
		return r.Err()
	}
	if string(got) != want {
		return errors.Errorf("unexpected marker %q", got)
	}
	return nil
}
