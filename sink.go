package docdb

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The document index (DocumentInfo with its DocumentPosition) lives in a
// single meta file that is rewritten in full on every change:
//
//	"META" marker (size:uint64 + 4 bytes)
//	count:uint64
//	count x DocumentInfo
//
// Payloads live in page files; the position stored in the index points at
// the payload slot.
const (
	MetaFileName = "meta.ddb"
	metaMarker   = "META"
)

var pageBackupRegexp = regexp.MustCompile(`^page_\d+\.dp\.backup$`)

// Component is the lifecycle every storage component exposes to its owner.
type Component interface {
	Init() error
	Reset() error
	Name() string
}

// StorageSink persists the document index and payloads of one directory.
// It does no validation of document contents.
type StorageSink struct {
	mu          sync.RWMutex
	dir         string
	metaPath    string
	maxPageSize uint64
	// pageCounter is the highest page index seen or handed out; it never decreases.
	pageCounter uint64
	pages       map[uint64]*PageFile

	logger  log.FieldLogger
	metrics *Metrics
}

var _ Component = (*StorageSink)(nil)

func NewStorageSink(logger log.FieldLogger, metrics *Metrics, dir string, maxPageSize uint64) *StorageSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if maxPageSize == 0 {
		maxPageSize = DefaultMaxPageSize
	}
	return &StorageSink{
		dir:         dir,
		metaPath:    filepath.Join(dir, MetaFileName),
		maxPageSize: maxPageSize,
		pages:       map[uint64]*PageFile{},
		logger:      logger.WithField("component", "storage-sink"),
		metrics:     metrics,
	}
}

func (s *StorageSink) Name() string { return "storage-sink" }

// Init makes sure the meta file exists and loads every page file of the directory.
func (s *StorageSink) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

// Reset drops the in-memory page bookkeeping and runs Init again. Page
// indexes handed out before are not reused.
func (s *StorageSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = map[uint64]*PageFile{}
	return s.initLocked()
}

func (s *StorageSink) initLocked() error {
	s.logger.WithField("path", s.metaPath).Info("init document storage")

	if _, err := recoverFile(s.metaPath, s.logger); err != nil {
		return err
	}
	if _, err := os.Stat(s.metaPath); os.IsNotExist(err) {
		if err := s.storeMeta(nil); err != nil {
			return err
		}
	} else if err != nil {
		return fsError("stat", s.metaPath, err)
	}

	pages, err := s.loadPages()
	if err != nil {
		return err
	}
	s.pages = pages
	for index := range pages {
		if index > s.pageCounter {
			s.pageCounter = index
		}
	}
	s.metrics.setPages(len(s.pages))
	return nil
}

func (s *StorageSink) loadPages() (map[uint64]*PageFile, error) {
	s.logger.WithField("dir", s.dir).Debug("analyzing data pages")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fsError("readdir", s.dir, err)
	}
	recovered := false
	for _, entry := range entries {
		if entry.IsDir() || !pageBackupRegexp.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, strings.TrimSuffix(entry.Name(), BackupSuffix))
		ok, err := recoverFile(path, s.logger)
		if err != nil {
			return nil, err
		}
		if ok {
			s.metrics.transactionRecovered()
			recovered = true
		}
	}
	if recovered {
		if entries, err = os.ReadDir(s.dir); err != nil {
			return nil, fsError("readdir", s.dir, err)
		}
	}

	pages := map[uint64]*PageFile{}
	for _, entry := range entries {
		if entry.IsDir() || !IsPageFileName(entry.Name()) {
			continue
		}
		page, err := openPageFile(filepath.Join(s.dir, entry.Name()), s.logger)
		if err != nil {
			return nil, err
		}
		if page.ActiveCount() == 0 {
			if err := page.delete(); err != nil {
				return nil, err
			}
			// the index stays reserved even though the file is gone
			if page.Index() > s.pageCounter {
				s.pageCounter = page.Index()
			}
			continue
		}
		s.logger.WithFields(log.Fields{"path": page.Path(), "size": page.Size()}).Debug("found data page")
		pages[page.Index()] = page
	}
	return pages, nil
}

// StoreMeta rewrites the meta file with a snapshot of infos inside a file transaction.
func (s *StorageSink) StoreMeta(infos map[DocumentID]*DocumentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeMeta(infos)
}

func (s *StorageSink) storeMeta(infos map[DocumentID]*DocumentInfo) error {
	s.logger.WithField("documents", len(infos)).Debug("storing documents info")

	snapshot := make([]DocumentInfo, 0, len(infos))
	for _, info := range infos {
		snapshot = append(snapshot, *info)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	return s.withTransaction(s.metaPath, true, func() error {
		f, err := os.OpenFile(s.metaPath, os.O_WRONLY|os.O_TRUNC, 0)
		if err != nil {
			return fsError("open", s.metaPath, err)
		}
		w := NewBinaryWriter(f)
		w.String(metaMarker)
		if err := WriteSlice(w, snapshot); err != nil {
			_ = f.Close()
			return fsError("write", s.metaPath, err)
		}
		if err := w.Flush(); err != nil {
			_ = f.Close()
			return fsError("write", s.metaPath, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fsError("sync", s.metaPath, err)
		}
		return fsError("close", s.metaPath, f.Close())
	})
}

// LoadMeta reads the index back. An empty meta file means no documents yet.
func (s *StorageSink) LoadMeta() (map[DocumentID]*DocumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("loading documents info")
	if _, err := recoverFile(s.metaPath, s.logger); err != nil {
		return nil, err
	}

	f, err := os.Open(s.metaPath)
	if err != nil {
		return nil, fsError("open", s.metaPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fsError("stat", s.metaPath, err)
	}
	result := map[DocumentID]*DocumentInfo{}
	if info.Size() == 0 {
		s.logger.Debug("meta data is empty")
		return result, nil
	}

	r := NewBinaryReader(f)
	r.SetLimit(uint64(info.Size()))
	if err := readMarker(r, metaMarker); err != nil {
		s.logger.WithError(err).Error("invalid meta data prefix")
		return nil, corruption("meta %s: %v", s.metaPath, err)
	}
	infos, err := ReadSlice[DocumentInfo](r)
	if err != nil {
		return nil, corruption("meta %s: %v", s.metaPath, err)
	}
	s.logger.WithField("documents", len(infos)).Debug("document info entries found")

	for i := range infos {
		item := infos[i]
		if _, ok := result[item.ID]; ok {
			return nil, corruption("meta %s: duplicate document id %d", s.metaPath, item.ID)
		}
		result[item.ID] = &item
	}
	return result, nil
}

// StorePayload writes payload into a new slot and returns its position. When
// old is given, the slot it points at is disabled: in the same write pass if
// it lives on the target page, otherwise in a nested transaction on its page.
func (s *StorageSink) StorePayload(old *DocumentPosition, payload []byte) (DocumentPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := SlotSize(len(payload))
	if DefaultPageSize+size > s.maxPageSize {
		return DocumentPosition{}, errors.Wrapf(ErrPayloadTooLarge, "slot of %d bytes, page limit %d", size, s.maxPageSize)
	}

	position := s.findAvailablePosition(size)
	page, err := s.page(position.PageIndex, true)
	if err != nil {
		return DocumentPosition{}, err
	}

	var oldOffset *uint64
	if old != nil && old.PageIndex == position.PageIndex {
		offset := old.PageOffset
		oldOffset = &offset
	}

	err = s.withPageTransaction(page, func() error {
		if err := page.StorePayload(payload, position.PageOffset, oldOffset); err != nil {
			return err
		}
		if old == nil || old.PageIndex == position.PageIndex {
			return nil
		}
		oldPage, err := s.page(old.PageIndex, false)
		if err != nil {
			return err
		}
		return s.withPageTransaction(oldPage, func() error {
			return oldPage.DisablePayload(old.PageOffset)
		})
	})
	s.forgetDeletedPages()
	if err != nil {
		return DocumentPosition{}, err
	}

	s.logger.WithFields(log.Fields{"page": position.PageIndex, "offset": position.PageOffset}).Debug("payload stored")
	return position, nil
}

// Delete disables the slot at position.
func (s *StorageSink) Delete(position DocumentPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.page(position.PageIndex, false)
	if err != nil {
		return err
	}
	err = s.withPageTransaction(page, func() error {
		return page.DisablePayload(position.PageOffset)
	})
	s.forgetDeletedPages()
	return err
}

// LoadPayload reads the payload stored at position.
func (s *StorageSink) LoadPayload(position DocumentPosition) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[position.PageIndex]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidState, "page %d not found", position.PageIndex)
	}
	return page.LoadPayload(position.PageOffset)
}

// RemovePages deletes every page file of the directory, live or not.
func (s *StorageSink) RemovePages() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fsError("readdir", s.dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(IsPageFileName(name) || pageBackupRegexp.MatchString(name)) {
			continue
		}
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fsError("remove", path, err)
		}
	}
	s.pages = map[uint64]*PageFile{}
	s.metrics.setPages(0)
	return nil
}

// FindAvailablePosition returns the end of the first page, in ascending index
// order, that can take a slot of size bytes, or the start of a new page.
func (s *StorageSink) FindAvailablePosition(size uint64) DocumentPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findAvailablePosition(size)
}

func (s *StorageSink) findAvailablePosition(size uint64) DocumentPosition {
	indexes := make([]uint64, 0, len(s.pages))
	for index := range s.pages {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, index := range indexes {
		page := s.pages[index]
		if page.Size()+size <= s.maxPageSize {
			return DocumentPosition{PageIndex: index, PageOffset: page.Size()}
		}
	}

	s.pageCounter++
	s.logger.WithField("page", s.pageCounter).Debug("no suitable page found, creating new one")
	return DocumentPosition{PageIndex: s.pageCounter, PageOffset: DefaultPageSize}
}

// PageCount is the number of live page files.
func (s *StorageSink) PageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Page returns the live page with the given index.
func (s *StorageSink) Page(index uint64) (*PageFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[index]
	return page, ok
}

func (s *StorageSink) page(index uint64, create bool) (*PageFile, error) {
	if page, ok := s.pages[index]; ok {
		return page, nil
	}
	if !create {
		return nil, errors.Wrapf(ErrInvalidState, "page %d not found", index)
	}
	page, err := openPageFile(PagePath(s.dir, index), s.logger)
	if err != nil {
		return nil, err
	}
	s.pages[index] = page
	if index > s.pageCounter {
		s.pageCounter = index
	}
	s.metrics.setPages(len(s.pages))
	return page, nil
}

func (s *StorageSink) forgetDeletedPages() {
	for index, page := range s.pages {
		if page.Deleted() {
			delete(s.pages, index)
		}
	}
	s.metrics.setPages(len(s.pages))
}

func (s *StorageSink) newTransaction(path string, createIfMissing bool) *FileTransaction {
	return NewFileTransaction(path, createIfMissing).withLogger(s.logger).withMetrics(s.metrics)
}

// withTransaction runs fn inside a file transaction on path. The transaction
// is committed when fn succeeds and rolled back otherwise.
func (s *StorageSink) withTransaction(path string, createIfMissing bool, fn func() error) (err error) {
	guard, err := beginGuard(s.newTransaction(path, createIfMissing))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := guard.Close(); cerr != nil {
			s.logger.WithError(cerr).WithField("path", path).Error("file transaction rollback failed")
			if err == nil {
				err = cerr
			}
		}
	}()
	if err := fn(); err != nil {
		return err
	}
	return guard.Commit()
}

// withPageTransaction is withTransaction for a page; after a rollback the
// page state is re-read from the restored file.
func (s *StorageSink) withPageTransaction(page *PageFile, fn func() error) error {
	err := s.withTransaction(page.Path(), false, fn)
	if err != nil {
		if rerr := page.reload(); rerr != nil {
			s.logger.WithError(rerr).WithField("path", page.Path()).Error("cannot reload page after rollback")
		}
	}
	return err
}
