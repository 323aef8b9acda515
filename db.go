package docdb

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to obtain the directory lock.
	// When set to zero a single attempt is made and ErrLockedByOther is
	// returned if another process holds the lock.
	Timeout time.Duration

	// MaxPageSize caps the size of every page file. Zero means DefaultMaxPageSize.
	MaxPageSize uint64

	// Compression is applied to payloads before they are stored. It is a
	// property of the data directory and must not change between opens.
	Compression CompressAlgorithm

	// Logger defaults to the logrus standard logger.
	Logger log.FieldLogger

	// Registerer receives the store metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

var DefaultOptions = &Options{
	Timeout:     0,
	MaxPageSize: DefaultMaxPageSize,
	Compression: CompNone,
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Documents int
	Pages     int
	NextID    DocumentID
}

// DB is a persistent document store rooted in one directory.
//
// The in-memory index is guarded by rwlock: Get and List share it, Add,
// Delete and Clear hold it exclusively, Update starts shared and switches to
// exclusive only when something changes. Ids come from an atomic counter
// outside the lock.
type DB struct {
	path   string
	opened bool
	lock   *dirLock

	idCounter atomic.Uint64

	rwlock    sync.RWMutex
	documents map[DocumentID]*DocumentInfo

	sink    *StorageSink
	codec   payloadCodec
	logger  log.FieldLogger
	metrics *Metrics
}

var _ Component = (*DB)(nil)

// Open opens the store in path, creating the directory with mode if needed.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	// Set default options if no options are provided.
	if options == nil {
		options = DefaultOptions
	}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	if err := os.MkdirAll(path, mode); err != nil {
		return nil, fsError("mkdir", path, err)
	}

	lock, err := lockDir(path, options.Timeout)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:      path,
		lock:      lock,
		documents: map[DocumentID]*DocumentInfo{},
		codec:     payloadCodec{algo: options.Compression},
		logger:    logger.WithField("db", path),
		metrics:   NewMetrics(options.Registerer),
	}
	db.sink = NewStorageSink(db.logger, db.metrics, path, options.MaxPageSize)

	if err := db.Init(); err != nil {
		_ = lock.funlock()
		return nil, err
	}
	db.opened = true
	return db, nil
}

func (db *DB) Name() string { return "document-store" }

func (db *DB) Path() string { return db.path }

// Init loads the index and page files from disk.
func (db *DB) Init() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	return db.load()
}

// Reset drops the in-memory state and loads it from disk again.
func (db *DB) Reset() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return ErrClosed
	}
	db.documents = map[DocumentID]*DocumentInfo{}
	if err := db.sink.Reset(); err != nil {
		return err
	}
	return db.load()
}

func (db *DB) load() error {
	if err := db.sink.Init(); err != nil {
		return err
	}
	documents, err := db.sink.LoadMeta()
	if err != nil {
		return err
	}
	for id, info := range documents {
		if info.Position == nil {
			db.logger.WithField("id", id).Warn("document has no payload position")
			continue
		}
		if _, ok := db.sink.Page(info.Position.PageIndex); !ok {
			db.logger.WithFields(log.Fields{"id": id, "page": info.Position.PageIndex}).Warn("document points to a missing page")
		}
	}
	db.documents = documents
	db.restoreIDCounter()
	db.metrics.setDocuments(len(db.documents))
	db.logger.WithField("documents", len(db.documents)).Info("document store loaded")
	return nil
}

// restoreIDCounter continues numbering after the highest loaded id. The
// counter never moves backwards within a process.
func (db *DB) restoreIDCounter() {
	next := uint64(0)
	for id := range db.documents {
		if uint64(id)+1 > next {
			next = uint64(id) + 1
		}
	}
	if next > db.idCounter.Load() {
		db.idCounter.Store(next)
	}
}

func (db *DB) nextID() DocumentID {
	return DocumentID(db.idCounter.Add(1) - 1)
}

// Close releases the directory lock. Operations on a closed DB return ErrClosed.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	db.documents = map[DocumentID]*DocumentInfo{}
	if err := db.lock.funlock(); err != nil {
		return errors.Wrap(err, "release db lock")
	}
	return nil
}

// Add stores a new document and returns it without the payload.
func (db *DB) Add(input DocumentInput) (doc Document, err error) {
	defer func() { db.metrics.operation("add", err) }()

	id := db.nextID()
	now := time.Now()
	stored, err := db.codec.encode(input.Payload)
	if err != nil {
		return Document{}, err
	}

	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return Document{}, ErrClosed
	}

	position, err := db.sink.StorePayload(nil, stored)
	if err != nil {
		return Document{}, err
	}
	info := &DocumentInfo{
		ID:        id,
		Created:   now,
		Updated:   now,
		Name:      input.Name,
		Owner:     input.Owner,
		Namespace: input.Namespace,
		Position:  &position,
	}
	db.documents[id] = info

	if err := db.sink.StoreMeta(db.documents); err != nil {
		delete(db.documents, id)
		if derr := db.sink.Delete(position); derr != nil {
			db.logger.WithError(derr).WithField("id", id).Error("cannot disable payload of a document that failed to persist")
		}
		return Document{}, err
	}
	db.metrics.setDocuments(len(db.documents))
	db.logger.WithField("id", id).Debug("document added")
	return Document{Info: info.clone()}, nil
}

// Get returns the document with id, with its payload if fetchPayload is set.
func (db *DB) Get(id DocumentID, fetchPayload bool) (doc Document, err error) {
	defer func() { db.metrics.operation("get", err) }()

	db.rwlock.RLock()
	defer db.rwlock.RUnlock()
	if !db.opened {
		return Document{}, ErrClosed
	}

	info, err := db.find(id)
	if err != nil {
		return Document{}, err
	}
	doc = Document{Info: info.clone()}
	if !fetchPayload {
		return doc, nil
	}
	if info.Position == nil {
		return Document{}, errors.Wrapf(ErrInvalidState, "document %d has no payload position", id)
	}
	stored, err := db.sink.LoadPayload(*info.Position)
	if err != nil {
		return Document{}, err
	}
	payload, err := db.codec.decode(stored)
	if err != nil {
		return Document{}, err
	}
	if payload == nil {
		payload = []byte{}
	}
	doc.Payload = payload
	return doc, nil
}

// List returns the metadata of all documents ordered by id.
func (db *DB) List() (docs []Document, err error) {
	defer func() { db.metrics.operation("list", err) }()

	db.rwlock.RLock()
	defer db.rwlock.RUnlock()
	if !db.opened {
		return nil, ErrClosed
	}

	docs = make([]Document, 0, len(db.documents))
	for _, info := range db.documents {
		docs = append(docs, Document{Info: info.clone()})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Info.ID < docs[j].Info.ID })
	return docs, nil
}

// Update applies the non-nil fields of update. The exclusive lock is only
// taken when at least one field differs or a payload is given.
func (db *DB) Update(id DocumentID, update DocumentUpdate) (doc Document, err error) {
	defer func() { db.metrics.operation("update", err) }()

	db.rwlock.RLock()
	if !db.opened {
		db.rwlock.RUnlock()
		return Document{}, ErrClosed
	}
	info, err := db.find(id)
	if err != nil {
		db.rwlock.RUnlock()
		return Document{}, err
	}
	if !update.changes(info) {
		doc = Document{Info: info.clone()}
		db.rwlock.RUnlock()
		return doc, nil
	}
	db.rwlock.RUnlock()

	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return Document{}, ErrClosed
	}
	// the document may have been deleted between the two locks
	info, err = db.find(id)
	if err != nil {
		return Document{}, err
	}

	updated := info.clone()
	var position *DocumentPosition
	if update.Payload != nil {
		stored, err := db.codec.encode(update.Payload)
		if err != nil {
			return Document{}, err
		}
		// the old slot stays live until the index points at the new one
		newPosition, err := db.sink.StorePayload(nil, stored)
		if err != nil {
			return Document{}, err
		}
		position = &newPosition
		updated.Position = position
	}
	if update.Name != nil {
		updated.Name = *update.Name
	}
	if update.Owner != nil {
		updated.Owner = *update.Owner
	}
	if update.Namespace != nil {
		updated.Namespace = *update.Namespace
	}
	updated.Updated = laterThan(time.Now(), info.Updated)

	db.documents[id] = &updated
	if err := db.sink.StoreMeta(db.documents); err != nil {
		db.documents[id] = info
		if position != nil {
			if derr := db.sink.Delete(*position); derr != nil {
				db.logger.WithError(derr).WithField("id", id).Error("cannot disable payload of an update that failed to persist")
			}
		}
		return Document{}, err
	}

	if position != nil && info.Position != nil {
		// the update is durable at this point; a failure only leaks the old slot
		if err := db.sink.Delete(*info.Position); err != nil {
			db.logger.WithError(err).WithFields(log.Fields{"id": id, "page": info.Position.PageIndex}).Error("cannot disable replaced payload")
		}
	}
	db.logger.WithField("id", id).Debug("document updated")
	return Document{Info: updated.clone()}, nil
}

// Delete removes the document from the index and disables its payload slot.
// The index is persisted first: a crash in between leaves an unreferenced
// slot instead of an index entry pointing at a disabled one.
func (db *DB) Delete(id DocumentID) (doc Document, err error) {
	defer func() { db.metrics.operation("delete", err) }()

	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return Document{}, ErrClosed
	}

	info, err := db.find(id)
	if err != nil {
		return Document{}, err
	}
	delete(db.documents, id)
	if err := db.sink.StoreMeta(db.documents); err != nil {
		db.documents[id] = info
		return Document{}, err
	}
	db.metrics.setDocuments(len(db.documents))

	if info.Position == nil {
		db.logger.WithField("id", id).Warn("deleted document had no payload position")
	} else if err := db.sink.Delete(*info.Position); err != nil {
		return Document{}, err
	}
	db.logger.WithField("id", id).Debug("document deleted")
	return Document{Info: info.clone()}, nil
}

// Clear removes every document and page file and returns how many documents
// were removed. The id counter keeps counting from where it was.
func (db *DB) Clear() (count int, err error) {
	defer func() { db.metrics.operation("clear", err) }()

	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return 0, ErrClosed
	}

	previous := db.documents
	db.documents = map[DocumentID]*DocumentInfo{}
	if err := db.sink.StoreMeta(db.documents); err != nil {
		db.documents = previous
		return 0, err
	}
	count = len(previous)
	db.metrics.setDocuments(0)
	if err := db.sink.RemovePages(); err != nil {
		return 0, err
	}
	if err := db.sink.Reset(); err != nil {
		return 0, err
	}
	db.logger.WithField("documents", count).Info("document store cleared")
	return count, nil
}

func (db *DB) Stats() Stats {
	db.rwlock.RLock()
	defer db.rwlock.RUnlock()
	return Stats{
		Documents: len(db.documents),
		Pages:     db.sink.PageCount(),
		NextID:    DocumentID(db.idCounter.Load()),
	}
}

func (db *DB) find(id DocumentID) (*DocumentInfo, error) {
	info, ok := db.documents[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "document with id=%d", id)
	}
	return info, nil
}

func (u DocumentUpdate) changes(info *DocumentInfo) bool {
	return u.Payload != nil ||
		(u.Name != nil && *u.Name != info.Name) ||
		(u.Owner != nil && *u.Owner != info.Owner) ||
		(u.Namespace != nil && *u.Namespace != info.Namespace)
}

// laterThan returns now, or prev+1ns if the clock did not move past prev.
func laterThan(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
