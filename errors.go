package docdb

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a document id is not in the index.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidState signals broken internal consistency, e.g. an index entry
	// without a payload position.
	ErrInvalidState = errors.New("invalid state")

	// ErrFilesystemCorruption is returned when a meta or page file has an
	// unexpected marker, a disabled slot is referenced or a page file name
	// cannot be parsed.
	ErrFilesystemCorruption = errors.New("filesystem corruption")

	// ErrFilesystem is matched by every *FilesystemError.
	ErrFilesystem = errors.New("filesystem error")

	// ErrEndOfStream is returned by binary readers that run past the end of data.
	ErrEndOfStream = errors.New("end of binary stream")

	ErrClosed          = errors.New("db closed")
	ErrLockedByOther   = errors.New("db directory locked by another process")
	ErrPayloadTooLarge = errors.New("payload does not fit into an empty page")
)

// FilesystemError wraps an I/O failure together with the file it happened on.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

func (e *FilesystemError) Is(target error) bool { return target == ErrFilesystem }

func fsError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FilesystemError{Op: op, Path: path, Err: err}
}

func corruption(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFilesystemCorruption, format, args...)
}
