package docdb

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BackupSuffix is appended to a file path to get the path of its transaction backup.
const BackupSuffix = ".backup"

// TxState is the lifecycle state of a FileTransaction.
type TxState uint8

const (
	TxUnknown TxState = iota
	TxInProgress
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxInProgress:
		return "in progress"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// ErrTransactionState is returned when Begin, Commit or Rollback is called
// in a state that does not allow it. It also matches ErrInvalidState.
var ErrTransactionState = errors.Wrap(ErrInvalidState, "file transaction")

// FileTransaction makes updates of a single file atomic with respect to
// process crashes. Begin copies the file to <path>.backup, Commit removes the
// copy and Rollback restores it. A backup left behind by a crash is restored
// by the next Begin (or RecoverFile) on the same path.
type FileTransaction struct {
	path            string
	backupPath      string
	createIfMissing bool
	state           TxState
	started         time.Time

	logger  log.FieldLogger
	metrics *Metrics
}

func NewFileTransaction(path string, createIfMissing bool) *FileTransaction {
	return &FileTransaction{
		path:            path,
		backupPath:      path + BackupSuffix,
		createIfMissing: createIfMissing,
		logger:          log.StandardLogger(),
	}
}

func (tx *FileTransaction) withLogger(logger log.FieldLogger) *FileTransaction {
	if logger != nil {
		tx.logger = logger
	}
	return tx
}

func (tx *FileTransaction) withMetrics(metrics *Metrics) *FileTransaction {
	tx.metrics = metrics
	return tx
}

func (tx *FileTransaction) Path() string { return tx.path }

func (tx *FileTransaction) State() TxState { return tx.state }

func (tx *FileTransaction) IsCommitted() bool { return tx.state == TxCommitted }

func (tx *FileTransaction) Begin() error {
	tx.logger.WithField("path", tx.path).Trace("begin file transaction")
	if tx.state == TxInProgress {
		return errors.Wrap(ErrTransactionState, "cannot begin already started transaction")
	}

	recovered, err := recoverFile(tx.path, tx.logger)
	if err != nil {
		return err
	}
	if recovered {
		tx.metrics.transactionRecovered()
	}

	if tx.createIfMissing {
		f, err := os.OpenFile(tx.path, os.O_RDONLY|os.O_CREATE, 0o644)
		if err != nil {
			return fsError("create", tx.path, err)
		}
		_ = f.Close()
	}

	if err := copyFile(tx.path, tx.backupPath); err != nil {
		return err
	}
	tx.state = TxInProgress
	tx.started = time.Now()
	return nil
}

func (tx *FileTransaction) Commit() error {
	tx.logger.WithField("path", tx.path).Trace("commit file transaction")
	if tx.state != TxInProgress {
		return errors.Wrap(ErrTransactionState, "cannot commit not started or completed transaction")
	}
	if err := syncFile(tx.path); err != nil {
		return err
	}
	if err := os.Remove(tx.backupPath); err != nil {
		if !os.IsNotExist(err) {
			return fsError("remove", tx.backupPath, err)
		}
		tx.logger.WithField("path", tx.backupPath).Warn("missing backup file on commit")
	}
	tx.state = TxCommitted
	tx.metrics.transactionDone("committed", tx.started)
	return nil
}

func (tx *FileTransaction) Rollback() error {
	tx.logger.WithField("path", tx.path).Trace("rollback file transaction")
	if tx.state != TxInProgress {
		return errors.Wrap(ErrTransactionState, "cannot rollback not started or completed transaction")
	}
	if err := restoreBackup(tx.path, tx.backupPath, tx.logger); err != nil {
		return err
	}
	tx.state = TxRolledBack
	tx.metrics.transactionDone("rolled_back", tx.started)
	return nil
}

// TransactionGuard begins a FileTransaction on creation and rolls it back on
// Close unless Commit succeeded. Use it with defer:
//
//	guard, err := BeginTransaction(path, false)
//	if err != nil {
//		return err
//	}
//	defer guard.Close()
//	... write path ...
//	return guard.Commit()
type TransactionGuard struct {
	tx *FileTransaction
}

func BeginTransaction(path string, createIfMissing bool) (*TransactionGuard, error) {
	return beginGuard(NewFileTransaction(path, createIfMissing))
}

func beginGuard(tx *FileTransaction) (*TransactionGuard, error) {
	if err := tx.Begin(); err != nil {
		return nil, err
	}
	return &TransactionGuard{tx: tx}, nil
}

func (g *TransactionGuard) Commit() error { return g.tx.Commit() }

// Close rolls the transaction back if it is still in progress.
func (g *TransactionGuard) Close() error {
	if g.tx.State() != TxInProgress {
		return nil
	}
	return g.tx.Rollback()
}

// RecoverFile restores path from its backup if a previous transaction did not
// finish. It reports whether a restore happened. Running it again without a
// new crash is a no-op.
func RecoverFile(path string) (bool, error) {
	return recoverFile(path, log.StandardLogger())
}

func recoverFile(path string, logger log.FieldLogger) (bool, error) {
	backupPath := path + BackupSuffix
	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fsError("stat", backupPath, err)
	}
	logger.WithField("path", path).Warn("backup found, restoring state before the interrupted transaction")
	if err := restoreBackup(path, backupPath, logger); err != nil {
		return false, err
	}
	return true, nil
}

func restoreBackup(path, backupPath string, logger log.FieldLogger) error {
	if err := copyFile(backupPath, path); err != nil {
		return err
	}
	if err := os.Remove(backupPath); err != nil {
		if !os.IsNotExist(err) {
			return fsError("remove", backupPath, err)
		}
		logger.WithField("path", backupPath).Warn("missing backup file on rollback")
	}
	return nil
}

// copyFile overwrites dst with the content of src and syncs it.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fsError("open", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fsError("open", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fsError("copy", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fsError("sync", dst, err)
	}
	return fsError("close", dst, out.Close())
}

// syncFile flushes path to stable storage. A missing file is fine: the
// transaction may have deleted it.
func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fsError("open", path, err)
	}
	defer f.Close()
	return fsError("sync", path, f.Sync())
}
