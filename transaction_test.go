package docdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const txMessage = "hello"

func newTxFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test_temp.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestTransactionCommit(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "")

	tx := NewFileTransaction(path, false)
	assert.False(tx.IsCommitted())
	assert.Equal(TxUnknown, tx.State())

	assert.NoError(tx.Begin())
	assert.FileExists(path)
	assert.FileExists(path + BackupSuffix)
	assert.False(tx.IsCommitted())
	assert.Equal(TxInProgress, tx.State())

	assert.NoError(os.WriteFile(path, []byte(txMessage), 0o644))
	assert.NoError(tx.Commit())
	assert.Equal(txMessage, readString(t, path))
	assert.NoFileExists(path + BackupSuffix)
	assert.True(tx.IsCommitted())
}

func TestTransactionRollback(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "")

	tx := NewFileTransaction(path, false)
	assert.NoError(tx.Begin())
	assert.NoError(os.WriteFile(path, []byte(txMessage), 0o644))
	assert.NoError(tx.Rollback())

	assert.Equal("", readString(t, path))
	assert.NoFileExists(path + BackupSuffix)
	assert.False(tx.IsCommitted())
	assert.Equal(TxRolledBack, tx.State())
}

func TestTransactionStateErrors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(tx *FileTransaction) error
		call    func(tx *FileTransaction) error
		message string
	}{
		{
			name:    "commit not started",
			prepare: func(tx *FileTransaction) error { return nil },
			call:    (*FileTransaction).Commit,
			message: "cannot commit not started or completed transaction",
		},
		{
			name:    "commit twice",
			prepare: func(tx *FileTransaction) error { return beginAnd(tx, (*FileTransaction).Commit) },
			call:    (*FileTransaction).Commit,
			message: "cannot commit not started or completed transaction",
		},
		{
			name:    "commit rolled back",
			prepare: func(tx *FileTransaction) error { return beginAnd(tx, (*FileTransaction).Rollback) },
			call:    (*FileTransaction).Commit,
			message: "cannot commit not started or completed transaction",
		},
		{
			name:    "rollback not started",
			prepare: func(tx *FileTransaction) error { return nil },
			call:    (*FileTransaction).Rollback,
			message: "cannot rollback not started or completed transaction",
		},
		{
			name:    "rollback twice",
			prepare: func(tx *FileTransaction) error { return beginAnd(tx, (*FileTransaction).Rollback) },
			call:    (*FileTransaction).Rollback,
			message: "cannot rollback not started or completed transaction",
		},
		{
			name:    "rollback committed",
			prepare: func(tx *FileTransaction) error { return beginAnd(tx, (*FileTransaction).Commit) },
			call:    (*FileTransaction).Rollback,
			message: "cannot rollback not started or completed transaction",
		},
		{
			name:    "begin twice",
			prepare: (*FileTransaction).Begin,
			call:    (*FileTransaction).Begin,
			message: "cannot begin already started transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assertion.New(t)
			tx := NewFileTransaction(newTxFile(t, ""), false)
			require.NoError(t, tt.prepare(tx))

			err := tt.call(tx)
			assert.Error(err)
			assert.Contains(err.Error(), tt.message)
			assert.True(errors.Is(err, ErrTransactionState))
			assert.True(errors.Is(err, ErrInvalidState))
		})
	}
}

func beginAnd(tx *FileTransaction, finish func(*FileTransaction) error) error {
	if err := tx.Begin(); err != nil {
		return err
	}
	return finish(tx)
}

func TestTransactionMissingFile(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "missing.bin")

	tx := NewFileTransaction(path, false)
	err := tx.Begin()
	assert.True(errors.Is(err, ErrFilesystem))
	assert.True(errors.Is(err, os.ErrNotExist))
	assert.Equal(TxUnknown, tx.State())
	assert.NoFileExists(path)
	assert.NoFileExists(path + BackupSuffix)
}

func TestTransactionCreateIfMissing(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "created.bin")

	tx := NewFileTransaction(path, true)
	assert.NoError(tx.Begin())
	assert.FileExists(path)
	assert.FileExists(path + BackupSuffix)
	assert.NoError(os.WriteFile(path, []byte(txMessage), 0o644))
	assert.NoError(tx.Commit())
	assert.Equal(txMessage, readString(t, path))

	// rolling back a created file leaves it empty
	other := filepath.Join(filepath.Dir(path), "rolled.bin")
	tx = NewFileTransaction(other, true)
	assert.NoError(tx.Begin())
	assert.NoError(os.WriteFile(other, []byte(txMessage), 0o644))
	assert.NoError(tx.Rollback())
	assert.Equal("", readString(t, other))
}

func TestTransactionRecoverOnBegin(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "before")

	// the first transaction never finishes
	crashed := NewFileTransaction(path, false)
	assert.NoError(crashed.Begin())
	assert.NoError(os.WriteFile(path, []byte("half-written"), 0o644))

	tx := NewFileTransaction(path, false)
	assert.NoError(tx.Begin())
	assert.Equal("before", readString(t, path))
	assert.NoError(tx.Rollback())
	assert.Equal("before", readString(t, path))
	assert.NoFileExists(path + BackupSuffix)
}

func TestRecoverFile(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "before")

	recovered, err := RecoverFile(path)
	assert.NoError(err)
	assert.False(recovered)

	crashed := NewFileTransaction(path, false)
	assert.NoError(crashed.Begin())
	assert.NoError(os.WriteFile(path, []byte("after"), 0o644))

	recovered, err = RecoverFile(path)
	assert.NoError(err)
	assert.True(recovered)
	assert.Equal("before", readString(t, path))

	recovered, err = RecoverFile(path)
	assert.NoError(err)
	assert.False(recovered)
	assert.Equal("before", readString(t, path))
}

func TestRecoverDeletedFile(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "before")

	crashed := NewFileTransaction(path, false)
	assert.NoError(crashed.Begin())
	assert.NoError(os.Remove(path))

	recovered, err := RecoverFile(path)
	assert.NoError(err)
	assert.True(recovered)
	assert.Equal("before", readString(t, path))
}

func TestTransactionGuard(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "before")

	write := func(content string, commit bool) error {
		guard, err := BeginTransaction(path, false)
		if err != nil {
			return err
		}
		defer guard.Close()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		if !commit {
			return errors.New("abort")
		}
		return guard.Commit()
	}

	assert.Error(write("dropped", false))
	assert.Equal("before", readString(t, path))
	assert.NoFileExists(path + BackupSuffix)

	assert.NoError(write("kept", true))
	assert.Equal("kept", readString(t, path))
	assert.NoFileExists(path + BackupSuffix)
}

func TestCommitDeletedFile(t *testing.T) {
	assert := assertion.New(t)
	path := newTxFile(t, "content")

	tx := NewFileTransaction(path, false)
	assert.NoError(tx.Begin())
	assert.NoError(os.Remove(path))
	assert.NoError(tx.Commit())
	assert.NoFileExists(path)
	assert.NoFileExists(path + BackupSuffix)
}
