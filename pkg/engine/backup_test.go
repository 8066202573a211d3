package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/localstore"
)

func TestBackupThenRestoreRoundTripsRows(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open("p1", testSettings(), dir)
	require.NoError(t, err)

	sess, err := inst.CreateSession()
	require.NoError(t, err)
	txn, err := inst.BeginTransaction(sess, Token(1))
	require.NoError(t, err)
	require.NoError(t, localstore.EnsureBuckets(txn.Bolt()))
	require.NoError(t, localstore.Insert(txn.Bolt(), "widget", "k1", []byte("v1"), 1, 1))
	commitID, err := txn.CommitLazy()
	require.NoError(t, err)
	require.NoError(t, inst.CommitDurableBarrier(commitID))
	inst.CloseSession(sess)

	backupDir := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, inst.Backup(backupDir, BackupFull))
	require.NoError(t, inst.Close())

	target, err := Open("p1", testSettings(), t.TempDir())
	require.NoError(t, err)
	defer target.Close()
	require.NoError(t, target.Restore(backupDir))

	sess2, err := target.CreateSession()
	require.NoError(t, err)
	defer target.CloseSession(sess2)
	txn2, err := target.BeginTransaction(sess2, Token(1))
	require.NoError(t, err)
	defer txn2.Rollback()

	row, err := localstore.Get(txn2.Bolt(), "widget", "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), row.Value)
	require.Equal(t, int64(1), row.LSN)
}

func TestBackupTruncateLogsOnlyRejectsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	inst, err := Open("p1", testSettings(), dir)
	require.NoError(t, err)
	defer inst.Close()

	target := filepath.Join(t.TempDir(), "notempty")
	require.NoError(t, inst.Backup(target, BackupFull))

	err = inst.Backup(target, BackupTruncateLogsOnly)
	require.Error(t, err)
}
