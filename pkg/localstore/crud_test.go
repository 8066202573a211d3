package localstore

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = db.Update(func(tx *bolt.Tx) error {
		return EnsureBuckets(tx)
	})
	require.NoError(t, err)
	return db
}

func TestInsertThenGet(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		return Insert(tx, "widget", "k1", []byte("v1"), 1, 100)
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		row, err := Get(tx, "widget", "k1")
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), row.Value)
		require.Equal(t, int64(1), row.Seq)
		require.Equal(t, row.Seq, row.LSN)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertAndUpdateStampModifiedAtOrAfterPrimary(t *testing.T) {
	db := openTestDB(t)
	primaryStamp := time.Now().Add(-time.Hour).UnixNano()
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, primaryStamp))
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		row, err := Get(tx, "widget", "k1")
		require.NoError(t, err)
		require.LessOrEqual(t, row.ModifiedOnPrimary, row.Modified)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Update(tx, "widget", "k1", SeqAny, nil, []byte("v2"), 2, primaryStamp))
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		row, err := Get(tx, "widget", "k1")
		require.NoError(t, err)
		require.LessOrEqual(t, row.ModifiedOnPrimary, row.Modified)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertClampsModifiedWhenPrimaryStampIsAhead(t *testing.T) {
	db := openTestDB(t)
	future := time.Now().Add(time.Hour).UnixNano()
	err := db.Update(func(tx *bolt.Tx) error {
		return Insert(tx, "widget", "k1", []byte("v1"), 1, future)
	})
	require.NoError(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		row, err := Get(tx, "widget", "k1")
		require.NoError(t, err)
		require.Equal(t, future, row.Modified)
		require.LessOrEqual(t, row.ModifiedOnPrimary, row.Modified)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertDuplicateReturnsAlreadyExists(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, 100))
		err := Insert(tx, "widget", "k1", []byte("v2"), 2, 200)
		require.True(t, IsAlreadyExists(err))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateSequenceCheckFailed(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, 100))
		err := Update(tx, "widget", "k1", 99, nil, []byte("v2"), 2, 200)
		require.True(t, IsSequenceCheckFailed(err))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateWithRename(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, 100))
		newKey := "k2"
		require.NoError(t, Update(tx, "widget", "k1", SeqAny, &newKey, []byte("v2"), 2, 200))

		_, err := Get(tx, "widget", "k1")
		require.True(t, IsNotFound(err))

		row, err := Get(tx, "widget", "k2")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), row.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, 100))
		require.NoError(t, Delete(tx, "widget", "k1", SeqAny))
		err := Delete(tx, "widget", "k1", SeqAny)
		require.True(t, IsNotFound(err))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateLSNPrepareCancelOnEqual(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("v1"), 1, 100))
		require.NoError(t, UpdateLSN(tx, "widget", "k1", 1))
		require.NoError(t, UpdateLSN(tx, "widget", "k1", 5))

		err := UpdateLSN(tx, "widget", "k1", 2)
		require.True(t, IsInvalidState(err))
		return nil
	})
	require.NoError(t, err)
}

func TestEnumerateByTypeKeyPrefix(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "a1", []byte("1"), 1, 1))
		require.NoError(t, Insert(tx, "widget", "a2", []byte("2"), 2, 2))
		require.NoError(t, Insert(tx, "widget", "b1", []byte("3"), 3, 3))
		require.NoError(t, Insert(tx, "gadget", "a1", []byte("4"), 4, 4))

		en := EnumerateByTypeKeyPrefix(tx, "widget", "a", true)
		var keys []string
		for en.MoveNext() {
			keys = append(keys, en.Row().Key)
		}
		require.ElementsMatch(t, []string{"a1", "a2"}, keys)
		return nil
	})
	require.NoError(t, err)
}

func TestEnumerateByLSN(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, Insert(tx, "widget", "k1", []byte("1"), 10, 1))
		require.NoError(t, Insert(tx, "widget", "k2", []byte("2"), 20, 2))
		require.NoError(t, Insert(tx, "widget", "k3", []byte("3"), 30, 3))

		en := EnumerateByLSN(tx, 15)
		var lsns []int64
		for en.MoveNext() {
			lsns = append(lsns, en.Row().LSN)
		}
		require.Equal(t, []int64{20, 30}, lsns)
		return nil
	})
	require.NoError(t, err)
}

func TestLowWatermarkRejectsDecrease(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *bolt.Tx) error {
		require.NoError(t, SetLowWatermark(tx, 10))
		err := SetLowWatermark(tx, 5)
		require.True(t, IsInvalidState(err))
		require.Equal(t, int64(10), LowWatermark(tx))
		return nil
	})
	require.NoError(t, err)
}
