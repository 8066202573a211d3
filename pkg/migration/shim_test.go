package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/internal/storeerr"
)

type fakeTx struct {
	inserted []string
	deleted  []string
	rolled   bool
	committed bool
}

func (t *fakeTx) Insert(typ, key string, value []byte) error {
	t.inserted = append(t.inserted, typ+"/"+key)
	return nil
}
func (t *fakeTx) Update(typ, key string, newKey *string, value []byte) error { return nil }
func (t *fakeTx) Delete(typ, key string) error {
	t.deleted = append(t.deleted, typ+"/"+key)
	return nil
}
func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { t.rolled = true; return nil }

type fakeBackend struct {
	txns []*fakeTx
}

func (b *fakeBackend) CreateTransaction(ctx context.Context) (TargetTx, error) {
	tx := &fakeTx{}
	b.txns = append(b.txns, tx)
	return tx, nil
}

func TestShimMirrorsInsertsWithinTrackedTransaction(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())

	require.NoError(t, s.OnCreateTransaction(context.Background(), 1))
	require.NoError(t, s.OnInsert(1, "widget", "k1", []byte("v1")))
	require.NoError(t, s.OnCommit(1, nil))

	require.Len(t, backend.txns, 1)
	require.Equal(t, []string{"widget/k1"}, backend.txns[0].inserted)
	require.True(t, backend.txns[0].committed)
}

func TestShimIgnoresCallsWhenInactive(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())

	require.NoError(t, s.OnCreateTransaction(context.Background(), 1))
	require.NoError(t, s.OnInsert(1, "widget", "k1", []byte("v1")))
	require.Empty(t, backend.txns)
}

func TestShimReleaseWithoutCommitRollsBack(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())

	require.NoError(t, s.OnCreateTransaction(context.Background(), 1))
	require.NoError(t, s.OnDelete(1, "widget", "k1"))
	require.True(t, s.IsDeleting("widget", "k1"))

	s.OnReleaseTransaction(1, []struct{ Type, Key string }{{Type: "widget", Key: "k1"}})

	require.True(t, backend.txns[0].rolled)
	require.False(t, s.IsDeleting("widget", "k1"))
}

func TestShimDeleteRemainsTrackedAfterCommit(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())

	require.NoError(t, s.OnCreateTransaction(context.Background(), 1))
	require.NoError(t, s.OnDelete(1, "widget", "k1"))
	require.NoError(t, s.OnCommit(1, []struct{ Type, Key string }{{Type: "widget", Key: "k1"}}))

	require.True(t, s.IsDeleting("widget", "k1"))
}

func TestShimCutoverTransitionsPhasesOnSuccess(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())

	err := s.Cutover(func() error { return nil }, func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, TargetDatabaseActive, s.Phase())
}

func TestShimCutoverEntersRestoreBranchOnSwapFailure(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())

	err := s.Cutover(func() error { return storeerr.New(storeerr.KindUnexpected) }, func() error { return nil })
	require.Error(t, err)
	require.Equal(t, RestoreSourceBackup, s.Phase())
}

func TestBulkMigrateSkipsAlreadyExistsAndDeletingKeys(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	require.NoError(t, s.Begin())
	require.NoError(t, s.OnCreateTransaction(context.Background(), 1))
	require.NoError(t, s.OnDelete(1, "widget", "skip-me"))

	rows := []SourceRow{
		{Type: "widget", Key: "skip-me", Value: []byte("x")},
		{Type: "widget", Key: "already-there", Value: []byte("x")},
		{Type: "widget", Key: "new-row", Value: []byte("x")},
	}

	var migrated []string
	err := s.BulkMigrate(context.Background(), rows, func(ctx context.Context, row SourceRow) error {
		if row.Key == "already-there" {
			return storeerr.New(storeerr.KindRecordAlreadyExists)
		}
		migrated = append(migrated, row.Key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"new-row"}, migrated)
}
