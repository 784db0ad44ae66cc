package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor/pkg/db"
)

func TestTxnCommitVisibility(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("k0"), []byte("v0"))
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)

	// Snapshot state is visible.
	got, err := tx.Get(p, []byte("k0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v0"), got)

	// Staged writes are visible to the transaction only.
	prev, err := tx.Put(p, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)
	got, err = tx.Get(p, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	_, err = p.Get([]byte("k1"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Staged deletes shadow the snapshot.
	_, err = tx.Delete(p, []byte("k0"))
	require.NoError(t, err)
	_, err = tx.Get(p, []byte("k0"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, tx.Commit())

	got, err = p.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	_, err = p.Get([]byte("k0"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The handle is dead after commit; rollback becomes a no-op.
	_, err = tx.Get(p, []byte("k1"))
	assert.ErrorIs(t, err, db.ErrTxnDone)
	require.NoError(t, tx.Rollback())
}

func TestTxnSnapshotIsolation(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("old"))
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)

	_, err = p.Put([]byte("k"), []byte("new"))
	require.NoError(t, err)

	// The transaction keeps seeing its snapshot.
	got, err := tx.Get(p, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)

	// Read-only attempts commit even though the key changed under them.
	require.NoError(t, tx.Commit())
}

func TestTxnWriteConflict(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("counter"), []byte{0})
	require.NoError(t, err)

	tx1, err := store.Begin(p)
	require.NoError(t, err)
	tx2, err := store.Begin(p)
	require.NoError(t, err)

	for _, tx := range []db.Txn{tx1, tx2} {
		_, err := tx.Get(p, []byte("counter"))
		require.NoError(t, err)
		_, err = tx.Put(p, []byte("counter"), []byte{1})
		require.NoError(t, err)
	}

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), db.ErrConflict)

	// A fresh attempt over the new state goes through.
	tx3, err := store.Begin(p)
	require.NoError(t, err)
	got, err := tx3.Get(p, []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
	_, err = tx3.Put(p, []byte("counter"), []byte{2})
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())
}

func TestTxnConflictWithDirectWrite(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)
	_, err = tx.Get(p, []byte("k"))
	require.NoError(t, err)
	_, err = tx.Put(p, []byte("other"), []byte("x"))
	require.NoError(t, err)

	// A non-transactional write to a read key invalidates the attempt.
	_, err = p.Put([]byte("k"), []byte("changed"))
	require.NoError(t, err)

	assert.ErrorIs(t, tx.Commit(), db.ErrConflict)
}

func TestTxnDisjointKeysCommit(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)

	tx1, err := store.Begin(p)
	require.NoError(t, err)
	tx2, err := store.Begin(p)
	require.NoError(t, err)

	_, err = tx1.Put(p, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = tx2.Put(p, []byte("b"), []byte("2"))
	require.NoError(t, err)

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Commit())

	for _, key := range []string{"a", "b"} {
		_, err := p.Get([]byte(key))
		require.NoError(t, err)
	}
}

func TestTxnRollback(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)
	_, err = tx.Put(p, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())

	_, err = p.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = tx.Get(p, []byte("k"))
	assert.ErrorIs(t, err, db.ErrTxnDone)
	require.NoError(t, tx.Rollback())
}

func TestTxnPartitionOwnership(t *testing.T) {
	store := openTestStore(t)
	p1, err := store.OpenPartition("one")
	require.NoError(t, err)
	p2, err := store.OpenPartition("two")
	require.NoError(t, err)

	// Zero partitions is an error up front.
	_, err = store.Begin()
	assert.ErrorIs(t, err, db.ErrNoPartitions)

	// Operations resolve only partitions named at Begin.
	tx, err := store.Begin(p1)
	require.NoError(t, err)
	_, err = tx.Get(p2, []byte("k"))
	assert.ErrorIs(t, err, db.ErrTxnPartition)
	require.NoError(t, tx.Rollback())

	// Partitions of another store are rejected at Begin.
	other := openTestStore(t)
	foreign, err := other.OpenPartition("one")
	require.NoError(t, err)
	_, err = store.Begin(foreign)
	assert.Error(t, err)
}

func TestTxnDroppedPartition(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("tmp")
	require.NoError(t, err)

	// Dropping before Begin rejects the attempt.
	require.NoError(t, store.DropPartition("tmp"))
	_, err = store.Begin(p)
	assert.ErrorIs(t, err, db.ErrPartitionDropped)

	// Dropping mid-transaction surfaces as a commit conflict: the drop
	// writes the partition fingerprint every transactional op reads.
	p, err = store.OpenPartition("tmp")
	require.NoError(t, err)
	tx, err := store.Begin(p)
	require.NoError(t, err)
	_, err = tx.Put(p, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, store.DropPartition("tmp"))
	assert.ErrorIs(t, tx.Commit(), db.ErrConflict)
}

func TestTxnClearConflicts(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)
	_, err = tx.Put(p, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, p.Clear())

	assert.ErrorIs(t, tx.Commit(), db.ErrConflict)
}

func TestTxnBatchStaging(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("gone"), []byte("x"))
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)
	err = tx.ApplyBatch(p, []db.Op{
		{Kind: db.OpPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: db.OpDelete, Key: []byte("gone")},
	})
	require.NoError(t, err)

	got, err := tx.Get(p, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
	_, err = tx.Get(p, []byte("gone"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, tx.Commit())

	got, err = p.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
	_, err = p.Get([]byte("gone"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTxnGenerateIDAndFlush(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)

	tx, err := store.Begin(p)
	require.NoError(t, err)

	id1, err := tx.GenerateID()
	require.NoError(t, err)
	id2, err := tx.GenerateID()
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	_, err = tx.Put(p, []byte("k"), []byte("v"))
	require.NoError(t, err)
	tx.Flush()
	require.NoError(t, tx.Commit())
}
