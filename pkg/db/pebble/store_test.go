package pebble

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor/pkg/db"
)

func openTestStore(t *testing.T) *Store {
	store, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPartitionOps(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, p db.Partition)
	}{
		{
			name: "put_get_displace",
			fn:   testPutGetDisplace,
		},
		{
			name: "delete_semantics",
			fn:   testDeleteSemantics,
		},
		{
			name: "apply_batch",
			fn:   testApplyBatch,
		},
		{
			name: "pop_ends",
			fn:   testPopEnds,
		},
		{
			name: "count_clear",
			fn:   testCountClear,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			p, err := store.OpenPartition("data")
			require.NoError(t, err)

			tc.fn(t, p)
		})
	}
}

func testPutGetDisplace(t *testing.T, p db.Partition) {
	prev, err := p.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := p.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	prev, err = p.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)

	_, err = p.Get([]byte("missing"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testDeleteSemantics(t *testing.T, p db.Partition) {
	_, err := p.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	prev, err := p.Delete([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), prev)

	_, err = p.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Deleting an absent key displaces nothing and does not error.
	prev, err = p.Delete([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func testApplyBatch(t *testing.T, p db.Partition) {
	_, err := p.Put([]byte("gone"), []byte("x"))
	require.NoError(t, err)

	err = p.ApplyBatch([]db.Op{
		{Kind: db.OpPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: db.OpPut, Key: []byte("b"), Value: []byte("2")},
		{Kind: db.OpDelete, Key: []byte("gone")},
	})
	require.NoError(t, err)

	got, err := p.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
	_, err = p.Get([]byte("gone"))
	assert.ErrorIs(t, err, db.ErrNotFound)

	err = p.ApplyBatch([]db.Op{{Kind: 9, Key: []byte("x")}})
	assert.Error(t, err)
}

func testPopEnds(t *testing.T, p db.Partition) {
	for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
		_, err := p.Put([]byte(kv[0]), []byte(kv[1]))
		require.NoError(t, err)
	}

	k, v, err := p.PopMin()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), k)
	assert.Equal(t, []byte("1"), v)

	k, v, err = p.PopMax()
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), k)
	assert.Equal(t, []byte("3"), v)

	k, _, err = p.PopMin()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), k)

	_, _, err = p.PopMin()
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, _, err = p.PopMax()
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testCountClear(t *testing.T, p db.Partition) {
	n, err := p.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, key := range []string{"a", "b", "c"} {
		_, err := p.Put([]byte(key), []byte("v"))
		require.NoError(t, err)
	}
	n, err = p.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, p.Clear())

	n, err = p.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = p.Get([]byte("a"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestPartitionNamespaces(t *testing.T) {
	store := openTestStore(t)
	a, err := store.OpenPartition("a")
	require.NoError(t, err)
	b, err := store.OpenPartition("b")
	require.NoError(t, err)

	_, err = a.Put([]byte("k"), []byte("va"))
	require.NoError(t, err)
	_, err = b.Put([]byte("k"), []byte("vb"))
	require.NoError(t, err)

	got, err := a.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("va"), got)
	got, err = b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), got)

	// Deleting in one partition leaves the other untouched.
	_, err = a.Delete([]byte("k"))
	require.NoError(t, err)
	got, err = b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vb"), got)
}

func TestOpenPartitionRules(t *testing.T) {
	store := openTestStore(t)

	_, err := store.OpenPartition("")
	assert.ErrorIs(t, err, db.ErrReservedName)

	p1, err := store.OpenPartition("same")
	require.NoError(t, err)
	p2, err := store.OpenPartition("same")
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	names, err := store.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, names)
}

func TestDropPartition(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("tmp")
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, store.DropPartition("tmp"))

	// The old handle is dead.
	_, err = p.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrPartitionDropped)
	_, err = p.Put([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, db.ErrPartitionDropped)

	// Dropping a partition that does not exist is a no-op.
	require.NoError(t, store.DropPartition("tmp"))

	// Reopening the name starts empty on a fresh handle.
	p2, err := store.OpenPartition("tmp")
	require.NoError(t, err)
	_, err = p2.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestStoreClose(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, err = p.Get([]byte("k"))
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = p.Put([]byte("k"), []byte("v"))
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = store.OpenPartition("later")
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = store.GenerateID()
	assert.ErrorIs(t, err, db.ErrClosed)
	err = store.Flush(context.Background())
	assert.ErrorIs(t, err, db.ErrClosed)
	_, err = store.Begin(p)
	assert.ErrorIs(t, err, db.ErrClosed)

	// Double close does not error.
	require.NoError(t, store.Close())
}

func TestReopenRestoresState(t *testing.T) {
	fs := vfs.NewMem()

	store, err := Open("db", WithFS(fs))
	require.NoError(t, err)
	p, err := store.OpenPartition("accounts")
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	id1, err := store.GenerateID()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := Open("db", WithFS(fs))
	require.NoError(t, err)
	defer store2.Close()

	names, err := store2.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts"}, names)

	p2, err := store2.OpenPartition("accounts")
	require.NoError(t, err)
	got, err := p2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// IDs stay strictly monotonic across sessions; the reopened store may
	// skip the rest of the previous block but never goes backwards.
	id2, err := store2.GenerateID()
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestGenerateIDMonotonic(t *testing.T) {
	store := openTestStore(t)

	var last uint64
	for i := 0; i < idBlockSize+10; i++ {
		id, err := store.GenerateID()
		require.NoError(t, err)
		if i > 0 {
			require.Greater(t, id, last)
		}
		last = id
	}
}

func TestFlush(t *testing.T) {
	store := openTestStore(t)
	p, err := store.OpenPartition("data")
	require.NoError(t, err)
	_, err = p.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, store.Flush(context.Background()))
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	for _, name := range []string{"alpha", "beta"} {
		p, err := src.OpenPartition(name)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			_, err := p.Put([]byte{byte(i)}, []byte{byte(i), byte(i)})
			require.NoError(t, err)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))

	dst := openTestStore(t)
	require.NoError(t, dst.Import(bytes.NewReader(buf.Bytes())))

	names, err := dst.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	for _, name := range names {
		p, err := dst.OpenPartition(name)
		require.NoError(t, err)
		n, err := p.Count()
		require.NoError(t, err)
		assert.Equal(t, 10, n)
		got, err := p.Get([]byte{3})
		require.NoError(t, err)
		assert.Equal(t, []byte{3, 3}, got)
	}
}
