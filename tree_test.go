package arbor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor/internal/testutil"
	"github.com/arbordb/arbor/pkg/db"
)

type account struct {
	Owner   string
	Balance int64
	Nonce   uint64
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store db.Store)) {
	for _, b := range testutil.Backends() {
		t.Run(b.Name, func(t *testing.T) {
			fn(t, b.Open(t))
		})
	}
}

func TestTreeInsertGetRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		users, err := Open[string, account](store, "users")
		require.NoError(t, err)
		assert.Equal(t, "users", users.Name())

		prev, err := users.Insert("jane", account{Owner: "jane", Balance: 10})
		require.NoError(t, err)
		assert.Nil(t, prev)

		got, err := users.Get("jane")
		require.NoError(t, err)
		require.NotNil(t, got)
		acc, err := got.Value()
		require.NoError(t, err)
		assert.Equal(t, account{Owner: "jane", Balance: 10}, acc)

		// Overwrite hands back the displaced value.
		prev, err = users.Insert("jane", account{Owner: "jane", Balance: 20})
		require.NoError(t, err)
		require.NotNil(t, prev)
		old, err := prev.Value()
		require.NoError(t, err)
		assert.EqualValues(t, 10, old.Balance)

		// Absent keys read as nil views.
		got, err = users.Get("nobody")
		require.NoError(t, err)
		assert.Nil(t, got)

		removed, err := users.Remove("jane")
		require.NoError(t, err)
		require.NotNil(t, removed)
		gone, err := removed.Value()
		require.NoError(t, err)
		assert.EqualValues(t, 20, gone.Balance)

		// Removing again is a no-op, not an error.
		removed, err = users.Remove("jane")
		require.NoError(t, err)
		assert.Nil(t, removed)
	})
}

func TestTreeLongKeysSpillScratch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		docs, err := Open[string, string](store, "docs")
		require.NoError(t, err)

		// Longer than the inline encode scratch, forcing the heap path.
		key := strings.Repeat("k", 3*scratchSize)
		_, err = docs.Insert(key, "body")
		require.NoError(t, err)

		got, err := docs.Get(key)
		require.NoError(t, err)
		require.NotNil(t, got)
		body, err := got.Value()
		require.NoError(t, err)
		assert.Equal(t, "body", body)
	})
}

func TestTreeEmptyValues(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		set, err := Open[string, struct{}](store, "set")
		require.NoError(t, err)

		prev, err := set.Insert("member", struct{}{})
		require.NoError(t, err)
		assert.Nil(t, prev)

		// A zero-byte value still reads back as present.
		prev, err = set.Insert("member", struct{}{})
		require.NoError(t, err)
		require.NotNil(t, prev)
		_, err = prev.Value()
		require.NoError(t, err)

		got, err := set.Get("member")
		require.NoError(t, err)
		require.NotNil(t, got)

		removed, err := set.Remove("member")
		require.NoError(t, err)
		assert.NotNil(t, removed)
	})
}

func TestTreeOrdersByEncodedKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)

		for _, name := range []string{"paul", "adam", "jane"} {
			_, err := people.Insert(name, account{Owner: name})
			require.NoError(t, err)
		}

		it := people.Iter()
		var forward []string
		for kv, ok := it.Next(); ok; kv, ok = it.Next() {
			key, err := kv.Key()
			require.NoError(t, err)
			forward = append(forward, key)
		}
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())
		assert.Equal(t, []string{"adam", "jane", "paul"}, forward)

		it = people.Iter()
		var backward []string
		for kv, ok := it.NextBack(); ok; kv, ok = it.NextBack() {
			key, err := kv.Key()
			require.NoError(t, err)
			backward = append(backward, key)
		}
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())
		assert.Equal(t, []string{"paul", "jane", "adam"}, backward)
	})
}

func TestTreeRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		logs, err := Open[string, uint64](store, "logs")
		require.NoError(t, err)

		for i, key := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"} {
			_, err := logs.Insert(key, uint64(i))
			require.NoError(t, err)
		}

		collect := func(it *Iter[string, uint64]) []string {
			defer it.Close()
			var keys []string
			for kv, ok := it.Next(); ok; kv, ok = it.Next() {
				key, err := kv.Key()
				require.NoError(t, err)
				keys = append(keys, key)
			}
			require.NoError(t, it.Err())
			return keys
		}

		lo, hi := "k3", "k7"
		it, err := logs.Range(&lo, &hi)
		require.NoError(t, err)
		assert.Equal(t, []string{"k3", "k4", "k5", "k6"}, collect(it), "half-open interval")

		it, err = logs.Range(nil, &lo)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k2"}, collect(it), "open start")

		it, err = logs.Range(&hi, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"k7", "k8", "k9"}, collect(it), "open end")

		it, err = logs.Range(&lo, &lo)
		require.NoError(t, err)
		assert.Empty(t, collect(it), "empty interval")
	})
}

func TestScanPrefix(t *testing.T) {
	type sample struct {
		Bucket uint8
		Seq    uint8
	}

	forEachBackend(t, func(t *testing.T, store db.Store) {
		metrics, err := Open[sample, uint64](store, "metrics")
		require.NoError(t, err)

		for _, k := range []sample{{2, 0}, {1, 1}, {1, 0}, {3, 0}, {1, 2}} {
			_, err := metrics.Insert(k, uint64(k.Bucket)*10+uint64(k.Seq))
			require.NoError(t, err)
		}

		it, err := ScanPrefix(metrics, uint8(1))
		require.NoError(t, err)
		defer it.Close()

		var got []sample
		for kv, ok := it.Next(); ok; kv, ok = it.Next() {
			key, err := kv.Key()
			require.NoError(t, err)
			got = append(got, key)
		}
		require.NoError(t, it.Err())
		assert.Equal(t, []sample{{1, 0}, {1, 1}, {1, 2}}, got)
	})
}

func TestTreePopEnds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)

		for _, name := range []string{"jane", "paul", "adam"} {
			_, err := people.Insert(name, account{Owner: name})
			require.NoError(t, err)
		}

		kv, err := people.PopMin()
		require.NoError(t, err)
		require.NotNil(t, kv)
		key, err := kv.Key()
		require.NoError(t, err)
		assert.Equal(t, "adam", key)

		kv, err = people.PopMax()
		require.NoError(t, err)
		require.NotNil(t, kv)
		key, err = kv.Key()
		require.NoError(t, err)
		assert.Equal(t, "paul", key)
		val, err := kv.Value()
		require.NoError(t, err)
		assert.Equal(t, "paul", val.Owner)

		kv, err = people.PopMin()
		require.NoError(t, err)
		require.NotNil(t, kv)
		key, err = kv.Key()
		require.NoError(t, err)
		assert.Equal(t, "jane", key)

		// Empty collection pops as nil, not as an error.
		kv, err = people.PopMin()
		require.NoError(t, err)
		assert.Nil(t, kv)
		kv, err = people.PopMax()
		require.NoError(t, err)
		assert.Nil(t, kv)
	})
}

func TestTreeLenIsEmptyClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)

		empty, err := people.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)
		n, err := people.Len()
		require.NoError(t, err)
		assert.Zero(t, n)

		for _, name := range []string{"adam", "jane", "paul"} {
			_, err := people.Insert(name, account{Owner: name})
			require.NoError(t, err)
		}

		empty, err = people.IsEmpty()
		require.NoError(t, err)
		assert.False(t, empty)
		n, err = people.Len()
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, people.Clear())

		empty, err = people.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)
		got, err := people.Get("adam")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestTreeFlush(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		users, err := Open[string, account](store, "users")
		require.NoError(t, err)

		_, err = users.Insert("jane", account{Owner: "jane"})
		require.NoError(t, err)
		require.NoError(t, users.Flush(context.Background()))
	})
}
