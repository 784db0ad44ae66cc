package arbor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor/pkg/db"
)

func TestIterDoubleEnded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		logs, err := Open[string, uint64](store, "logs")
		require.NoError(t, err)

		keys := []string{"k0", "k1", "k2", "k3", "k4", "k5"}
		for i, key := range keys {
			_, err := logs.Insert(key, uint64(i))
			require.NoError(t, err)
		}

		// Alternating ends must hand out every entry exactly once and then
		// report exhaustion from both.
		it := logs.Iter()
		defer it.Close()

		var front, back []string
		for {
			kv, ok := it.Next()
			if !ok {
				break
			}
			key, err := kv.Key()
			require.NoError(t, err)
			front = append(front, key)

			kv, ok = it.NextBack()
			if !ok {
				break
			}
			key, err = kv.Key()
			require.NoError(t, err)
			back = append(back, key)
		}
		require.NoError(t, it.Err())

		assert.Equal(t, []string{"k0", "k1", "k2"}, front)
		assert.Equal(t, []string{"k5", "k4", "k3"}, back)

		// Both ends stay exhausted.
		_, ok := it.Next()
		assert.False(t, ok)
		_, ok = it.NextBack()
		assert.False(t, ok)
	})
}

func TestIterSingleEntryMeetsInMiddle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		logs, err := Open[string, uint64](store, "logs")
		require.NoError(t, err)
		_, err = logs.Insert("only", 1)
		require.NoError(t, err)

		it := logs.Iter()
		defer it.Close()

		kv, ok := it.Next()
		require.True(t, ok)
		key, err := kv.Key()
		require.NoError(t, err)
		assert.Equal(t, "only", key)

		_, ok = it.NextBack()
		assert.False(t, ok)
		_, ok = it.Next()
		assert.False(t, ok)
		require.NoError(t, it.Err())
	})
}

func TestIterForwardExhaustionStopsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		logs, err := Open[string, uint64](store, "logs")
		require.NoError(t, err)
		for _, key := range []string{"k0", "k1"} {
			_, err := logs.Insert(key, 0)
			require.NoError(t, err)
		}

		it := logs.Iter()
		defer it.Close()
		for _, ok := it.Next(); ok; _, ok = it.Next() {
		}
		_, ok := it.NextBack()
		assert.False(t, ok)
		require.NoError(t, it.Err())
	})
}

func TestIterEmptyTree(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		logs, err := Open[string, uint64](store, "logs")
		require.NoError(t, err)

		it := logs.Iter()
		_, ok := it.Next()
		assert.False(t, ok)
		_, ok = it.NextBack()
		assert.False(t, ok)
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())
	})
}

func TestIterKeysProjection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)
		for _, name := range []string{"paul", "adam", "jane"} {
			_, err := people.Insert(name, account{Owner: name})
			require.NoError(t, err)
		}

		keys := people.Iter().Keys()
		defer keys.Close()

		var got []string
		for k, ok := keys.Next(); ok; k, ok = keys.Next() {
			key, err := k.Key()
			require.NoError(t, err)
			got = append(got, key)
		}
		require.NoError(t, keys.Err())
		assert.Equal(t, []string{"adam", "jane", "paul"}, got)
	})
}

func TestIterValuesProjection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)
		for i, name := range []string{"adam", "jane", "paul"} {
			_, err := people.Insert(name, account{Owner: name, Balance: int64(i)})
			require.NoError(t, err)
		}

		values := people.Iter().Values()
		defer values.Close()

		var owners []string
		for v, ok := values.Next(); ok; v, ok = values.Next() {
			acc, err := v.Value()
			require.NoError(t, err)
			owners = append(owners, acc.Owner)
		}
		require.NoError(t, values.Err())
		assert.Equal(t, []string{"adam", "jane", "paul"}, owners)

		// The back end works on projections too.
		values = people.Iter().Values()
		defer values.Close()
		v, ok := values.NextBack()
		require.True(t, ok)
		acc, err := v.Value()
		require.NoError(t, err)
		assert.Equal(t, "paul", acc.Owner)
	})
}

func TestIterViewsOutliveIteration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store db.Store) {
		people, err := Open[string, account](store, "people")
		require.NoError(t, err)
		for i, name := range []string{"adam", "jane"} {
			_, err := people.Insert(name, account{Owner: name, Balance: int64(i)})
			require.NoError(t, err)
		}

		it := people.Iter()
		var views []*KeyValue[string, account]
		for kv, ok := it.Next(); ok; kv, ok = it.Next() {
			views = append(views, kv)
		}
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())

		// Views hold private copies, so later writes cannot touch them.
		for _, name := range []string{"adam", "jane"} {
			_, err := people.Insert(name, account{Owner: name, Balance: 999})
			require.NoError(t, err)
		}

		require.Len(t, views, 2)
		for i, view := range views {
			acc, err := view.Value()
			require.NoError(t, err)
			assert.EqualValues(t, i, acc.Balance)
		}
	})
}
