// Package testutil provides the store constructors and content helpers
// shared by the engine and typed-layer test suites.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"

	"github.com/arbordb/arbor/pkg/db"
	"github.com/arbordb/arbor/pkg/db/memory"
	"github.com/arbordb/arbor/pkg/db/pebble"
)

// Backend names one store implementation under test.
type Backend struct {
	Name string
	Open func(t *testing.T) db.Store
}

// Backends returns every store implementation the suites run against. The
// pebble store runs on an in-memory filesystem so tests stay hermetic.
func Backends() []Backend {
	return []Backend{
		{
			Name: "pebble",
			Open: func(t *testing.T) db.Store {
				store, err := pebble.OpenMemory()
				require.NoError(t, err)
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
		{
			Name: "memory",
			Open: func(t *testing.T) db.Store {
				store, err := memory.Open()
				require.NoError(t, err)
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
	}
}

// Dump renders the full store content as text, one line per entry in
// partition order.
func Dump(t *testing.T, store db.Store) string {
	t.Helper()

	names, err := store.Partitions()
	require.NoError(t, err)

	var b strings.Builder
	for _, name := range names {
		part, err := store.OpenPartition(name)
		require.NoError(t, err)

		it, err := part.NewIter(nil, nil)
		require.NoError(t, err)
		for it.Next() {
			v, err := it.Value()
			require.NoError(t, err)
			fmt.Fprintf(&b, "%s/%x=%x\n", name, it.Key(), v)
		}
		require.NoError(t, it.Error())
		require.NoError(t, it.Close())
	}
	return b.String()
}

// RequireSameContent fails the test with a unified diff when the two stores
// hold different data.
func RequireSameContent(t *testing.T, want, got db.Store) {
	t.Helper()

	w := Dump(t, want)
	g := Dump(t, got)
	if w == g {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(w),
		B:        difflib.SplitLines(g),
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	require.NoError(t, err)
	t.Fatalf("store content mismatch:\n%s", diff)
}
