// Package arbor puts typed, ordered collections on top of a pluggable
// key-value engine. Keys and values are plain Go values encoded with
// pkg/codec; collections order by encoded key bytes and support range and
// prefix iteration from both ends, atomic batches, and serializable
// optimistic transactions spanning any number of collections.
//
// A collection is opened from an engine store (pkg/db/pebble for disk,
// pkg/db/memory for tests):
//
//	store, err := pebble.Open("/var/lib/app/db")
//	...
//	users, err := arbor.Open[uint64, User](store, "users")
//	...
//	prev, err := users.Insert(42, User{Name: "jane"})
//
// Reads come back as lazily decoded views, so iterating a range only pays
// decode cost for the fields actually looked at:
//
//	it, err := users.Range(&lo, &hi)
//	defer it.Close()
//	for kv, ok := it.Next(); ok; kv, ok = it.Next() {
//		u, err := kv.Value()
//		...
//	}
//
// Transactions join one or more collections and run a callback with
// read-your-writes views. Commit conflicts between concurrent transactions
// retry the callback transparently; any error the callback returns aborts
// the transaction and is handed back unchanged:
//
//	err := arbor.Join(users, visits).Transact(func(tx *arbor.Txn) error {
//		u := arbor.View(tx, users)
//		v := arbor.View(tx, visits)
//		...
//		return nil
//	})
package arbor
