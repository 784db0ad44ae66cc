// Package occ implements commit-time validation for optimistic transactions.
// Keys are represented by 64-bit fingerprints supplied by the caller; a
// fingerprint collision can only cause a spurious conflict, never a missed
// one for the colliding keys themselves.
package occ

import "sync"

// Tracker assigns logical commit timestamps and validates transaction
// attempts against write sets committed after the attempt began.
//
// The zero value is not usable; call NewTracker.
type Tracker struct {
	mu sync.Mutex

	// nextTs is the timestamp the next commit will receive. Timestamps
	// start at 1 so that 0 can mean "before any commit".
	nextTs uint64

	// committed holds the write sets of recent commits, oldest first.
	// Entries older than every active attempt are pruned.
	committed []commitRecord

	// active maps the read timestamp of each in-flight attempt to the
	// number of attempts holding it.
	active map[uint64]int
}

type commitRecord struct {
	ts     uint64
	writes map[uint64]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		nextTs: 1,
		active: make(map[uint64]int),
	}
}

// Begin registers a new attempt and returns its read timestamp. Every Begin
// must be paired with exactly one Done, directly or through Commit.
func (t *Tracker) Begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	readTs := t.nextTs - 1
	t.active[readTs]++
	return readTs
}

// Done releases an attempt that will not commit.
func (t *Tracker) Done(readTs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release(readTs)
}

// Commit validates an attempt and, if it survives, records its write set
// under a fresh commit timestamp. The attempt conflicts when any commit
// newer than readTs wrote a key the attempt read or wrote. The attempt is
// released either way.
func (t *Tracker) Commit(readTs uint64, reads, writes map[uint64]struct{}) (commitTs uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.release(readTs)

	for i := len(t.committed) - 1; i >= 0; i-- {
		rec := t.committed[i]
		if rec.ts <= readTs {
			break
		}
		if overlaps(rec.writes, reads) || overlaps(rec.writes, writes) {
			return 0, false
		}
	}

	return t.record(writes), true
}

// Record registers a non-transactional write under a fresh commit timestamp
// so that overlapping in-flight attempts fail validation.
func (t *Tracker) Record(writes map[uint64]struct{}) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(writes)
}

func (t *Tracker) record(writes map[uint64]struct{}) uint64 {
	ts := t.nextTs
	t.nextTs++
	if len(writes) > 0 {
		t.committed = append(t.committed, commitRecord{ts: ts, writes: writes})
	}
	t.prune()
	return ts
}

func (t *Tracker) release(readTs uint64) {
	if n := t.active[readTs]; n > 1 {
		t.active[readTs] = n - 1
	} else {
		delete(t.active, readTs)
	}
}

// prune drops commit records no in-flight attempt can still conflict with.
// A long-lived attempt therefore pins records for its whole lifetime.
func (t *Tracker) prune() {
	floor := t.nextTs - 1
	for ts := range t.active {
		if ts < floor {
			floor = ts
		}
	}
	i := 0
	for i < len(t.committed) && t.committed[i].ts <= floor {
		i++
	}
	if i > 0 {
		t.committed = append(t.committed[:0], t.committed[i:]...)
	}
}

func overlaps(a, b map[uint64]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if _, hit := b[k]; hit {
			return true
		}
	}
	return false
}
