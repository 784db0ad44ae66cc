// Package memory implements the db contract on copy-on-write B-trees,
// one per partition. It holds everything in process memory: Flush is a
// no-op and nothing survives Close. Intended for tests and ephemeral
// workloads.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/arbordb/arbor/internal/exportfmt"
	"github.com/arbordb/arbor/internal/occ"
	"github.com/arbordb/arbor/pkg/db"
	"github.com/arbordb/arbor/pkg/log"
)

type Store struct {
	log     zerolog.Logger
	tracker *occ.Tracker

	mu         sync.RWMutex
	closed     bool
	parts      map[string]*partition
	nextPartID uint32
	idNext     uint64
}

var _ db.Store = (*Store)(nil)

type config struct {
	logger zerolog.Logger
}

type Option func(*config)

// WithLogger sets the logger for store events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Open creates an empty in-memory store.
func Open(opts ...Option) (*Store, error) {
	cfg := config{logger: log.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		log:        log.Component(cfg.logger, "db"),
		tracker:    occ.NewTracker(),
		parts:      make(map[string]*partition),
		nextPartID: 1,
	}, nil
}

func (s *Store) OpenPartition(name string) (db.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, db.ErrClosed
	}
	if name == "" {
		return nil, db.ErrReservedName
	}
	if p, ok := s.parts[name]; ok {
		return p, nil
	}

	p := newPartition(s, name, s.nextPartID)
	s.nextPartID++
	s.parts[name] = p
	s.log.Debug().Str("partition", name).Msg("partition created")
	return p, nil
}

func (s *Store) DropPartition(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return db.ErrClosed
	}
	p, ok := s.parts[name]
	if !ok {
		return nil
	}

	delete(s.parts, name)
	p.dropped.Store(true)
	s.tracker.Record(fpSet(p.fingerprint()))
	s.log.Debug().Str("partition", name).Msg("partition dropped")
	return nil
}

func (s *Store) Partitions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, db.ErrClosed
	}
	names := make([]string, 0, len(s.parts))
	for name := range s.parts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GenerateID hands out the next sequence value. The sequence restarts when
// the store does; nothing here outlives the process.
func (s *Store) GenerateID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, db.ErrClosed
	}
	id := s.idNext
	s.idNext++
	return id, nil
}

// Begin clones every joined partition's tree under the write lock, so the
// snapshot and the read timestamp agree.
func (s *Store) Begin(parts ...db.Partition) (db.Txn, error) {
	if len(parts) == 0 {
		return nil, db.ErrNoPartitions
	}

	joined := make(map[string]*partition, len(parts))
	for _, p := range parts {
		own, ok := p.(*partition)
		if !ok || own.store != s {
			return nil, fmt.Errorf("db: partition %q belongs to a different store", p.Name())
		}
		joined[own.name] = own
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, db.ErrClosed
	}
	snaps := make(map[string]*btree.BTreeG[item], len(joined))
	for name, p := range joined {
		if p.dropped.Load() {
			return nil, db.ErrPartitionDropped
		}
		snaps[name] = p.tree.Clone()
	}

	return &txn{
		store:  s,
		snaps:  snaps,
		readTs: s.tracker.Begin(),
		parts:  joined,
		writes: make(map[string]staged),
		reads:  make(map[uint64]struct{}),
		wfps:   make(map[uint64]struct{}),
	}, nil
}

// Flush is a no-op; the store has no durable form.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return db.ErrClosed
	}
	return ctx.Err()
}

// Export streams a gzip-compressed snapshot of every partition to w. All
// trees are cloned under one lock, so the snapshot is consistent across
// partitions.
func (s *Store) Export(w io.Writer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return db.ErrClosed
	}
	type snapshot struct {
		name string
		tree *btree.BTreeG[item]
	}
	snaps := make([]snapshot, 0, len(s.parts))
	for name, p := range s.parts {
		snaps = append(snaps, snapshot{name: name, tree: p.tree.Clone()})
	}
	s.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].name < snaps[j].name })

	ew, err := exportfmt.NewWriter(w)
	if err != nil {
		return fmt.Errorf("memory: export: %w", err)
	}
	for _, snap := range snaps {
		if err := ew.StartPartition(snap.name); err != nil {
			return fmt.Errorf("memory: export: %w", err)
		}
		var werr error
		snap.tree.Ascend(func(it item) bool {
			werr = ew.Entry(it.key, it.value)
			return werr == nil
		})
		if werr != nil {
			return fmt.Errorf("memory: export: %w", werr)
		}
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("memory: export: %w", err)
	}
	return nil
}

// Import merges an export stream into the store.
func (s *Store) Import(r io.Reader) error {
	if err := exportfmt.Restore(s, r); err != nil {
		return fmt.Errorf("memory: import: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.parts = nil
	return nil
}

func fingerprint(key []byte) uint64 {
	return xxh3.Hash(key)
}

func fpSet(fps ...uint64) map[uint64]struct{} {
	m := make(map[uint64]struct{}, len(fps))
	for _, fp := range fps {
		m[fp] = struct{}{}
	}
	return m
}
