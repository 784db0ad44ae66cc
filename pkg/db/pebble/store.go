// Package pebble implements the db contract on top of cockroachdb/pebble.
// Partitions share one keyspace, separated by a 4-byte partition ID prefix.
// Partition ID 0 is reserved for store metadata: the name registry, the
// partition ID sequence and the ID generator ceiling.
package pebble

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/arbordb/arbor/internal/exportfmt"
	"github.com/arbordb/arbor/internal/occ"
	"github.com/arbordb/arbor/pkg/db"
	"github.com/arbordb/arbor/pkg/log"
)

const (
	// idBlockSize is how many IDs the generator reserves per metadata
	// write. A crash skips at most the remainder of one block.
	idBlockSize = 4096

	partPrefixLen = 4
	memDir        = "mem"
)

// Metadata keys, all under partition ID 0.
var (
	metaPartitionSeq = []byte{0, 0, 0, 0, 'p'}
	metaIDCeiling    = []byte{0, 0, 0, 0, 'i'}
	metaNamePrefix   = []byte{0, 0, 0, 0, 'n'}
)

func metaNameKey(name string) []byte {
	k := make([]byte, 0, len(metaNamePrefix)+len(name))
	k = append(k, metaNamePrefix...)
	return append(k, name...)
}

type Store struct {
	db      *pebble.DB
	log     zerolog.Logger
	wo      *pebble.WriteOptions
	tracker *occ.Tracker

	mu         sync.RWMutex
	closed     bool
	parts      map[string]*partition
	nextPartID uint32
	idNext     uint64
	idCeil     uint64
}

var _ db.Store = (*Store)(nil)

type config struct {
	cacheSize    int64
	memTableSize uint64
	syncWrites   bool
	fs           vfs.FS
	logger       zerolog.Logger
}

type Option func(*config)

// WithCacheSize sets the block cache size in bytes. The default is 64 MiB.
func WithCacheSize(bytes int64) Option {
	return func(c *config) { c.cacheSize = bytes }
}

// WithSyncWrites makes every write wait for the WAL. The default is
// asynchronous writes with durability provided by Flush.
func WithSyncWrites(sync bool) Option {
	return func(c *config) { c.syncWrites = sync }
}

// WithLogger sets the logger for store and engine events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithFS overrides the filesystem the engine writes to.
func WithFS(fs vfs.FS) Option {
	return func(c *config) { c.fs = fs }
}

// Open opens the store at path, creating it if needed.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{
		cacheSize:    64 * 1024 * 1024,
		memTableSize: 32 * 1024 * 1024,
		logger:       log.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache := pebble.NewCache(cfg.cacheSize)
	defer cache.Unref()

	popts := &pebble.Options{
		Cache:        cache,
		MemTableSize: cfg.memTableSize,
		Logger:       eventLogger{log: log.Component(cfg.logger, "pebble")},
	}
	if cfg.fs != nil {
		popts.FS = cfg.fs
	}

	pdb, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %q: %w", path, err)
	}

	s := &Store{
		db:      pdb,
		log:     log.Component(cfg.logger, "db"),
		wo:      pebble.NoSync,
		tracker: occ.NewTracker(),
		parts:   make(map[string]*partition),
	}
	if cfg.syncWrites {
		s.wo = pebble.Sync
	}

	if err := s.loadMeta(); err != nil {
		_ = pdb.Close()
		return nil, err
	}

	s.log.Debug().Str("path", path).Int("partitions", len(s.parts)).Msg("store opened")
	return s, nil
}

// OpenMemory opens an ephemeral store backed by an in-memory filesystem.
func OpenMemory(opts ...Option) (*Store, error) {
	return Open(memDir, append([]Option{WithFS(vfs.NewMem())}, opts...)...)
}

// loadMeta restores the partition registry and counters written by earlier
// sessions.
func (s *Store) loadMeta() error {
	s.nextPartID = 1

	if raw, err := s.metaGet(metaPartitionSeq); err != nil {
		return err
	} else if raw != nil {
		s.nextPartID = binary.BigEndian.Uint32(raw)
	}

	if raw, err := s.metaGet(metaIDCeiling); err != nil {
		return err
	} else if raw != nil {
		// Skip the rest of the previous block so IDs never repeat.
		s.idNext = binary.BigEndian.Uint64(raw)
		s.idCeil = s.idNext
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: metaNamePrefix,
		UpperBound: db.PrefixUpperBound(metaNamePrefix),
	})
	if err != nil {
		return fmt.Errorf(errInIteratorCreation, err)
	}
	for ok := it.First(); ok; ok = it.Next() {
		name := string(it.Key()[len(metaNamePrefix):])
		raw, verr := it.ValueAndErr()
		if verr != nil {
			_ = it.Close()
			return fmt.Errorf(errInIteratorValue, verr)
		}
		s.parts[name] = s.newPartition(name, binary.BigEndian.Uint32(raw))
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("pebble: load metadata: %w", err)
	}
	return nil
}

func (s *Store) metaGet(key []byte) ([]byte, error) {
	raw, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: load metadata: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// OpenPartition returns the handle for name, registering a new partition ID
// on first use. Registry writes are always synced; losing one would let a
// later session reuse the ID for different data.
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

	id := s.nextPartID
	var idRaw, seqRaw [4]byte
	binary.BigEndian.PutUint32(idRaw[:], id)
	binary.BigEndian.PutUint32(seqRaw[:], id+1)

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(metaNameKey(name), idRaw[:], nil)
	_ = b.Set(metaPartitionSeq, seqRaw[:], nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("pebble: register partition %q: %w", name, err)
	}

	s.nextPartID = id + 1
	p := s.newPartition(name, id)
	s.parts[name] = p
	s.log.Debug().Str("partition", name).Uint32("id", id).Msg("partition created")
	return p, nil
}

// DropPartition deletes the partition's entries and registry record. Handles
// already held for it observe ErrPartitionDropped afterwards.
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

	lower, upper := p.bounds(nil, nil)
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.DeleteRange(lower, upper, nil)
	_ = b.Delete(metaNameKey(name), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: drop partition %q: %w", name, err)
	}

	delete(s.parts, name)
	p.dropped.Store(true)
	s.tracker.Record(fpSet(p.fingerprint()))
	s.log.Debug().Str("partition", name).Msg("partition dropped")
	return nil
}

// Partitions lists partition names in lexicographic order.
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

// GenerateID hands out the next sequence value, reserving a new block when
// the current one is exhausted. Block reservations are synced so a crash can
// only skip IDs, never repeat them.
func (s *Store) GenerateID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, db.ErrClosed
	}
	if s.idNext >= s.idCeil {
		ceil := s.idCeil + idBlockSize
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], ceil)
		if err := s.db.Set(metaIDCeiling, raw[:], pebble.Sync); err != nil {
			return 0, fmt.Errorf("pebble: reserve ID block: %w", err)
		}
		s.idCeil = ceil
	}
	id := s.idNext
	s.idNext++
	return id, nil
}

// Begin snapshots the engine and registers the attempt with the conflict
// tracker under the commit lock, so the snapshot and read timestamp agree.
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
	for _, p := range joined {
		if p.dropped.Load() {
			return nil, db.ErrPartitionDropped
		}
	}

	return &txn{
		store:  s,
		snap:   s.db.NewSnapshot(),
		readTs: s.tracker.Begin(),
		parts:  joined,
		writes: make(map[string]staged),
		reads:  make(map[uint64]struct{}),
		wfps:   make(map[uint64]struct{}),
	}, nil
}

// Flush blocks until all writes accepted before the call are durable.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return db.ErrClosed
	}
	done, err := s.db.AsyncFlush()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("pebble: flush: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// asyncFlush starts a flush without waiting for it. Used by transactions
// that requested durability.
func (s *Store) asyncFlush() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	if _, err := s.db.AsyncFlush(); err != nil {
		s.log.Error().Err(err).Msg("async flush failed")
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Debug().Msg("store closed")
	return s.db.Close()
}

// Export streams a gzip-compressed snapshot of every partition to w. The
// snapshot is consistent: writes landing during the export are not included.
func (s *Store) Export(w io.Writer) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return db.ErrClosed
	}
	snap := s.db.NewSnapshot()
	parts := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.RUnlock()
	defer snap.Close()

	sort.Slice(parts, func(i, j int) bool { return parts[i].name < parts[j].name })

	ew, err := exportfmt.NewWriter(w)
	if err != nil {
		return fmt.Errorf(errInExport, err)
	}
	for _, p := range parts {
		if err := ew.StartPartition(p.name); err != nil {
			return fmt.Errorf(errInExport, err)
		}
		if err := s.exportPartition(snap, p, ew); err != nil {
			return err
		}
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf(errInExport, err)
	}
	return nil
}

func (s *Store) exportPartition(snap *pebble.Snapshot, p *partition, ew *exportfmt.Writer) error {
	lower, upper := p.bounds(nil, nil)
	it, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf(errInIteratorCreation, err)
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		value, verr := it.ValueAndErr()
		if verr != nil {
			return fmt.Errorf(errInIteratorValue, verr)
		}
		if err := ew.Entry(it.Key()[partPrefixLen:], value); err != nil {
			return fmt.Errorf(errInExport, err)
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf(errInExport, err)
	}
	return nil
}

// Import merges an export stream into the store. Partitions are created as
// needed and imported entries overwrite existing ones key by key.
func (s *Store) Import(r io.Reader) error {
	if err := exportfmt.Restore(s, r); err != nil {
		return fmt.Errorf(errInImport, err)
	}
	return nil
}

func (s *Store) newPartition(name string, id uint32) *partition {
	p := &partition{store: s, name: name}
	binary.BigEndian.PutUint32(p.prefix[:], id)
	return p
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

// eventLogger adapts zerolog to the engine's logger. Engine chatter is
// demoted to debug.
type eventLogger struct {
	log zerolog.Logger
}

func (l eventLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l eventLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l eventLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatal().Msgf(format, args...)
}
