// Package jumpdb implements an embedded, single-node, persistent
// key-value store backed by a log-structured merge tree: an in-memory
// memtable absorbs writes, overflow is flushed to immutable on-disk
// segments indexed by a sparse index and a Bloom filter, and a
// background compactor merges segments to bound lookup cost and reclaim
// space from overwritten and deleted keys.
package jumpdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marselester/jumpdb/internal/compaction"
	"github.com/marselester/jumpdb/internal/index"
	"github.com/marselester/jumpdb/internal/record"
	"github.com/marselester/jumpdb/internal/registry"
	"github.com/marselester/jumpdb/internal/sstable"
)

// segmentFilePattern matches the "segment-<id>.sst" names Open scans for
// on startup.
var segmentFilePattern = regexp.MustCompile(`^segment-(\d+)\.sst$`)

// DB is a single open instance of the store, rooted at one directory on
// disk. A DB is safe for concurrent use by multiple goroutines.
type DB struct {
	cfg    Config
	dir    string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	mem    *index.Memtable
	wal    *wal
	reg    *registry.Registry
	lastID uint64 // accessed only through atomic.AddUint64

	compactor *compaction.Compactor
	group     *errgroup.Group
	cancel    context.CancelFunc

	closed atomic.Bool
}

// Open opens (and, if needed, creates) a database rooted at dir. Any
// segment files already present are registered newest-first; the
// memtable starts empty, since segments, not the write-ahead log, are
// this engine's durability mechanism across restarts.
func Open(dir string, opts ...ConfigOption) (*DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapError(KindStorage, "create database directory", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return nil, wrapError(KindStorage, "create logger", err)
	}
	logger := zl.Sugar()

	segs, maxID, err := loadSegments(dir)
	if err != nil {
		return nil, wrapError(KindStorage, "load existing segments", err)
	}
	reg := registry.New()
	for _, s := range segs {
		reg.Prepend(s)
	}

	w, err := createWAL(filepath.Join(dir, "wal.log"))
	if err != nil {
		return nil, wrapError(KindStorage, "open write-ahead log", err)
	}

	db := &DB{
		cfg:    cfg,
		dir:    dir,
		logger: logger,
		mem:    index.New(),
		wal:    w,
		reg:    reg,
		lastID: maxID,
	}

	db.compactor = compaction.New(dir, cfg.compactionThreshold, cfg.sparseStride, cfg.bloomFPRate, reg, db.allocID, logger)

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	db.group = g
	g.Go(func() error {
		return db.compactor.Run(gctx)
	})

	return db, nil
}

type segmentFile struct {
	id   uint64
	path string
}

// loadSegments opens every "segment-<id>.sst" file in dir, returning
// them ordered oldest-first (ascending id) alongside the largest id
// found, so Open can resume allocating ids above it.
func loadSegments(dir string) ([]*sstable.Segment, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var files []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, segmentFile{id: id, path: filepath.Join(dir, e.Name())})
	}
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j-1].id > files[j].id; j-- {
			files[j-1], files[j] = files[j], files[j-1]
		}
	}

	var (
		segs  []*sstable.Segment
		maxID uint64
	)
	for _, f := range files {
		s, err := sstable.Open(f.path, f.id)
		if err != nil {
			return nil, 0, fmt.Errorf("jumpdb: open segment %s: %w", f.path, err)
		}
		segs = append(segs, s)
		if f.id > maxID {
			maxID = f.id
		}
	}
	return segs, maxID, nil
}

// allocID returns the next monotonically increasing segment id.
func (db *DB) allocID() uint64 {
	return atomic.AddUint64(&db.lastID, 1)
}

// Set stores value under key, overwriting any existing value. An empty
// key is rejected with ErrEmptyKey.
func (db *DB) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	e := record.Entry{Key: []byte(key), Value: value}
	if err := db.wal.Append(e); err != nil {
		return wrapError(KindStorage, "append to write-ahead log", err)
	}
	db.mem.Set(key, value)
	return db.maybeFlushLocked()
}

// Delete records key as deleted. It is not an error to delete a key
// that doesn't currently have a live value: an older segment on disk
// may still carry it, and the tombstone shadows that until compaction
// drops it.
func (db *DB) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	e := record.Entry{Key: []byte(key), Tombstone: true}
	if err := db.wal.Append(e); err != nil {
		return wrapError(KindStorage, "append to write-ahead log", err)
	}
	db.mem.Delete(key)
	return db.maybeFlushLocked()
}

// Get returns the value stored for key. It returns ErrKeyNotFound if
// the key has no live value, whether because it was never set or
// because it was deleted.
func (db *DB) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}

	db.mu.Lock()
	if e, ok := db.mem.Get(key); ok {
		db.mu.Unlock()
		if e.Tombstone {
			return nil, ErrKeyNotFound
		}
		return e.Value, nil
	}
	segs := db.reg.Load()
	db.mu.Unlock()

	bk := []byte(key)
	for _, s := range segs {
		value, result, err := s.Lookup(bk)
		if err != nil {
			return nil, wrapError(KindStorage, "lookup segment", err)
		}
		switch result {
		case sstable.Found:
			return value, nil
		case sstable.FoundTombstone:
			return nil, ErrKeyNotFound
		}
	}
	return nil, ErrKeyNotFound
}

// Contains reports whether key currently has a live value.
func (db *DB) Contains(key string) (bool, error) {
	_, err := db.Get(key)
	switch {
	case err == nil:
		return true, nil
	case err == ErrKeyNotFound:
		return false, nil
	default:
		return false, err
	}
}

// maybeFlushLocked flushes the memtable synchronously once it has grown
// past maxInmemorySize, so a Set or Delete that triggers a flush does
// not return until the new segment is durable. db.mu must be held.
func (db *DB) maybeFlushLocked() error {
	if db.mem.Len() <= db.cfg.maxInmemorySize {
		return nil
	}
	return db.flushLocked()
}

// flushLocked writes the current memtable out as a new segment, adds it
// to the registry, truncates the write-ahead log, and starts a fresh
// memtable. db.mu must be held.
func (db *DB) flushLocked() error {
	if db.mem.Len() == 0 {
		return nil
	}

	id := db.allocID()
	path := filepath.Join(db.dir, fmt.Sprintf("segment-%d.sst", id))
	w, err := sstable.CreateWriter(path, db.mem.Len(), db.cfg.bloomFPRate, db.cfg.sparseStride)
	if err != nil {
		return wrapError(KindStorage, "create segment writer", err)
	}

	var writeErr error
	db.mem.Ascend(func(key string, e record.Entry) bool {
		if err := w.Write(e); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		_ = w.Abort()
		return wrapError(KindStorage, "write segment", writeErr)
	}

	seg, err := w.Close()
	if err != nil {
		return wrapError(KindStorage, "finalize segment", err)
	}
	seg.ID = id
	db.reg.Prepend(seg)

	if err := db.wal.Truncate(); err != nil {
		return wrapError(KindStorage, "truncate write-ahead log", err)
	}
	db.mem = index.New()

	db.logger.Infow("flushed memtable", "segment_id", id, "entries", seg.EntryCount)
	db.compactor.Notify()

	return nil
}

// Close waits for any in-progress flush or compaction to finish,
// flushes any remaining buffered writes, and releases every segment's
// file handle. If the engine was opened with WithPersistSegments(false),
// segment files are deleted as well. Close is idempotent: calling it
// again returns ErrClosed.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return ErrClosed
	}

	db.mu.Lock()
	flushErr := db.flushLocked()
	db.mu.Unlock()

	db.cancel()
	groupErr := db.group.Wait()

	walErr := db.wal.Close()
	regErr := db.reg.Close(!db.cfg.persistSegments)

	_ = db.logger.Sync()

	switch {
	case flushErr != nil:
		return flushErr
	case groupErr != nil && groupErr != context.Canceled:
		return wrapError(KindStorage, "stop compactor", groupErr)
	case walErr != nil:
		return wrapError(KindStorage, "close write-ahead log", walErr)
	case regErr != nil:
		return wrapError(KindStorage, "close segments", regErr)
	}
	return nil
}
