package lsmkv

// db.go implements the core database handle: opening and closing a
// database directory, and the read/write paths that tie the memtable,
// WAL, and leveled SST files together.
//
// Reference: RocksDB v10.7.5
//   - db/db_impl/db_impl.h
//   - db/db_impl/db_impl_open.cc
//   - db/db_impl/db_impl_write.cc

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/arkestra/lsmkv/internal/batch"
	"github.com/arkestra/lsmkv/internal/compaction"
	"github.com/arkestra/lsmkv/internal/dbformat"
	"github.com/arkestra/lsmkv/internal/logging"
	"github.com/arkestra/lsmkv/internal/manifest"
	"github.com/arkestra/lsmkv/internal/memtable"
	"github.com/arkestra/lsmkv/internal/table"
	"github.com/arkestra/lsmkv/internal/version"
	"github.com/arkestra/lsmkv/internal/vfs"
	"github.com/arkestra/lsmkv/internal/wal"
)

// Errors returned by the database.
var (
	ErrDBExists      = errors.New("lsmkv: database already exists")
	ErrDBNotFound    = errors.New("lsmkv: database not found")
	ErrNotFound      = errors.New("lsmkv: key not found")
	ErrDBClosed      = errors.New("lsmkv: database is closed")
	ErrInvalidOption = errors.New("lsmkv: invalid option")
)

// DB is an embedded, ordered key-value store backed by an LSM tree.
// A DB is safe for concurrent use by multiple goroutines.
type DB struct {
	impl *dbImpl
}

// dbImpl is the concrete implementation behind the public DB handle.
type dbImpl struct {
	name       string
	fs         vfs.FS
	comparator Comparator
	logger     Logger
	opts       *Options

	dirLock interface{ Close() error }

	mu      sync.RWMutex
	mem     *memtable.MemTable
	imm     *memtable.MemTable
	immCond *sync.Cond
	seq     uint64

	versions   *version.VersionSet
	tableCache *table.TableCache

	walFile   vfs.WritableFile
	walWriter *wal.Writer

	writeController *writeController

	snapshots struct {
		head *Snapshot // sentinel, head.next is the oldest snapshot
	}

	backgroundError error
	closed          bool
	shutdownCh      chan struct{}
	compactionWG    sync.WaitGroup
	compactionCond  *sync.Cond
	compactionScheduled bool

	bgWork *backgroundWork
}

// Open opens (or creates) a database at the given path.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	comparator := opts.Comparator
	if comparator == nil {
		comparator = BytewiseComparator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.OrDefault(nil)
	}

	exists := fs.Exists(filepath.Join(path, "CURRENT"))
	if exists && opts.ErrorIfExists {
		return nil, ErrDBExists
	}
	if !exists && !opts.CreateIfMissing {
		return nil, ErrDBNotFound
	}

	if err := fs.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create db directory: %w", err)
	}

	lock, err := fs.Lock(filepath.Join(path, "LOCK"))
	if err != nil {
		return nil, fmt.Errorf("lsmkv: lock database: %w", err)
	}

	db := &dbImpl{
		name:            path,
		fs:              fs,
		comparator:      comparator,
		logger:          logger,
		opts:            opts,
		dirLock:         lock,
		writeController: newWriteController(),
		shutdownCh:      make(chan struct{}),
	}
	db.immCond = sync.NewCond(&db.mu)
	db.compactionCond = sync.NewCond(&db.mu)
	db.bgWork = newBackgroundWork(db)

	vsOpts := version.VersionSetOptions{
		DBName:              path,
		FS:                  fs,
		MaxManifestFileSize: 1 << 30,
		NumLevels:           version.MaxNumLevels,
		ComparatorName:      comparator.Name(),
	}
	db.versions = version.NewVersionSet(vsOpts)

	if exists {
		if err := db.versions.Recover(); err != nil {
			_ = lock.Close()
			return nil, fmt.Errorf("lsmkv: recover manifest: %w", err)
		}
		db.seq = db.versions.LastSequence()
		if err := db.replayWAL(); err != nil {
			_ = lock.Close()
			return nil, fmt.Errorf("lsmkv: replay WAL: %w", err)
		}
		if err := db.deleteOrphanedSSTFiles(); err != nil {
			_ = lock.Close()
			return nil, fmt.Errorf("lsmkv: cleanup after recovery: %w", err)
		}
	} else {
		if err := db.versions.Create(); err != nil {
			_ = lock.Close()
			return nil, fmt.Errorf("lsmkv: create manifest: %w", err)
		}
	}

	if db.mem == nil {
		var memCmp memtable.Comparator
		if db.comparator != nil {
			memCmp = db.comparator.Compare
		}
		db.mem = memtable.NewMemTable(memCmp)
	}

	db.tableCache = table.NewTableCache(fs, table.TableCacheOptions{
		MaxOpenFiles:    max(opts.MaxOpenFiles, 64),
		VerifyChecksums: true,
	})

	walNumber := db.versions.NextFileNumber()
	walFile, err := fs.Create(db.logFilePath(walNumber))
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("lsmkv: create WAL: %w", err)
	}
	db.walFile = walFile
	db.walWriter = wal.NewWriter(walFile, walNumber, false)

	if err := WriteOptionsFile(fs, path, opts, db.versions.NextFileNumber()); err != nil {
		db.logger.Warnf("[open] failed to write OPTIONS file: %v", err)
	}

	return &DB{impl: db}, nil
}

// Close flushes any pending data and releases the database's resources.
func (db *DB) Close() error {
	return db.impl.close()
}

func (db *dbImpl) close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.shutdownCh)
	db.writeController.releaseWriteStall()
	db.compactionWG.Wait()

	db.mu.Lock()
	imm := db.imm
	db.mu.Unlock()
	if imm != nil {
		if err := db.doFlush(); err != nil {
			db.logger.Warnf("[close] final flush failed: %v", err)
		}
	}

	if err := db.versions.Close(); err != nil {
		db.logger.Warnf("[close] closing version set: %v", err)
	}
	if db.walFile != nil {
		if err := db.walFile.Close(); err != nil {
			db.logger.Warnf("[close] closing WAL: %v", err)
		}
	}
	if db.dirLock != nil {
		return db.dirLock.Close()
	}
	return nil
}

// Put writes key=value, overwriting any existing value for key.
func (db *DB) Put(opts *WriteOptions, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return db.Write(opts, wb)
}

// Delete removes key from the database. It is not an error if key does not exist.
func (db *DB) Delete(opts *WriteOptions, key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return db.Write(opts, wb)
}

// Write atomically applies all operations in a WriteBatch.
func (db *DB) Write(opts *WriteOptions, wb *WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}
	return db.impl.write(opts, wb.internalBatch())
}

func (db *dbImpl) write(opts *WriteOptions, wb *batch.WriteBatch) error {
	db.writeController.maybeStallWrite(len(wb.Data()))

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := db.backgroundError
		db.mu.Unlock()
		return err
	}

	if err := db.makeRoomForWriteLocked(len(wb.Data())); err != nil {
		db.mu.Unlock()
		return err
	}

	seq := db.seq + 1
	wb.SetSequence(seq)

	if !opts.DisableWAL {
		if _, err := db.walWriter.AddRecord(wb.Data()); err != nil {
			db.mu.Unlock()
			return fmt.Errorf("lsmkv: write WAL: %w", err)
		}
		if opts.Sync {
			if err := db.walFile.Sync(); err != nil {
				db.mu.Unlock()
				return fmt.Errorf("lsmkv: sync WAL: %w", err)
			}
		}
	}

	handler := &walRecoveryHandler{mem: db.mem, sequence: seq}
	if err := wb.Iterate(handler); err != nil {
		db.mu.Unlock()
		return err
	}
	db.seq = seq + uint64(wb.Count()) - 1

	db.mu.Unlock()
	return nil
}

// Get returns the value for key, or ErrNotFound if it does not exist.
func (db *DB) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	return db.impl.get(opts, key)
}

func (db *dbImpl) get(opts *ReadOptions, key []byte) ([]byte, error) {
	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.RLock()
	seq := db.seq
	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	mem, imm, current := db.mem, db.imm, db.versions.Current()
	if current != nil {
		current.Ref()
	}
	db.mu.RUnlock()
	if current != nil {
		defer current.Unref()
	}

	lookupSeq := dbformat.SequenceNumber(seq)

	if mem != nil {
		if v, found, deleted := mem.Get(key, lookupSeq); found {
			if deleted {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	if imm != nil {
		if v, found, deleted := imm.Get(key, lookupSeq); found {
			if deleted {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}

	if current == nil {
		return nil, ErrNotFound
	}
	for level := range current.NumLevels() {
		files := current.Files(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if level > 0 && (db.comparator.Compare(key, dbformat.ExtractUserKey(f.Smallest)) < 0 ||
				db.comparator.Compare(key, dbformat.ExtractUserKey(f.Largest)) > 0) {
				continue
			}
			reader, err := db.tableCache.Get(f.FD.GetNumber(), db.sstFilePath(f.FD.GetNumber()))
			if err != nil {
				continue
			}
			v, found, deleted := lookupInTable(reader, key, lookupSeq)
			if found {
				if deleted {
					return nil, ErrNotFound
				}
				return v, nil
			}
			if level == 0 {
				continue // L0 files may overlap; must check all of them
			}
		}
	}

	return nil, ErrNotFound
}

// lookupInTable seeks for the newest version of key with sequence <= seq
// visible in an SST reader.
func lookupInTable(reader *table.Reader, key []byte, seq dbformat.SequenceNumber) (value []byte, found, deleted bool) {
	target := dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
		UserKey:  key,
		Sequence: seq,
		Type:     dbformat.ValueTypeForSeek,
	})

	it := reader.NewIterator()
	it.Seek(target)
	if !it.Valid() {
		return nil, false, false
	}
	ik := dbformat.InternalKey(it.Key())
	if !ik.Valid() || !bytesEqual(ik.UserKey(), key) {
		return nil, false, false
	}
	switch ik.Type() {
	case dbformat.TypeValue:
		return it.Value(), true, false
	case dbformat.TypeDeletion:
		return nil, true, true
	default:
		return nil, false, false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// makeRoomForWriteLocked rotates the memtable if it has grown past
// WriteBufferSize, scheduling a flush of the now-immutable memtable.
// db.mu must be held.
func (db *dbImpl) makeRoomForWriteLocked(writeSize int) error {
	for db.imm != nil {
		if db.backgroundError != nil {
			return db.backgroundError
		}
		db.immCond.Wait()
	}

	if db.mem.ApproximateMemoryUsage()+int64(writeSize) <= int64(db.opts.WriteBufferSize) {
		return nil
	}

	db.imm = db.mem
	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	db.mem = memtable.NewMemTable(memCmp)

	db.scheduleFlushLocked()
	db.recalculateWriteStall()
	return nil
}

func (db *dbImpl) scheduleFlushLocked() {
	go func() {
		db.bgWork.beginFlush()
		err := db.doFlush()
		db.bgWork.endFlush()
		if err != nil {
			db.bgWork.incrementBackgroundErrors()
			db.logger.Warnf("[write] background flush failed: %v", err)
		}
		db.maybeScheduleCompaction()
	}()
}

// recalculateWriteStall updates the write controller based on the current
// number of unflushed memtables and L0 file count.
func (db *dbImpl) recalculateWriteStall() {
	numUnflushed := 1
	if db.imm != nil {
		numUnflushed = 2
	}
	numL0 := 0
	if v := db.versions.Current(); v != nil {
		numL0 = v.NumFiles(0)
	}
	condition, cause := recalculateWriteStallCondition(
		numUnflushed,
		numL0,
		db.opts.MaxWriteBufferNumber,
		db.opts.Level0SlowdownWritesTrigger,
		db.opts.Level0StopWritesTrigger,
		db.opts.DisableAutoCompactions,
	)
	db.writeController.setStallCondition(condition, cause)
}

// logFilePath returns the path to the WAL file with the given number.
func (db *dbImpl) logFilePath(number uint64) string {
	return filepath.Join(db.name, fmt.Sprintf("%06d.log", number))
}

// Flush forces the current memtable to be written to an SST file.
func (db *DB) Flush(opts *FlushOptions) error {
	impl := db.impl
	impl.mu.Lock()
	if impl.mem.Empty() && impl.imm == nil {
		impl.mu.Unlock()
		return nil
	}
	if impl.imm == nil {
		impl.imm = impl.mem
		var memCmp memtable.Comparator
		if impl.comparator != nil {
			memCmp = impl.comparator.Compare
		}
		impl.mem = memtable.NewMemTable(memCmp)
	}
	impl.mu.Unlock()

	if opts == nil || opts.Wait {
		if err := impl.doFlush(); err != nil {
			return err
		}
		impl.maybeScheduleCompaction()
		return nil
	}
	impl.scheduleFlushLocked()
	return nil
}

// GetSnapshot returns a handle to the current state of the database,
// to be used for consistent repeated reads. Release it with Release().
func (db *DB) GetSnapshot() *Snapshot {
	impl := db.impl
	impl.mu.Lock()
	defer impl.mu.Unlock()
	s := newSnapshot(impl, impl.seq)
	if impl.snapshots.head == nil {
		impl.snapshots.head = &Snapshot{}
	}
	head := impl.snapshots.head
	s.next = head.next
	s.prev = head
	if head.next != nil {
		head.next.prev = s
	}
	head.next = s
	return s
}

// ReleaseSnapshot releases a snapshot acquired with GetSnapshot. It is
// equivalent to calling s.Release() directly.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	s.Release()
}

// releaseSnapshot removes a snapshot from the database's tracked list.
func (db *dbImpl) releaseSnapshot(s *Snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.prev != nil {
		s.prev.next = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// numSnapshots returns the number of live (unreleased) snapshots.
func (db *dbImpl) numSnapshots() int {
	if db.snapshots.head == nil {
		return 0
	}
	n := 0
	for s := db.snapshots.head.next; s != nil; s = s.next {
		n++
	}
	return n
}

// maybeScheduleCompaction picks and runs one round of compaction if the
// current version needs it. It is safe to call repeatedly; at most one
// compaction runs at a time.
func (db *dbImpl) maybeScheduleCompaction() {
	db.mu.Lock()
	if db.closed || db.opts.DisableAutoCompactions || db.compactionScheduled {
		db.mu.Unlock()
		return
	}
	current := db.versions.Current()
	picker := compaction.DefaultLeveledCompactionPicker()
	if current == nil || !picker.NeedsCompaction(current) {
		db.mu.Unlock()
		return
	}
	db.compactionScheduled = true
	db.mu.Unlock()

	db.compactionWG.Add(1)
	go db.backgroundCompaction(picker)
}

func (db *dbImpl) backgroundCompaction(picker *compaction.LeveledCompactionPicker) {
	db.bgWork.beginCompaction()
	defer db.bgWork.endCompaction()
	defer db.compactionWG.Done()
	defer func() {
		db.mu.Lock()
		db.compactionScheduled = false
		db.mu.Unlock()
	}()

	db.mu.RLock()
	current := db.versions.Current()
	if current != nil {
		current.Ref()
	}
	db.mu.RUnlock()
	if current == nil {
		return
	}
	defer current.Unref()

	c := picker.PickCompaction(current)
	if c == nil {
		return
	}
	c.MarkFilesBeingCompacted(true)
	defer c.MarkFilesBeingCompacted(false)
	c.AddInputDeletions()

	job := compaction.NewCompactionJobWithSnapshot(
		c, db.name, db.fs, db.tableCache, db.versions.NextFileNumber, db.earliestSnapshotSequence(),
	)
	outputs, err := job.Run()
	if err != nil {
		db.mu.Lock()
		if db.backgroundError == nil {
			db.backgroundError = err
		}
		db.mu.Unlock()
		db.bgWork.incrementBackgroundErrors()
		db.logger.Warnf("[compaction] job failed: %v", err)
		return
	}

	for _, meta := range outputs {
		c.Edit.NewFiles = append(c.Edit.NewFiles, manifest.NewFileEntry{
			Level: c.OutputLevel,
			Meta:  meta,
		})
	}

	db.mu.Lock()
	if err := db.versions.LogAndApply(c.Edit); err != nil {
		db.logger.Warnf("[compaction] failed to apply version edit: %v", err)
	}
	db.recalculateWriteStall()
	db.mu.Unlock()

	// Another round may now be ready (e.g. L0 still over the trigger).
	db.maybeScheduleCompaction()
}

// earliestSnapshotSequence returns the sequence number of the oldest live
// snapshot, or the current sequence if there are none. db.mu must not be held.
func (db *dbImpl) earliestSnapshotSequence() dbformat.SequenceNumber {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.snapshots.head == nil || db.snapshots.head.next == nil {
		return dbformat.SequenceNumber(db.seq)
	}
	return dbformat.SequenceNumber(db.snapshots.head.next.sequence)
}
