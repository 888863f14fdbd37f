package lsmkv

// background.go implements pause/resume control and running-work counters
// for background flush and compaction activity.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_compaction_flush.cc
//   (PauseBackgroundWork/ContinueBackgroundWork, bg_flush_scheduled_,
//   bg_compaction_scheduled_, GetProperty "rocksdb.num-running-flushes"
//   and "rocksdb.num-running-compactions")

import (
	"sync"

	"github.com/arkestra/lsmkv/internal/compaction"
)

// backgroundWork tracks pause state and in-flight flush/compaction counts
// for a dbImpl. All methods are safe for concurrent use.
type backgroundWork struct {
	db     *dbImpl
	picker *compaction.LeveledCompactionPicker

	mu                 sync.Mutex
	paused             bool
	runningFlushes     int
	runningCompactions int
	backgroundErrors   int
}

func newBackgroundWork(db *dbImpl) *backgroundWork {
	return &backgroundWork{db: db, picker: compaction.DefaultLeveledCompactionPicker()}
}

// isPaused reports whether background work is currently paused.
func (bw *backgroundWork) isPaused() bool {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.paused
}

// pause stops new flushes and compactions from being scheduled. Work
// already running is not interrupted.
func (bw *backgroundWork) pause() {
	bw.mu.Lock()
	bw.paused = true
	bw.mu.Unlock()
}

// resume allows flushes and compactions to be scheduled again, and
// immediately checks whether either is now due.
func (bw *backgroundWork) resume() {
	bw.mu.Lock()
	bw.paused = false
	bw.mu.Unlock()
	bw.maybeScheduleFlush()
	bw.maybeScheduleCompaction()
}

func (bw *backgroundWork) numRunningFlushes() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.runningFlushes
}

func (bw *backgroundWork) numRunningCompactions() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.runningCompactions
}

func (bw *backgroundWork) numBackgroundErrors() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.backgroundErrors
}

func (bw *backgroundWork) incrementBackgroundErrors() {
	bw.mu.Lock()
	bw.backgroundErrors++
	bw.mu.Unlock()
}

func (bw *backgroundWork) beginFlush() {
	bw.mu.Lock()
	bw.runningFlushes++
	bw.mu.Unlock()
}

func (bw *backgroundWork) endFlush() {
	bw.mu.Lock()
	bw.runningFlushes--
	bw.mu.Unlock()
}

func (bw *backgroundWork) beginCompaction() {
	bw.mu.Lock()
	bw.runningCompactions++
	bw.mu.Unlock()
}

func (bw *backgroundWork) endCompaction() {
	bw.mu.Lock()
	bw.runningCompactions--
	bw.mu.Unlock()
}

// isCompactionPending reports whether the current version needs compaction.
func (bw *backgroundWork) isCompactionPending() bool {
	current := bw.db.versions.Current()
	if current == nil {
		return false
	}
	return bw.picker.NeedsCompaction(current)
}

// maybeScheduleFlush schedules a flush of the immutable memtable if one
// exists and background work is not paused.
func (bw *backgroundWork) maybeScheduleFlush() {
	if bw.isPaused() {
		return
	}
	bw.db.mu.Lock()
	needsFlush := bw.db.imm != nil
	bw.db.mu.Unlock()
	if needsFlush {
		bw.db.scheduleFlushLocked()
	}
}

// maybeScheduleCompaction picks and runs a round of compaction if the
// current version needs it and background work is not paused.
func (bw *backgroundWork) maybeScheduleCompaction() {
	if bw.isPaused() {
		return
	}
	bw.db.maybeScheduleCompaction()
}
