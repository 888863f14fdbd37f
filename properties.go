package lsmkv

// properties.go implements GetProperty, RocksDB-style internal statistics
// exposed as string key/value pairs.
//
// Reference: RocksDB v10.7.5
//   - db/internal_stats.h
//   - db/internal_stats.cc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arkestra/lsmkv/internal/compaction"
	"github.com/arkestra/lsmkv/internal/version"
)

// Property name constants accepted by DB.GetProperty.
const (
	PropertyNumImmutableMemTable    = "lsmkv.num-immutable-mem-table"
	PropertyMemTableFlushPending    = "lsmkv.mem-table-flush-pending"
	PropertyCompactionPending       = "lsmkv.compaction-pending"
	PropertyCurSizeActiveMemTable   = "lsmkv.cur-size-active-mem-table"
	PropertyNumEntriesActiveMemTable = "lsmkv.num-entries-active-mem-table"
	PropertyNumSnapshots            = "lsmkv.num-snapshots"
	PropertyNumColumnFamilies       = "lsmkv.num-column-families"
	PropertyEstimateNumKeys         = "lsmkv.estimate-num-keys"
	PropertySequenceNumber          = "lsmkv.sequence-number"
	PropertyNumFilesAtLevelPrefix   = "lsmkv.num-files-at-level"
	PropertyLevelStats              = "lsmkv.levelstats"
)

// GetProperty returns an internal database statistic identified by name,
// in the style of RocksDB's GetProperty. Unknown names return ok=false.
func (db *DB) GetProperty(name string) (string, bool) {
	impl := db.impl
	impl.mu.RLock()
	defer impl.mu.RUnlock()

	current := impl.versions.Current()

	switch {
	case name == PropertyNumImmutableMemTable:
		if impl.imm != nil {
			return "1", true
		}
		return "0", true

	case name == PropertyMemTableFlushPending:
		if impl.imm != nil {
			return "1", true
		}
		return "0", true

	case name == PropertyCompactionPending:
		if current == nil {
			return "0", true
		}
		picker := compaction.DefaultLeveledCompactionPicker()
		if picker.NeedsCompaction(current) {
			return "1", true
		}
		return "0", true

	case name == PropertyCurSizeActiveMemTable:
		return fmt.Sprintf("%d", impl.mem.ApproximateMemoryUsage()), true

	case name == PropertyNumEntriesActiveMemTable:
		return fmt.Sprintf("%d", impl.mem.Count()), true

	case name == PropertyNumSnapshots:
		return fmt.Sprintf("%d", impl.numSnapshots()), true

	case name == PropertyNumColumnFamilies:
		return "1", true

	case name == PropertySequenceNumber:
		return fmt.Sprintf("%d", impl.seq), true

	case name == PropertyEstimateNumKeys:
		return fmt.Sprintf("%d", impl.estimateNumKeys(current)), true

	case name == PropertyLevelStats:
		return impl.levelStatsString(current), true

	case strings.HasPrefix(name, PropertyNumFilesAtLevelPrefix):
		levelStr := name[len(PropertyNumFilesAtLevelPrefix):]
		level, err := strconv.Atoi(levelStr)
		if err != nil || level < 0 || level >= version.MaxNumLevels {
			return "", false
		}
		if current == nil {
			return "0", true
		}
		return fmt.Sprintf("%d", current.NumFiles(level)), true

	default:
		return "", false
	}
}

// estimateNumKeys sums live entries across the active memtable, the
// immutable memtable (if any), and every on-disk SST file's properties
// block. This double-counts overwritten/deleted keys across levels, the
// same approximation RocksDB's rocksdb.estimate-num-keys makes.
func (db *dbImpl) estimateNumKeys(current *version.Version) uint64 {
	total := uint64(db.mem.Count())
	if db.imm != nil {
		total += uint64(db.imm.Count())
	}
	if current == nil {
		return total
	}
	for level := range current.NumLevels() {
		for _, f := range current.Files(level) {
			reader, err := db.tableCache.Get(f.FD.GetNumber(), db.sstFilePath(f.FD.GetNumber()))
			if err != nil {
				continue
			}
			props, err := reader.Properties()
			if err != nil {
				continue
			}
			total += props.NumEntries
		}
	}
	return total
}

// levelStatsString renders a human-readable per-level file count table,
// matching the shape of RocksDB's rocksdb.levelstats property.
func (db *dbImpl) levelStatsString(current *version.Version) string {
	var sb strings.Builder
	sb.WriteString("Level   Files   Size(MB)\n")
	sb.WriteString("------------------------\n")
	for level := 0; level < version.MaxNumLevels; level++ {
		var numFiles int
		var sizeBytes int64
		if current != nil {
			files := current.Files(level)
			numFiles = len(files)
			for _, f := range files {
				sizeBytes += int64(f.FD.FileSize)
			}
		}
		sizeMB := float64(sizeBytes) / (1024 * 1024)
		fmt.Fprintf(&sb, "%-7d %-7d %.2f\n", level, numFiles, sizeMB)
	}
	return sb.String()
}
