package lsmkv

// iterator.go implements ordered iteration over the database's current
// (or a snapshotted) state, merging the memtables and on-disk SST files
// in internal-key order and collapsing superseded versions.
//
// Reference: RocksDB v10.7.5
//   - db/db_iter.h
//   - db/db_iter.cc

import (
	"github.com/arkestra/lsmkv/internal/block"
	"github.com/arkestra/lsmkv/internal/dbformat"
	"github.com/arkestra/lsmkv/internal/iterator"
)

// Iterator provides ordered iteration over key-value pairs in a database.
// It is not safe for concurrent use by multiple goroutines.
type Iterator struct {
	merged     *iterator.MergingIterator
	readSeq    dbformat.SequenceNumber
	comparator Comparator

	valid bool
	key   []byte
	value []byte
	err   error
}

// NewIterator returns an iterator over the database's key space. If
// opts.Snapshot is set, the iterator only observes writes up to that
// snapshot's sequence number.
func (db *DB) NewIterator(opts *ReadOptions) *Iterator {
	if opts == nil {
		opts = DefaultReadOptions()
	}
	impl := db.impl

	impl.mu.RLock()
	seq := impl.seq
	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	var children []iterator.Iterator
	children = append(children, impl.mem.NewIterator())
	if impl.imm != nil {
		children = append(children, impl.imm.NewIterator())
	}
	current := impl.versions.Current()
	if current != nil {
		current.Ref()
		for level := range current.NumLevels() {
			for _, f := range current.Files(level) {
				reader, err := impl.tableCache.Get(f.FD.GetNumber(), impl.sstFilePath(f.FD.GetNumber()))
				if err != nil {
					continue
				}
				children = append(children, reader.NewIterator())
			}
		}
	}
	impl.mu.RUnlock()
	if current != nil {
		defer current.Unref()
	}

	cmp := impl.comparator
	if cmp == nil {
		cmp = BytewiseComparator{}
	}

	return &Iterator{
		merged:     iterator.NewMergingIterator(children, block.CompareInternalKeys),
		readSeq:    dbformat.SequenceNumber(seq),
		comparator: cmp,
	}
}

// SeekToFirst positions the iterator at the first visible key.
func (it *Iterator) SeekToFirst() {
	it.merged.SeekToFirst()
	it.findNextVisible(nil)
}

// SeekToLast positions the iterator at the last visible key.
func (it *Iterator) SeekToLast() {
	it.merged.SeekToLast()
	it.findPrevVisible()
}

// Seek positions the iterator at the first visible key >= target.
func (it *Iterator) Seek(target []byte) {
	ik := dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
		UserKey:  target,
		Sequence: it.readSeq,
		Type:     dbformat.ValueTypeForSeek,
	})
	it.merged.Seek(ik)
	it.findNextVisible(nil)
}

// SeekForPrev positions the iterator at the last visible key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	ik := dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
		UserKey:  target,
		Sequence: it.readSeq,
		Type:     dbformat.ValueTypeForSeek,
	})
	it.merged.Seek(ik)
	it.findNextVisible(nil)
	if it.valid {
		if it.comparator.Compare(it.key, target) > 0 {
			it.Prev()
		}
		return
	}
	it.SeekToLast()
}

// Next advances the iterator to the next visible key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	prevKey := it.key
	it.merged.Next()
	it.findNextVisible(prevKey)
}

// Prev moves the iterator to the previous visible key.
func (it *Iterator) Prev() {
	if !it.valid {
		return
	}
	skipKey := it.key
	for it.merged.Valid() {
		ik := dbformat.InternalKey(it.merged.Key())
		if ik.Valid() && bytesEqual(ik.UserKey(), skipKey) {
			it.merged.Prev()
			continue
		}
		break
	}
	it.findPrevVisible()
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current user key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Error returns any error encountered during iteration.
func (it *Iterator) Error() error { return it.err }

// Close releases resources held by the iterator.
func (it *Iterator) Close() error { return it.err }

// findNextVisible advances past entries that are invisible to readSeq,
// superseded by a newer version of the same user key already returned
// (skipUser), or deleted, landing on the next live value.
func (it *Iterator) findNextVisible(skipUser []byte) {
	for it.merged.Valid() {
		ik := dbformat.InternalKey(it.merged.Key())
		if !ik.Valid() {
			it.merged.Next()
			continue
		}
		userKey := ik.UserKey()
		seq := ik.Sequence()

		if seq > it.readSeq {
			it.merged.Next()
			continue
		}
		if skipUser != nil && bytesEqual(userKey, skipUser) {
			it.merged.Next()
			continue
		}

		switch ik.Type() {
		case dbformat.TypeDeletion:
			skipUser = append([]byte(nil), userKey...)
			it.merged.Next()
			continue
		case dbformat.TypeValue:
			it.valid = true
			it.key = append([]byte(nil), userKey...)
			it.value = append([]byte(nil), it.merged.Value()...)
			return
		default:
			it.merged.Next()
			continue
		}
	}
	it.valid = false
	it.key = nil
	it.value = nil
	if err := it.merged.Error(); err != nil {
		it.err = err
	}
}

// findPrevVisible scans backward from the current position, landing on the
// newest version of the previous distinct user key that is visible under
// readSeq and not a deletion tombstone. Entries for the same user key are
// ordered newest-first in ascending (ie. forward) iteration order, so
// scanning in reverse visits a key's versions oldest-to-newest; the last
// version seen with sequence <= readSeq before the group changes is the
// one to return.
func (it *Iterator) findPrevVisible() {
	for it.merged.Valid() {
		ik := dbformat.InternalKey(it.merged.Key())
		if !ik.Valid() {
			it.merged.Prev()
			continue
		}
		groupKey := append([]byte(nil), ik.UserKey()...)

		var bestVal []byte
		var bestType dbformat.ValueType
		haveBest := false

		for it.merged.Valid() {
			cur := dbformat.InternalKey(it.merged.Key())
			if !cur.Valid() || !bytesEqual(cur.UserKey(), groupKey) {
				break
			}
			if cur.Sequence() <= it.readSeq {
				bestVal = append([]byte(nil), it.merged.Value()...)
				bestType = cur.Type()
				haveBest = true
			}
			it.merged.Prev()
		}

		if haveBest && bestType == dbformat.TypeValue {
			it.valid = true
			it.key = groupKey
			it.value = bestVal
			return
		}
		// No visible version, or the newest visible version is a
		// tombstone: this key is absent, move on to the previous group.
	}

	it.valid = false
	it.key = nil
	it.value = nil
	if err := it.merged.Error(); err != nil {
		it.err = err
	}
}
