// Package table provides SST file reading and writing.
//
// TableBuilder creates SST files in the block-based table format described
// in the package's parent design: data blocks with restart-point prefix
// compression, an index block mapping shortened separator keys to data
// block handles, an optional Bloom filter block, a properties block, a
// metaindex block, and a fixed-size footer.
//
// # Whitebox Testing Hooks
//
// This file contains kill points for crash testing (requires -tags crashtest).
// In production builds, these compile to no-ops with zero overhead.
package table

import (
	"encoding/binary"
	"errors"
	"sort"

	"io"

	"github.com/arkestra/lsmkv/internal/block"
	"github.com/arkestra/lsmkv/internal/checksum"
	"github.com/arkestra/lsmkv/internal/compression"
	"github.com/arkestra/lsmkv/internal/dbformat"
	"github.com/arkestra/lsmkv/internal/encoding"
	"github.com/arkestra/lsmkv/internal/filter"
	"github.com/arkestra/lsmkv/internal/testutil"
)

// BuilderOptions configures the TableBuilder.
type BuilderOptions struct {
	// BlockSize is the target size for data blocks (default: 4KB).
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points (default: 16).
	BlockRestartInterval int

	// ComparatorName is the name of the key comparator.
	ComparatorName string

	// FilterBitsPerKey controls Bloom filter accuracy (default: 10 = ~1% FP rate).
	// Set to 0 to disable filter.
	FilterBitsPerKey int

	// FilterPolicy is the name of the filter policy recorded in the
	// metaindex block (e.g., "leveldb.BuiltinBloomFilter2").
	FilterPolicy string

	// Compression is the compression type for data blocks.
	Compression compression.Type

	// Comparator is used to shorten index separator keys between data
	// blocks. Defaults to the internal-key-aware bytewise comparator.
	Comparator dbformat.UserKeyComparer
}

// DefaultBuilderOptions returns default options for TableBuilder.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:            4096,
		BlockRestartInterval: 16,
		ComparatorName:       "leveldb.BytewiseComparator",
		FilterBitsPerKey:     10, // ~1% false positive rate
		FilterPolicy:         "leveldb.BuiltinBloomFilter2",
		Compression:          compression.NoCompression,
	}
}

// TableBuilder builds SST files in the block-based table format.
type TableBuilder struct {
	writer  io.Writer
	options BuilderOptions

	// Current data block being built
	dataBlock *block.Builder

	// Index block builder (maps a shortened separator between consecutive
	// data blocks to the handle of the preceding block)
	indexBlock *block.Builder

	// Filter builder (optional, nil if disabled)
	filterBuilder *filter.BloomFilterBuilder

	// Pending index entry for the last flushed data block: we defer
	// writing it until either the next block's first key is known (so the
	// separator can be shortened) or Finish is called.
	pendingIndexEntry bool
	pendingHandle     block.Handle
	lastKey           []byte

	// File offset tracking
	offset uint64

	// Statistics for table properties
	numEntries    uint64
	numDataBlocks uint64
	rawKeySize    uint64
	rawValueSize  uint64
	dataSize      uint64 // size of all data blocks (excluding trailer)
	indexSize     uint64 // size of index block (excluding trailer)
	filterSize    uint64 // size of filter block

	// State tracking
	finished bool
	err      error
}

// NewTableBuilder creates a new TableBuilder that writes to w.
func NewTableBuilder(w io.Writer, opts BuilderOptions) *TableBuilder {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = 16
	}
	if opts.ComparatorName == "" {
		opts.ComparatorName = "leveldb.BytewiseComparator"
	}
	if opts.Comparator == nil {
		opts.Comparator = dbformat.BytewiseCompare
	}

	tb := &TableBuilder{
		writer:     w,
		options:    opts,
		dataBlock:  block.NewBuilder(opts.BlockRestartInterval),
		indexBlock: block.NewBuilder(1), // Index uses restart interval of 1
	}

	if opts.FilterBitsPerKey > 0 {
		tb.filterBuilder = filter.NewBloomFilterBuilder(opts.FilterBitsPerKey)
	}

	return tb
}

// shortestSeparator returns a key k such that lastKeyOfPrevBlock <= k <
// firstKeyOfNextBlock, shortened at the user-key level so index blocks
// stay small. The separator keeps lastKeyOfPrevBlock's trailer semantics
// by re-attaching the maximal trailer (kMaxSequenceNumber, TypeValueForSeek)
// whenever the user-key portion was actually shortened.
func (tb *TableBuilder) shortestSeparator(lastKey, nextKey []byte) []byte {
	lastUser := dbformat.ExtractUserKey(lastKey)
	nextUser := dbformat.ExtractUserKey(nextKey)
	if lastUser == nil || nextUser == nil {
		return lastKey
	}

	shortened := shortestSeparatorBytes(tb.options.Comparator, lastUser, nextUser)
	if len(shortened) == len(lastUser) {
		// Separator wasn't shortened; keep the original internal key so
		// its trailer still orders correctly relative to lastKey.
		return lastKey
	}

	return dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
		UserKey:  shortened,
		Sequence: dbformat.MaxSequenceNumber,
		Type:     dbformat.ValueTypeForSeek,
	})
}

// shortSuccessor returns a short key >= lastKey's user key, used for the
// index entry of the final data block (which has no following key to
// separate against).
func (tb *TableBuilder) shortSuccessor(lastKey []byte) []byte {
	lastUser := dbformat.ExtractUserKey(lastKey)
	if lastUser == nil {
		return lastKey
	}

	successor := shortSuccessorBytes(lastUser)
	if len(successor) == len(lastUser) {
		return lastKey
	}

	return dbformat.AppendInternalKey(nil, &dbformat.ParsedInternalKey{
		UserKey:  successor,
		Sequence: dbformat.MaxSequenceNumber,
		Type:     dbformat.ValueTypeForSeek,
	})
}

// shortestSeparatorBytes finds the shortest byte string k with a <= k < b
// under the bytewise ordering used by the comparator. If no such shortening
// exists, a is returned.
func shortestSeparatorBytes(cmp dbformat.UserKeyComparer, a, b []byte) []byte {
	minLen := min(len(a), len(b))
	diff := 0
	for diff < minLen && a[diff] == b[diff] {
		diff++
	}
	if diff >= minLen {
		return a
	}
	if a[diff] < 0xff && a[diff]+1 < b[diff] {
		shortened := append([]byte(nil), a[:diff+1]...)
		shortened[diff]++
		if cmp(shortened, b) < 0 {
			return shortened
		}
	}
	return a
}

// shortSuccessorBytes finds a short successor >= a.
func shortSuccessorBytes(a []byte) []byte {
	for i := range a {
		if a[i] != 0xff {
			successor := append([]byte(nil), a[:i+1]...)
			successor[i]++
			return successor
		}
	}
	return a
}

// Add adds a key-value pair to the table.
// Keys must be added in sorted order.
func (tb *TableBuilder) Add(key, value []byte) error {
	if tb.finished {
		return errors.New("table: builder already finished")
	}
	if tb.err != nil {
		return tb.err
	}

	// If we have a pending index entry, add it now that we know the first
	// key of the next block, so the separator can be shortened.
	if tb.pendingIndexEntry {
		separator := tb.shortestSeparator(tb.lastKey, key)
		tb.indexBlock.Add(separator, tb.pendingHandle.EncodeToSlice())
		tb.pendingIndexEntry = false
	}

	tb.dataBlock.Add(key, value)
	tb.numEntries++
	tb.rawKeySize += uint64(len(key))
	tb.rawValueSize += uint64(len(value))

	if tb.filterBuilder != nil {
		tb.filterBuilder.AddKey(dbformat.ExtractUserKey(key))
	}

	tb.lastKey = append(tb.lastKey[:0], key...)

	if tb.dataBlock.EstimatedSize() >= tb.options.BlockSize {
		if err := tb.flushDataBlock(); err != nil {
			tb.err = err
			return err
		}
	}

	return nil
}

// flushDataBlock writes the current data block to the file.
func (tb *TableBuilder) flushDataBlock() error {
	if tb.dataBlock.Empty() {
		return nil
	}

	blockContents := tb.dataBlock.Finish()

	handle, err := tb.writeBlockWithTrailer(blockContents, block.TypeData)
	if err != nil {
		return err
	}

	tb.dataSize += handle.Size
	tb.numDataBlocks++

	tb.pendingHandle = handle
	tb.pendingIndexEntry = true

	tb.dataBlock.Reset()

	return nil
}

// writeBlockWithTrailer writes a block with its trailer (compression type +
// CRC32C checksum). Returns the handle (offset, size) of the written block.
func (tb *TableBuilder) writeBlockWithTrailer(blockData []byte, blockType block.Type) (block.Handle, error) {
	compressedData := blockData
	compressionType := block.CompressionNone

	if tb.options.Compression != compression.NoCompression && blockType == block.TypeData {
		compressed, err := compression.Compress(tb.options.Compression, blockData)
		if err == nil && compressed != nil && len(compressed) < len(blockData) {
			compressedData = compressed
			compressionType = block.CompressionType(tb.options.Compression)
		}
	}

	handle := block.Handle{
		Offset: tb.offset,
		Size:   uint64(len(compressedData)),
	}

	n, err := tb.writer.Write(compressedData)
	if err != nil {
		return block.Handle{}, err
	}
	tb.offset += uint64(n)

	trailer := make([]byte, block.BlockTrailerSize)
	trailer[0] = byte(compressionType)
	cksum := checksum.ComputeCRC32CChecksumWithLastByte(compressedData, trailer[0])
	binary.LittleEndian.PutUint32(trailer[1:], cksum)

	n, err = tb.writer.Write(trailer)
	if err != nil {
		return block.Handle{}, err
	}
	tb.offset += uint64(n)

	return handle, nil
}

// Finish finalizes the table and writes the footer.
// After calling Finish, the TableBuilder should not be used.
func (tb *TableBuilder) Finish() error {
	// Whitebox [crashtest]: crash before SST finalize — tests incomplete SST handling
	testutil.MaybeKill(testutil.KPSSTClose0)

	if tb.finished {
		return errors.New("table: builder already finished")
	}
	if tb.err != nil {
		return tb.err
	}
	tb.finished = true

	if err := tb.flushDataBlock(); err != nil {
		tb.err = err
		return err
	}

	if tb.pendingIndexEntry {
		separator := tb.shortSuccessor(tb.lastKey)
		tb.indexBlock.Add(separator, tb.pendingHandle.EncodeToSlice())
		tb.pendingIndexEntry = false
	}

	type metaEntry struct {
		key   string
		value []byte
	}
	var metaEntries []metaEntry

	if tb.filterBuilder != nil && tb.filterBuilder.NumKeys() > 0 {
		filterHandle, err := tb.writeFilterBlock()
		if err != nil {
			tb.err = err
			return err
		}
		metaEntries = append(metaEntries, metaEntry{tb.options.FilterPolicy, filterHandle.EncodeToSlice()})
	}

	propertiesHandle, err := tb.writePropertiesBlock()
	if err != nil {
		tb.err = err
		return err
	}
	metaEntries = append(metaEntries, metaEntry{"lsmkv.properties", propertiesHandle.EncodeToSlice()})

	indexContents := tb.indexBlock.Finish()
	indexHandle, err := tb.writeBlockWithTrailer(indexContents, block.TypeIndex)
	if err != nil {
		tb.err = err
		return err
	}
	tb.indexSize = indexHandle.Size

	sort.Slice(metaEntries, func(i, j int) bool {
		return metaEntries[i].key < metaEntries[j].key
	})

	metaindexBuilder := block.NewBuilder(1)
	for _, entry := range metaEntries {
		metaindexBuilder.Add([]byte(entry.key), entry.value)
	}

	metaindexContents := metaindexBuilder.Finish()
	metaindexHandle, err := tb.writeBlockWithTrailer(metaindexContents, block.TypeMetaIndex)
	if err != nil {
		tb.err = err
		return err
	}

	if err := tb.writeFooter(metaindexHandle, indexHandle); err != nil {
		tb.err = err
		return err
	}

	// Whitebox [crashtest]: crash after SST complete — SST is valid on disk
	testutil.MaybeKill(testutil.KPSSTClose1)

	return nil
}

// writeFilterBlock writes the Bloom filter block.
func (tb *TableBuilder) writeFilterBlock() (block.Handle, error) {
	filterData := tb.filterBuilder.Finish()
	tb.filterSize = uint64(len(filterData))

	handle := block.Handle{
		Offset: tb.offset,
		Size:   uint64(len(filterData)),
	}

	n, err := tb.writer.Write(filterData)
	if err != nil {
		return block.Handle{}, err
	}
	tb.offset += uint64(n)

	trailer := make([]byte, block.BlockTrailerSize)
	trailer[0] = byte(block.CompressionNone)
	cksum := checksum.ComputeCRC32CChecksumWithLastByte(filterData, trailer[0])
	binary.LittleEndian.PutUint32(trailer[1:], cksum)

	n, err = tb.writer.Write(trailer)
	if err != nil {
		return block.Handle{}, err
	}
	tb.offset += uint64(n)

	return handle, nil
}

// writePropertiesBlock writes the table properties block.
func (tb *TableBuilder) writePropertiesBlock() (block.Handle, error) {
	type prop struct {
		name  string
		value []byte
	}
	var properties []prop

	addUint64Prop := func(name string, value uint64) {
		buf := make([]byte, encoding.MaxVarintLen64)
		n := encoding.PutVarint64(buf, value)
		properties = append(properties, prop{name: name, value: buf[:n]})
	}
	addStringProp := func(name string, value string) {
		properties = append(properties, prop{name: name, value: []byte(value)})
	}

	addStringProp("lsmkv.comparator", tb.options.ComparatorName)
	addStringProp("lsmkv.compression", tb.options.Compression.String())
	addUint64Prop("lsmkv.data.size", tb.dataSize)
	if tb.options.FilterPolicy != "" && tb.filterSize > 0 {
		addStringProp("lsmkv.filter.policy", tb.options.FilterPolicy)
	}
	addUint64Prop("lsmkv.filter.size", tb.filterSize)
	addUint64Prop("lsmkv.index.size", tb.indexSize)
	addUint64Prop("lsmkv.num.data.blocks", tb.numDataBlocks)
	addUint64Prop("lsmkv.num.entries", tb.numEntries)
	addUint64Prop("lsmkv.raw.key.size", tb.rawKeySize)
	addUint64Prop("lsmkv.raw.value.size", tb.rawValueSize)

	sort.Slice(properties, func(i, j int) bool {
		return properties[i].name < properties[j].name
	})

	props := block.NewBuilder(1)
	for _, p := range properties {
		props.Add([]byte(p.name), p.value)
	}

	propsContents := props.Finish()
	return tb.writeBlockWithTrailer(propsContents, block.TypeProperties)
}

// writeFooter writes the SST file footer.
func (tb *TableBuilder) writeFooter(metaindexHandle, indexHandle block.Handle) error {
	footer := &block.Footer{
		MetaindexHandle: metaindexHandle,
		IndexHandle:     indexHandle,
	}

	footerData := footer.EncodeTo()
	_, err := tb.writer.Write(footerData)
	if err != nil {
		return err
	}
	tb.offset += uint64(len(footerData))

	return nil
}

// Abandon abandons the table being built.
// After calling Abandon, the TableBuilder should not be used.
func (tb *TableBuilder) Abandon() {
	tb.finished = true
}

// NumEntries returns the number of entries added so far.
func (tb *TableBuilder) NumEntries() uint64 {
	return tb.numEntries
}

// FileSize returns the size of the file generated so far.
func (tb *TableBuilder) FileSize() uint64 {
	return tb.offset
}

// Status returns any error encountered during building.
func (tb *TableBuilder) Status() error {
	return tb.err
}
