// Package table provides SST file reading and writing functionality.
//
// SST File Layout:
//
//	[data block 1]
//	[data block 2]
//	...
//	[data block N]
//	[filter block]     (optional)
//	[properties block]
//	[index block]
//	[metaindex block]
//	[Footer]            (fixed size, at end of file)
package table

import (
	"errors"
	"fmt"
	"io"

	"github.com/arkestra/lsmkv/internal/block"
	"github.com/arkestra/lsmkv/internal/checksum"
	"github.com/arkestra/lsmkv/internal/compression"
	"github.com/arkestra/lsmkv/internal/encoding"
	"github.com/arkestra/lsmkv/internal/filter"
)

var (
	// ErrInvalidSST indicates the file is not a valid SST file.
	ErrInvalidSST = errors.New("table: invalid SST file")

	// ErrChecksumMismatch indicates a block checksum verification failed.
	ErrChecksumMismatch = errors.New("table: checksum mismatch")

	// ErrBlockNotFound indicates a requested block was not found.
	ErrBlockNotFound = errors.New("table: block not found")
)

// ReadableFile is an interface for reading from an SST file.
type ReadableFile interface {
	io.Closer

	// ReadAt reads len(p) bytes from the file starting at offset.
	ReadAt(p []byte, off int64) (n int, err error)

	// Size returns the total size of the file.
	Size() int64
}

// ReaderOptions controls the behavior of the table reader.
type ReaderOptions struct {
	// VerifyChecksums enables checksum verification for all blocks.
	VerifyChecksums bool
}

// Reader reads an SST file in the block-based table format.
type Reader struct {
	file    ReadableFile
	size    int64
	options ReaderOptions

	footer *block.Footer

	propertiesHandle block.Handle
	filterHandle     block.Handle

	indexBlock *block.Block
	properties *TableProperties

	filterReader *filter.BloomFilterReader
}

// Open opens an SST file for reading.
func Open(file ReadableFile, opts ReaderOptions) (*Reader, error) {
	size := file.Size()
	if size < int64(block.EncodedFooterLength) {
		return nil, ErrInvalidSST
	}

	r := &Reader{
		file:    file,
		size:    size,
		options: opts,
	}

	if err := r.readFooter(); err != nil {
		return nil, err
	}

	if err := r.readMetaindex(); err != nil {
		return nil, err
	}

	if err := r.readIndex(); err != nil {
		return nil, err
	}

	if err := r.readFilter(); err != nil {
		// Filter reading failure is not fatal - just means we won't use the filter.
		r.filterReader = nil
	}

	return r, nil
}

// readFooter reads and parses the footer from the end of the file.
func (r *Reader) readFooter() error {
	buf := make([]byte, block.EncodedFooterLength)
	offset := r.size - int64(block.EncodedFooterLength)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return err
	}

	footer, err := block.DecodeFooter(buf)
	if err != nil {
		return ErrInvalidSST
	}

	r.footer = footer
	return nil
}

// readMetaindex reads and parses the metaindex block.
func (r *Reader) readMetaindex() error {
	metaBlock, err := r.readBlock(r.footer.MetaindexHandle)
	if err != nil {
		return err
	}

	iter := metaBlock.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		name := string(iter.Key())
		handle, _, err := block.DecodeHandle(iter.Value())
		if err != nil {
			continue
		}

		switch {
		case name == "lsmkv.properties":
			r.propertiesHandle = handle
		default:
			// Any other metaindex entry is assumed to be the filter block,
			// keyed by its filter policy name.
			r.filterHandle = handle
		}
	}

	return nil
}

// readIndex reads and caches the index block.
func (r *Reader) readIndex() error {
	indexBlock, err := r.readBlock(r.footer.IndexHandle)
	if err != nil {
		return err
	}
	r.indexBlock = indexBlock
	return nil
}

// readFilter reads and caches the filter block if present.
func (r *Reader) readFilter() error {
	if r.filterHandle.IsNull() {
		return nil
	}

	totalSize := int(r.filterHandle.Size) + block.BlockTrailerSize
	buf := make([]byte, totalSize)
	if _, err := r.file.ReadAt(buf, int64(r.filterHandle.Offset)); err != nil {
		return err
	}

	filterData := buf[:r.filterHandle.Size]
	r.filterReader = filter.NewBloomFilterReader(filterData)
	return nil
}

// KeyMayMatch returns true if the key may be in this SST file.
func (r *Reader) KeyMayMatch(key []byte) bool {
	if r.filterReader == nil {
		return true
	}
	return r.filterReader.MayContain(key)
}

// HasFilter returns true if this table has a Bloom filter.
func (r *Reader) HasFilter() bool {
	return r.filterReader != nil
}

// maxBlockSize is the maximum size we'll allocate for a single block.
// This prevents memory exhaustion from corrupted block handles.
const maxBlockSize = 256 * 1024 * 1024

// readBlock reads and optionally verifies a block from the file.
func (r *Reader) readBlock(handle block.Handle) (*block.Block, error) {
	const maxInt64AsUint64 = ^uint64(0) >> 1
	if handle.Offset > maxInt64AsUint64 {
		return nil, fmt.Errorf("block offset %d exceeds maximum %d: %w", handle.Offset, maxInt64AsUint64, ErrInvalidSST)
	}
	if handle.Size > maxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds maximum %d: %w", handle.Size, maxBlockSize, ErrInvalidSST)
	}

	totalSize := int(handle.Size) + block.BlockTrailerSize
	end := handle.Offset + uint64(totalSize)
	if end < handle.Offset || end > uint64(r.size) {
		return nil, fmt.Errorf("block at offset %d size %d exceeds file size %d: %w",
			handle.Offset, totalSize, r.size, ErrInvalidSST)
	}

	buf := make([]byte, totalSize)
	n, err := r.file.ReadAt(buf, int64(handle.Offset))
	if err != nil {
		return nil, err
	}
	if n < totalSize {
		return nil, ErrInvalidSST
	}

	blockData := buf[:handle.Size]
	compressionType := buf[len(buf)-block.BlockTrailerSize]
	storedChecksum := encoding.DecodeFixed32(buf[len(buf)-4:])

	if r.options.VerifyChecksums {
		computed := checksum.ComputeCRC32CChecksumWithLastByte(blockData, compressionType)
		if computed != storedChecksum {
			return nil, ErrChecksumMismatch
		}
	}

	if compression.Type(compressionType) != compression.NoCompression {
		decompressed, err := compression.Decompress(compression.Type(compressionType), blockData)
		if err != nil {
			return nil, fmt.Errorf("decompress block: %w", err)
		}
		blockData = decompressed
	}

	return block.NewBlock(blockData)
}

// NewIterator returns an iterator over the table contents.
// The iterator is initially invalid; call SeekToFirst or Seek before use.
func (r *Reader) NewIterator() *TableIterator {
	return &TableIterator{
		reader:    r,
		indexIter: r.indexBlock.NewIterator(),
	}
}

// Close releases resources associated with the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Footer returns the parsed footer.
func (r *Reader) Footer() *block.Footer {
	return r.footer
}

// Properties returns the table properties, loading them if necessary.
func (r *Reader) Properties() (*TableProperties, error) {
	if r.properties != nil {
		return r.properties, nil
	}
	if r.propertiesHandle.IsNull() {
		return nil, ErrBlockNotFound
	}

	propsBlock, err := r.readBlock(r.propertiesHandle)
	if err != nil {
		return nil, err
	}

	props, err := ParsePropertiesBlock(propsBlock.Data())
	if err != nil {
		return nil, err
	}

	r.properties = props
	return props, nil
}

// TableIterator iterates over key-value pairs in an SST file.
type TableIterator struct {
	reader    *Reader
	indexIter *block.Iterator
	dataBlock *block.Block
	dataIter  *block.Iterator
	err       error
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *TableIterator) Valid() bool {
	return it.err == nil && it.dataIter != nil && it.dataIter.Valid()
}

// SeekToFirst positions the iterator at the first entry.
func (it *TableIterator) SeekToFirst() {
	it.indexIter.SeekToFirst()
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.SeekToFirst()
	}
}

// SeekToLast positions the iterator at the last entry.
func (it *TableIterator) SeekToLast() {
	it.indexIter.SeekToLast()
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.SeekToLast()
	}
}

// Seek positions the iterator at the first entry with key >= target.
func (it *TableIterator) Seek(target []byte) {
	it.indexIter.Seek(target)
	if !it.indexIter.Valid() {
		it.dataIter = nil
		return
	}
	it.loadDataBlock()
	if it.dataIter != nil {
		it.dataIter.Seek(target)
	}
}

// Next moves to the next entry.
func (it *TableIterator) Next() {
	if it.dataIter == nil {
		return
	}
	it.dataIter.Next()
	if !it.dataIter.Valid() {
		it.indexIter.Next()
		it.loadDataBlock()
		if it.dataIter != nil {
			it.dataIter.SeekToFirst()
		}
	}
}

// Prev moves to the previous entry.
func (it *TableIterator) Prev() {
	if it.dataIter == nil {
		return
	}
	it.dataIter.Prev()
	if !it.dataIter.Valid() {
		it.indexIter.Prev()
		it.loadDataBlock()
		if it.dataIter != nil {
			it.dataIter.SeekToLast()
		}
	}
}

// Key returns the current key.
func (it *TableIterator) Key() []byte {
	if it.dataIter == nil {
		return nil
	}
	return it.dataIter.Key()
}

// Value returns the current value.
func (it *TableIterator) Value() []byte {
	if it.dataIter == nil {
		return nil
	}
	return it.dataIter.Value()
}

// Error returns any error encountered during iteration.
func (it *TableIterator) Error() error {
	return it.err
}

// loadDataBlock loads the data block pointed to by the current index entry.
func (it *TableIterator) loadDataBlock() {
	if !it.indexIter.Valid() {
		it.dataBlock = nil
		it.dataIter = nil
		return
	}

	handle, _, err := block.DecodeHandle(it.indexIter.Value())
	if err != nil {
		it.err = err
		it.dataBlock = nil
		it.dataIter = nil
		return
	}

	dataBlock, err := it.reader.readBlock(handle)
	if err != nil {
		it.err = err
		it.dataBlock = nil
		it.dataIter = nil
		return
	}

	it.dataBlock = dataBlock
	it.dataIter = dataBlock.NewIterator()
}
