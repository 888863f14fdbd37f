// footer.go implements SST file footer parsing and encoding.
//
// The footer is a fixed 48-byte trailer containing handles to the
// metaindex and index blocks, plus a magic number identifying the file.
package block

import (
	"encoding/binary"
)

// TableMagicNumber identifies a valid SST file.
const TableMagicNumber uint64 = 0xdb4775248b80fb57

// MagicNumberLengthByte is the length of the magic number in bytes.
const MagicNumberLengthByte = 8

// BlockTrailerSize is the size of the trailer following every physical
// block: 1 byte compression type + 4 bytes CRC32C checksum.
const BlockTrailerSize = 5

// CompressionType represents the compression type used for a block.
type CompressionType uint8

const (
	// CompressionNone means no compression.
	CompressionNone CompressionType = 0
	// CompressionSnappy is Snappy compression.
	CompressionSnappy CompressionType = 1
	// CompressionZlib is Zlib compression.
	CompressionZlib CompressionType = 2
	// CompressionLZ4 is LZ4 compression.
	CompressionLZ4 CompressionType = 4
	// CompressionZstd is Zstd compression.
	CompressionZstd CompressionType = 7
)

// Type represents the type of block in an SST file, for trailer/checksum
// bookkeeping purposes.
type Type int

const (
	// TypeData is a data block containing key-value pairs.
	TypeData Type = iota
	// TypeIndex is the index block.
	TypeIndex
	// TypeMetaIndex is the metaindex block.
	TypeMetaIndex
	// TypeFilter is the filter block.
	TypeFilter
	// TypeProperties is the table properties block.
	TypeProperties
)

// EncodedFooterLength is the fixed on-disk size of a footer: two block
// handles (each up to MaxEncodedLength bytes), zero-padded, followed by
// the 8-byte magic number.
const EncodedFooterLength = 2*MaxEncodedLength + MagicNumberLengthByte

// Footer is the fixed-size trailer at the end of every SST file.
type Footer struct {
	MetaindexHandle Handle
	IndexHandle     Handle
}

// DecodeFooter decodes a footer from the trailing EncodedFooterLength bytes
// of an SST file. It verifies the magic number.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) < EncodedFooterLength {
		return nil, ErrBadBlockFooter
	}
	data = data[len(data)-EncodedFooterLength:]

	magicOffset := EncodedFooterLength - MagicNumberLengthByte
	magic := binary.LittleEndian.Uint64(data[magicOffset:])
	if magic != TableMagicNumber {
		return nil, ErrBadBlockFooter
	}

	footer := &Footer{}
	var err error
	var remaining []byte
	footer.MetaindexHandle, remaining, err = DecodeHandle(data)
	if err != nil {
		return nil, err
	}
	footer.IndexHandle, _, err = DecodeHandle(remaining)
	if err != nil {
		return nil, err
	}
	return footer, nil
}

// EncodeTo encodes the footer into its fixed 48-byte representation.
func (f *Footer) EncodeTo() []byte {
	buf := make([]byte, EncodedFooterLength)

	n := 0
	encoded := f.MetaindexHandle.EncodeTo(nil)
	n += copy(buf[n:], encoded)

	encoded = f.IndexHandle.EncodeTo(nil)
	n += copy(buf[n:], encoded)

	// Remaining bytes up to the magic number are zero padding (buf is
	// already zeroed by make).

	binary.LittleEndian.PutUint64(buf[EncodedFooterLength-MagicNumberLengthByte:], TableMagicNumber)

	return buf
}
