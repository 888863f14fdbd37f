// This file implements TableProperties parsing: the table properties
// block carries summary statistics about an SST file (sizes, entry
// counts, the comparator and compression used to build it).
package table

import (
	"github.com/arkestra/lsmkv/internal/block"
	"github.com/arkestra/lsmkv/internal/encoding"
)

// Property name constants, as written to the properties block by
// TableBuilder.writePropertiesBlock.
const (
	PropDataSize      = "lsmkv.data.size"
	PropIndexSize     = "lsmkv.index.size"
	PropFilterSize    = "lsmkv.filter.size"
	PropRawKeySize    = "lsmkv.raw.key.size"
	PropRawValueSize  = "lsmkv.raw.value.size"
	PropNumDataBlocks = "lsmkv.num.data.blocks"
	PropNumEntries    = "lsmkv.num.entries"
	PropFilterPolicy  = "lsmkv.filter.policy"
	PropComparator    = "lsmkv.comparator"
	PropCompression   = "lsmkv.compression"
)

// TableProperties contains metadata about an SST file.
type TableProperties struct {
	DataSize      uint64
	IndexSize     uint64
	FilterSize    uint64
	RawKeySize    uint64
	RawValueSize  uint64
	NumDataBlocks uint64
	NumEntries    uint64

	FilterPolicyName string
	ComparatorName   string
	CompressionName  string

	// UserCollectedProperties holds any unrecognized key-value pair found
	// in the block, for forward compatibility.
	UserCollectedProperties map[string]string
}

// ParsePropertiesBlock parses a properties block into TableProperties.
func ParsePropertiesBlock(data []byte) (*TableProperties, error) {
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, err
	}

	props := &TableProperties{
		UserCollectedProperties: make(map[string]string),
	}

	iter := blk.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := iter.Value()

		if parseUint64Property(props, key, value) {
			continue
		}
		if parseStringProperty(props, key, value) {
			continue
		}
		props.UserCollectedProperties[key] = string(value)
	}

	return props, nil
}

func parseUint64Property(props *TableProperties, key string, value []byte) bool {
	var target *uint64

	switch key {
	case PropDataSize:
		target = &props.DataSize
	case PropIndexSize:
		target = &props.IndexSize
	case PropFilterSize:
		target = &props.FilterSize
	case PropRawKeySize:
		target = &props.RawKeySize
	case PropRawValueSize:
		target = &props.RawValueSize
	case PropNumDataBlocks:
		target = &props.NumDataBlocks
	case PropNumEntries:
		target = &props.NumEntries
	default:
		return false
	}

	v, _, err := encoding.DecodeVarint64(value)
	if err != nil {
		return false
	}
	*target = v
	return true
}

func parseStringProperty(props *TableProperties, key string, value []byte) bool {
	switch key {
	case PropFilterPolicy:
		props.FilterPolicyName = string(value)
	case PropComparator:
		props.ComparatorName = string(value)
	case PropCompression:
		props.CompressionName = string(value)
	default:
		return false
	}
	return true
}
