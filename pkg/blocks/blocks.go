// Package blocks implements the wire format of the feed: a length-prefixed,
// tag-based encoding compatible with protocol buffers. A block holds exactly
// one of an index node, a data block or a transaction marker. The feed header
// at offset 0 uses its own top-level message.
package blocks

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Trie geometry: every index node covers 2^BucketWidth slots.
const (
	BucketWidth = 3
	BucketSize  = 1 << BucketWidth
	BucketMask  = BucketSize - 1
)

// Block field numbers (oneof content).
const (
	fieldBlockMarker    protowire.Number = 1
	fieldBlockIndexNode protowire.Number = 2
	fieldBlockData      protowire.Number = 3
)

// IndexNode field numbers.
const (
	fieldNodeID       protowire.Number = 1
	fieldNodeChildren protowire.Number = 2
	fieldNodeContent  protowire.Number = 3
)

// TransactionMarker field numbers.
const (
	fieldMarkerSequenceNr protowire.Number = 1
	fieldMarkerTimestamp  protowire.Number = 2
	fieldMarkerObjectCtr  protowire.Number = 3
)

// Header field numbers.
const (
	fieldHeaderDataStructureType protowire.Number = 1
	fieldHeaderExtension         protowire.Number = 2
)

var (
	errEmptyBlock  = errors.New("block carries no content")
	errTooManySlot = fmt.Errorf("more than %d slots in repeated field", BucketSize)
)

// Kind tells which of the three block variants a block holds.
type Kind int

const (
	KindUnknown Kind = iota
	KindMarker
	KindIndexNode
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindMarker:
		return "marker"
	case KindIndexNode:
		return "indexNode"
	case KindData:
		return "dataBlock"
	}
	return "unknown"
}

// IndexNode is one node of the 8-way trie. ID is the bucket address the node
// represents. Children and Content hold feed offsets, zero meaning absent.
type IndexNode struct {
	ID       uint64
	Children [BucketSize]uint64
	Content  [BucketSize]uint64

	// Index is the offset the node was read from or is about to be written
	// to. It is not part of the encoding.
	Index uint64
}

// NewIndexNode returns an empty node for the bucket address id.
func NewIndexNode(id uint64) *IndexNode {
	return &IndexNode{ID: id}
}

// Marker ends a transaction. ObjectCtr is one past the highest object id
// known to exist when the marker was written.
type Marker struct {
	SequenceNr uint64
	ObjectCtr  uint64
	Timestamp  uint64
}

// NewMarker stamps a marker with the current time in milliseconds.
func NewMarker(sequenceNr, objectCtr uint64) Marker {
	return Marker{
		SequenceNr: sequenceNr,
		ObjectCtr:  objectCtr,
		Timestamp:  uint64(time.Now().UnixMilli()),
	}
}

// Block is a decoded feed block. Exactly one of Marker, Node and Data is set,
// according to Kind. Data aliases the buffer passed to Decode.
type Block struct {
	Kind   Kind
	Marker *Marker
	Node   *IndexNode
	Data   []byte
}

// Header is the first block of a feed written by this store.
type Header struct {
	DataStructureType string
	Extension         []byte
}

// EncodeIndexNode encodes n as a block. All slots are written, including the
// empty ones, so slot positions survive the round trip.
func EncodeIndexNode(n *IndexNode) []byte {
	return protowire.AppendBytes(
		protowire.AppendTag(nil, fieldBlockIndexNode, protowire.BytesType),
		encodeNode(n),
	)
}

// EncodeData wraps an opaque payload as a data block.
func EncodeData(data []byte) []byte {
	b := protowire.AppendTag(make([]byte, 0, len(data)+protowire.SizeVarint(uint64(len(data)))+1),
		fieldBlockData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// EncodeMarker encodes m as a block.
func EncodeMarker(m Marker) []byte {
	return protowire.AppendBytes(
		protowire.AppendTag(nil, fieldBlockMarker, protowire.BytesType),
		encodeMarker(m),
	)
}

// EncodeHeader encodes the feed header message.
func EncodeHeader(h Header) []byte {
	b := protowire.AppendTag(nil, fieldHeaderDataStructureType, protowire.BytesType)
	b = protowire.AppendString(b, h.DataStructureType)
	if h.Extension != nil {
		b = protowire.AppendTag(b, fieldHeaderExtension, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Extension)
	}
	return b
}

func encodeNode(n *IndexNode) []byte {
	b := protowire.AppendTag(nil, fieldNodeID, protowire.VarintType)
	b = protowire.AppendVarint(b, n.ID)
	for _, c := range n.Children {
		b = protowire.AppendTag(b, fieldNodeChildren, protowire.VarintType)
		b = protowire.AppendVarint(b, c)
	}
	for _, c := range n.Content {
		b = protowire.AppendTag(b, fieldNodeContent, protowire.VarintType)
		b = protowire.AppendVarint(b, c)
	}
	return b
}

func encodeMarker(m Marker) []byte {
	b := protowire.AppendTag(nil, fieldMarkerSequenceNr, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SequenceNr)
	b = protowire.AppendTag(b, fieldMarkerTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Timestamp)
	b = protowire.AppendTag(b, fieldMarkerObjectCtr, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ObjectCtr)
	return b
}

// Decode parses a block. When several content fields are present the last
// one wins, as protobuf oneof semantics require. Unknown fields are skipped.
func Decode(buf []byte) (Block, error) {
	var blk Block
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Block{}, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == fieldBlockMarker && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Block{}, protowire.ParseError(n)
			}
			m, err := decodeMarker(v)
			if err != nil {
				return Block{}, fmt.Errorf("marker: %w", err)
			}
			blk = Block{Kind: KindMarker, Marker: &m}
			buf = buf[n:]
		case num == fieldBlockIndexNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Block{}, protowire.ParseError(n)
			}
			node, err := decodeNode(v)
			if err != nil {
				return Block{}, fmt.Errorf("index node: %w", err)
			}
			blk = Block{Kind: KindIndexNode, Node: node}
			buf = buf[n:]
		case num == fieldBlockData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Block{}, protowire.ParseError(n)
			}
			blk = Block{Kind: KindData, Data: v}
			buf = buf[n:]
		default:
			if num <= fieldBlockData && num >= fieldBlockMarker {
				return Block{}, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Block{}, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	if blk.Kind == KindUnknown {
		return Block{}, errEmptyBlock
	}
	return blk, nil
}

func decodeNode(buf []byte) (*IndexNode, error) {
	node := &IndexNode{}
	var (
		foundID   bool
		nChildren int
		nContent  int
	)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch num {
		case fieldNodeID:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("id: unexpected wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			node.ID = v
			foundID = true
			buf = buf[n:]
		case fieldNodeChildren, fieldNodeContent:
			dst, ctr := &node.Children, &nChildren
			if num == fieldNodeContent {
				dst, ctr = &node.Content, &nContent
			}
			vals, n, err := consumeRepeatedVarint(typ, buf)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				if *ctr >= BucketSize {
					return nil, errTooManySlot
				}
				dst[*ctr] = v
				*ctr++
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	if !foundID {
		return nil, errors.New("id is required")
	}
	return node, nil
}

// consumeRepeatedVarint accepts both the unpacked form this package writes
// and the packed form other protobuf encoders may emit.
func consumeRepeatedVarint(typ protowire.Type, buf []byte) ([]uint64, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return []uint64{v}, n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		var vals []uint64
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, 0, protowire.ParseError(m)
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, n, nil
	}
	return nil, 0, fmt.Errorf("repeated varint: unexpected wire type %d", typ)
}

func decodeMarker(buf []byte) (Marker, error) {
	var (
		m     Marker
		found bool
	)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Marker{}, protowire.ParseError(n)
		}
		buf = buf[n:]

		if typ == protowire.VarintType && num >= fieldMarkerSequenceNr && num <= fieldMarkerObjectCtr {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Marker{}, protowire.ParseError(n)
			}
			switch num {
			case fieldMarkerSequenceNr:
				m.SequenceNr = v
				found = true
			case fieldMarkerTimestamp:
				m.Timestamp = v
			case fieldMarkerObjectCtr:
				m.ObjectCtr = v
			}
			buf = buf[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return Marker{}, protowire.ParseError(n)
		}
		buf = buf[n:]
	}
	if !found {
		return Marker{}, errors.New("sequenceNr is required")
	}
	return m, nil
}

// DecodeHeader parses the feed header written at offset 0.
func DecodeHeader(buf []byte) (Header, error) {
	var (
		h     Header
		found bool
	)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Header{}, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == fieldHeaderDataStructureType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return Header{}, protowire.ParseError(n)
			}
			h.DataStructureType = v
			found = true
			buf = buf[n:]
		case num == fieldHeaderExtension && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Header{}, protowire.ParseError(n)
			}
			h.Extension = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Header{}, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	if !found {
		return Header{}, errors.New("dataStructureType is required")
	}
	return h, nil
}
