// Package inspect prints and checks the raw block structure of a feed.
package inspect

import (
	"context"
	"fmt"
	"io"

	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/zeebo/errs"
)

// Error is the class of every structural problem Verify reports.
var Error = errs.Class("feed verification")

// Dump writes one line per block.
func Dump(ctx context.Context, f feed.Feed, w io.Writer) error {
	n := f.Len()
	for offset := uint64(0); offset < n; offset++ {
		buf, err := f.Get(ctx, offset)
		if err != nil {
			return err
		}
		if offset == 0 {
			h, err := blocks.DecodeHeader(buf)
			if err != nil {
				fmt.Fprintf(w, "%6d header   <undecodable: %v>\n", offset, err)
				continue
			}
			fmt.Fprintf(w, "%6d header   dataStructureType=%q\n", offset, h.DataStructureType)
			continue
		}
		blk, err := blocks.Decode(buf)
		if err != nil {
			fmt.Fprintf(w, "%6d invalid  %v\n", offset, err)
			continue
		}
		switch blk.Kind {
		case blocks.KindMarker:
			fmt.Fprintf(w, "%6d marker   sequenceNr=%d objectCtr=%d timestamp=%d\n",
				offset, blk.Marker.SequenceNr, blk.Marker.ObjectCtr, blk.Marker.Timestamp)
		case blocks.KindIndexNode:
			fmt.Fprintf(w, "%6d node     id=%d children=%v content=%v\n",
				offset, blk.Node.ID, blk.Node.Children, blk.Node.Content)
		case blocks.KindData:
			fmt.Fprintf(w, "%6d data     %d bytes\n", offset, len(blk.Data))
		}
	}
	return nil
}

// Report summarizes a verified feed.
type Report struct {
	Blocks  uint64
	Markers int
	Nodes   int
	Data    int
}

// Verify checks that the feed starts with the object store header, that every
// block decodes, that marker sequence numbers strictly increase and that every
// marker directly follows a root node.
func Verify(ctx context.Context, f feed.Feed) (Report, error) {
	r := Report{Blocks: f.Len()}
	if r.Blocks == 0 {
		return r, Error.New("feed is empty")
	}

	buf, err := f.Get(ctx, 0)
	if err != nil {
		return r, err
	}
	h, err := blocks.DecodeHeader(buf)
	if err != nil {
		return r, Error.New("header: %v", err)
	}
	if h.DataStructureType != types.DataStructureType {
		return r, Error.New("header names data structure %q, want %q", h.DataStructureType, types.DataStructureType)
	}

	var (
		prev     blocks.Block
		lastSeq  uint64
		problems errs.Group
	)
	for offset := uint64(1); offset < r.Blocks; offset++ {
		buf, err := f.Get(ctx, offset)
		if err != nil {
			return r, err
		}
		blk, err := blocks.Decode(buf)
		if err != nil {
			problems.Add(Error.Wrap(types.NewDecodingError(offset, err)))
			prev = blocks.Block{}
			continue
		}
		switch blk.Kind {
		case blocks.KindMarker:
			r.Markers++
			if blk.Marker.SequenceNr <= lastSeq {
				problems.Add(Error.New("marker #%d has sequenceNr %d after %d", offset, blk.Marker.SequenceNr, lastSeq))
			}
			lastSeq = blk.Marker.SequenceNr
			if prev.Kind != blocks.KindIndexNode || prev.Node.ID != 0 {
				problems.Add(Error.New("marker #%d does not follow a root node", offset))
			}
		case blocks.KindIndexNode:
			r.Nodes++
		case blocks.KindData:
			r.Data++
		}
		prev = blk
	}
	return r, problems.Err()
}
