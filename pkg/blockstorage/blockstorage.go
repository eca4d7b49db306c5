// Package blockstorage maps object ids to feed offsets through a
// copy-on-write 8-way trie stored in the feed itself.
//
// A bucket address is id >> 3 and the slot inside the bucket is id & 7. The
// root has address 0. Children of a node with address a > 0 have the
// addresses a*8+slot; the root numbers its child slots from address 1, so
// root slot s holds address s+1. Nodes are never rewritten: every update
// writes a fresh path from each modified leaf up to a new root, followed by a
// transaction marker, in one append.
package blockstorage

import (
	"context"
	"fmt"
	"sort"

	"github.com/i5heu/hyperobjects/internal/serialfeed"
	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/transform"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/sirupsen/logrus"
)

// Latest resolves a lookup against the most recent committed root.
const Latest = ^uint64(0)

type Config struct {
	// OnWrite is applied to every data block right before it is written,
	// OnRead right after it is read. Both receive the block's offset.
	OnWrite transform.Func
	OnRead  transform.Func
	Logger  *logrus.Logger
}

type Storage struct {
	feed    *serialfeed.Feed
	onWrite transform.Func
	onRead  transform.Func
	log     *logrus.Logger
}

// Entry is one data block of a batch append. Transform runs before the
// storage-wide OnWrite hook.
type Entry struct {
	Data      []byte
	Transform transform.Func
}

func New(feed *serialfeed.Feed, config Config) *Storage {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Storage{
		feed:    feed,
		onWrite: config.OnWrite,
		onRead:  config.OnRead,
		log:     config.Logger,
	}
}

// Feed returns the serialized feed the storage writes to.
func (s *Storage) Feed() *serialfeed.Feed { return s.feed }

// Ready prepares the feed for use. A feed holding nothing but the header gets
// an empty root and the first transaction marker, written contiguously.
func (s *Storage) Ready(ctx context.Context) error {
	if err := s.feed.Ready(ctx); err != nil {
		return err
	}
	if !s.feed.Writable() {
		return nil
	}
	return s.feed.CriticalSection(ctx, func(ctx context.Context, key *serialfeed.LockKey) error {
		length, err := s.feed.Length(ctx)
		if err != nil {
			return err
		}
		if length != 1 {
			return nil
		}
		root := blocks.EncodeIndexNode(blocks.NewIndexNode(0))
		marker := blocks.EncodeMarker(blocks.NewMarker(1, 0))
		if err := s.feed.Append(ctx, key, root, marker); err != nil {
			return fmt.Errorf("error writing initial root: %w", err)
		}
		s.log.Info("initialized empty object index")
		return nil
	})
}

// CriticalSection exposes the feed's exclusive lock to merge handlers.
func (s *Storage) CriticalSection(ctx context.Context, fn func(ctx context.Context, key *serialfeed.LockKey) error) error {
	return s.feed.CriticalSection(ctx, fn)
}

// GetObjectIndex returns the offset of the data block holding id at head.
func (s *Storage) GetObjectIndex(ctx context.Context, id types.ObjectID, head uint64) (types.Offset, error) {
	node, err := s.GetIndexNodeForObjectID(ctx, id, head)
	if err != nil {
		return 0, err
	}
	offset := node.Content[id&blocks.BucketMask]
	if offset == types.NoOffset {
		return 0, types.NewObjectNotFoundError(id, head)
	}
	return offset, nil
}

// GetIndexNodeForObjectID returns the leaf covering id at head.
func (s *Storage) GetIndexNodeForObjectID(ctx context.Context, id types.ObjectID, head uint64) (*blocks.IndexNode, error) {
	return s.GetIndexNode(ctx, id>>blocks.BucketWidth, head)
}

// GetIndexNode descends from the root at head to the node with address
// prefix. Absent regions of the trie yield an empty node for that address.
func (s *Storage) GetIndexNode(ctx context.Context, prefix uint64, head uint64) (*blocks.IndexNode, error) {
	node, err := s.root(ctx, head)
	if err != nil {
		return nil, err
	}
	if prefix == 0 {
		return node, nil
	}
	for _, slot := range nodePath(prefix) {
		child := node.Children[slot]
		if child == types.NoOffset {
			return blocks.NewIndexNode(prefix), nil
		}
		if node, err = s.fetchNode(ctx, child); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// GetObjectAtIndex reads the data block at offset and applies the read hooks.
func (s *Storage) GetObjectAtIndex(ctx context.Context, offset types.Offset, onRead transform.Func) ([]byte, error) {
	blk, err := s.fetch(ctx, offset)
	if err != nil {
		return nil, err
	}
	if blk.Kind != blocks.KindData {
		return nil, types.ErrInvalidType.New("block #%d is not a dataBlock, but a %s", offset, blk.Kind)
	}
	data := blk.Data
	for _, fn := range []transform.Func{s.onRead, onRead} {
		if fn == nil {
			continue
		}
		if data, err = fn(offset, data); err != nil {
			return nil, fmt.Errorf("error transforming block %d on read: %w", offset, err)
		}
	}
	return data, nil
}

// AppendObject writes one data block and returns its offset.
func (s *Storage) AppendObject(ctx context.Context, data []byte, onWrite transform.Func) (types.Offset, error) {
	offsets, err := s.AppendObjectBatch(ctx, []Entry{{Data: data, Transform: onWrite}})
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// AppendObjectBatch writes the entries as consecutive data blocks inside one
// critical section and returns their offsets in order.
func (s *Storage) AppendObjectBatch(ctx context.Context, entries []Entry) ([]types.Offset, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	offsets := make([]types.Offset, len(entries))
	err := s.feed.CriticalSection(ctx, func(ctx context.Context, key *serialfeed.LockKey) error {
		ctr, err := s.feed.Length(ctx)
		if err != nil {
			return err
		}
		batch := make([][]byte, len(entries))
		for i, e := range entries {
			data := e.Data
			for _, fn := range []transform.Func{e.Transform, s.onWrite} {
				if fn == nil {
					continue
				}
				if data, err = fn(ctr, data); err != nil {
					return fmt.Errorf("error transforming block %d on write: %w", ctr, err)
				}
			}
			batch[i] = blocks.EncodeData(data)
			offsets[i] = ctr
			ctr++
		}
		return s.feed.Append(ctx, key, batch...)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"blocks": len(entries), "offset": offsets[0]}).Debug("appended data blocks")
	return offsets, nil
}

// SaveChanges writes a new version of the trie in which every change is
// applied on top of the state at head, followed by a marker numbered after
// last. The caller must hold the critical section identified by key.
//
// Touched nodes live in a map scoped to this call. They are written highest
// address first; each written node patches its parent, which is then queued
// itself, so the root is always the last node of the batch.
func (s *Storage) SaveChanges(ctx context.Context, changes []types.Change, last blocks.Marker, head uint64, key *serialfeed.LockKey) error {
	nodes := make(map[uint64]*blocks.IndexNode)
	var queue []uint64
	objectCtr := last.ObjectCtr

	touch := func(addr uint64) (*blocks.IndexNode, error) {
		if n, ok := nodes[addr]; ok {
			return n, nil
		}
		n, err := s.GetIndexNode(ctx, addr, head)
		if err != nil {
			return nil, err
		}
		// copy so the version read at head is never modified
		cp := *n
		nodes[addr] = &cp
		queue = append(queue, addr)
		return &cp, nil
	}

	// without changes the root is still rewritten, so the marker follows one
	if len(changes) == 0 {
		if _, err := touch(0); err != nil {
			return err
		}
	}
	for _, c := range changes {
		node, err := touch(c.ID >> blocks.BucketWidth)
		if err != nil {
			return err
		}
		node.Content[c.ID&blocks.BucketMask] = c.Offset
		if c.ID+1 > objectCtr {
			objectCtr = c.ID + 1
		}
	}

	ctr, err := s.feed.Length(ctx)
	if err != nil {
		return err
	}

	var bulk [][]byte
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool { return queue[i] > queue[j] })
		addr := queue[0]
		queue = queue[1:]

		node := nodes[addr]
		node.Index = ctr
		ctr++
		bulk = append(bulk, blocks.EncodeIndexNode(node))

		if addr == 0 {
			continue
		}
		path := nodePath(addr)
		parent, err := touch(addr >> blocks.BucketWidth)
		if err != nil {
			return err
		}
		parent.Children[path[len(path)-1]] = node.Index
	}

	marker := blocks.NewMarker(last.SequenceNr+1, objectCtr)
	bulk = append(bulk, blocks.EncodeMarker(marker))
	if err := s.feed.Append(ctx, key, bulk...); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"sequenceNr": marker.SequenceNr,
		"objects":    len(changes),
		"blocks":     len(bulk),
		"offset":     ctr,
	}).Debug("saved changes")
	return nil
}

// FindMarker scans backwards from head-1 for the nearest transaction marker.
// Offset 0 holds the feed header and is never inspected.
func (s *Storage) FindMarker(ctx context.Context, head uint64) (blocks.Marker, types.Offset, error) {
	for offset := head; offset > 1; {
		offset--
		blk, err := s.fetch(ctx, offset)
		if err != nil {
			return blocks.Marker{}, 0, err
		}
		if blk.Kind == blocks.KindMarker {
			return *blk.Marker, offset, nil
		}
	}
	return blocks.Marker{}, 0, types.ErrInternal.New("no transaction marker found before offset %d", head)
}

// FindLatestMarker returns the marker defining the latest state.
func (s *Storage) FindLatestMarker(ctx context.Context) (blocks.Marker, types.Offset, error) {
	length, err := s.feed.Length(ctx)
	if err != nil {
		return blocks.Marker{}, 0, err
	}
	return s.FindMarker(ctx, length)
}

// root returns the root node in effect at head. Head may be any block: the
// search walks backwards to the nearest root node, or to the nearest marker,
// whose root is the block right before it.
func (s *Storage) root(ctx context.Context, head uint64) (*blocks.IndexNode, error) {
	if head == Latest {
		_, offset, err := s.FindLatestMarker(ctx)
		if err != nil {
			return nil, err
		}
		head = offset - 1
	}
	for offset := head; offset > 0; offset-- {
		blk, err := s.fetch(ctx, offset)
		if err != nil {
			return nil, err
		}
		switch {
		case blk.Kind == blocks.KindMarker:
			return s.fetchNode(ctx, offset-1)
		case blk.Kind == blocks.KindIndexNode && blk.Node.ID == 0:
			blk.Node.Index = offset
			return blk.Node, nil
		}
	}
	return nil, types.ErrInternal.New("no root node found at or before offset %d", head)
}

func (s *Storage) fetchNode(ctx context.Context, offset uint64) (*blocks.IndexNode, error) {
	blk, err := s.fetch(ctx, offset)
	if err != nil {
		return nil, err
	}
	if blk.Kind != blocks.KindIndexNode {
		return nil, types.ErrInvalidType.New("block #%d is not an indexNode block, but a %s", offset, blk.Kind)
	}
	blk.Node.Index = offset
	return blk.Node, nil
}

func (s *Storage) fetch(ctx context.Context, offset uint64) (blocks.Block, error) {
	buf, err := s.feed.Get(ctx, offset)
	if err != nil {
		return blocks.Block{}, err
	}
	blk, err := blocks.Decode(buf)
	if err != nil {
		return blocks.Block{}, types.NewDecodingError(offset, err)
	}
	return blk, nil
}

// nodePath returns the child slots leading from the root to addr.
func nodePath(addr uint64) []uint64 {
	var path []uint64
	for ; addr > 0; addr >>= blocks.BucketWidth {
		path = append(path, addr&blocks.BucketMask)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	path[0]--
	return path
}
