// Package transaction implements snapshot-isolated units of work over the
// object index. Reads resolve against the root written right before the
// snapshot marker; writes are buffered until Commit, which diffs the
// snapshot against the latest state and hands both sides to a merge handler.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/blockstorage"
	"github.com/i5heu/hyperobjects/pkg/codec"
	"github.com/i5heu/hyperobjects/pkg/merge"
	"github.com/i5heu/hyperobjects/pkg/transform"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultDiffWorkers = 8

type State int

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	Codec codec.Codec
	// MergeHandler defaults to merge.NewSimple on the transaction's storage.
	MergeHandler merge.Handler
	// DiffWorkers bounds the parallel reads of the commit-time diff.
	DiffWorkers int
	Logger      *logrus.Logger
}

func (c *Config) checkConfig(store *blockstorage.Storage) {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Codec == nil {
		c.Codec = codec.Binary{}
	}
	if c.MergeHandler == nil {
		c.MergeHandler = merge.NewSimple(store, c.Logger)
	}
	if c.DiffWorkers <= 0 {
		c.DiffWorkers = DefaultDiffWorkers
	}
}

// entry is a buffered or flushed value. An entry is buffered until its data
// block has been written.
type entry struct {
	id        types.ObjectID
	offset    types.Offset
	value     []byte
	transform transform.Func
	buffered  bool
	ref       *merge.ObjectRef
}

type Transaction struct {
	store   *blockstorage.Storage
	codec   codec.Codec
	handler merge.Handler
	workers int
	log     *logrus.Logger

	mu      sync.Mutex
	marker  blocks.Marker
	head    types.Offset // offset of the snapshot marker
	state   State
	created []*entry
	changed []*entry
	deleted []types.ObjectID
}

// New opens a transaction on the state defined by the nearest marker before
// head. Pass blockstorage.Latest to start from the current feed length.
func New(ctx context.Context, store *blockstorage.Storage, head uint64, config Config) (*Transaction, error) {
	config.checkConfig(store)

	t := &Transaction{
		store:   store,
		codec:   config.Codec,
		handler: config.MergeHandler,
		workers: config.DiffWorkers,
		log:     config.Logger,
	}

	var err error
	if head == blockstorage.Latest {
		t.marker, t.head, err = store.FindLatestMarker(ctx)
	} else {
		t.marker, t.head, err = store.FindMarker(ctx, head)
	}
	if err != nil {
		return nil, fmt.Errorf("error locating snapshot: %w", err)
	}
	return t, nil
}

type writeOptions struct {
	immediate bool
	transform transform.Func
}

type WriteOption func(*writeOptions)

// Immediate writes the value's data block right away instead of at commit.
func Immediate() WriteOption {
	return func(o *writeOptions) { o.immediate = true }
}

// WithTransform applies fn to the value's data block before the
// storage-wide write hook.
func WithTransform(fn transform.Func) WriteOption {
	return func(o *writeOptions) { o.transform = fn }
}

// Create stages a new object. Its id is assigned when the transaction
// commits and is delivered through the returned reference. A nil value
// creates an object without a data block.
func (t *Transaction) Create(ctx context.Context, value any, opts ...WriteOption) (*merge.ObjectRef, error) {
	e := &entry{ref: merge.NewObjectRef()}
	if value != nil {
		if err := t.prepare(ctx, e, value, opts); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	t.created = append(t.created, e)
	t.mu.Unlock()
	return e.ref, nil
}

// Set stages a new value for an existing object.
func (t *Transaction) Set(ctx context.Context, id types.ObjectID, value any, opts ...WriteOption) error {
	e := &entry{id: id}
	if err := t.prepare(ctx, e, value, opts); err != nil {
		return err
	}

	t.mu.Lock()
	t.changed = append(t.changed, e)
	t.mu.Unlock()
	return nil
}

// Delete stages the removal of id. Reads of a deleted id fail with
// types.ErrObjectNotFound in later transactions.
func (t *Transaction) Delete(ctx context.Context, id types.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.changed = append(t.changed, &entry{id: id})
	t.deleted = append(t.deleted, id)
	t.mu.Unlock()
	return nil
}

func (t *Transaction) prepare(ctx context.Context, e *entry, value any, opts []WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := t.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("error encoding value with %s: %w", t.codec.Name(), err)
	}
	if !o.immediate {
		e.value, e.transform, e.buffered = data, o.transform, true
		return nil
	}
	e.offset, err = t.store.AppendObject(ctx, data, o.transform)
	return err
}

// Get returns the value of id as of the snapshot. It never observes buffered
// writes or commits that landed after the snapshot. An id without a value
// fails with types.ErrObjectNotFound.
func (t *Transaction) Get(ctx context.Context, id types.ObjectID, onRead transform.Func) (any, error) {
	t.mu.Lock()
	root := t.head - 1
	t.mu.Unlock()

	offset, err := t.store.GetObjectIndex(ctx, id, root)
	if err != nil {
		return nil, err
	}
	data, err := t.store.GetObjectAtIndex(ctx, offset, onRead)
	if err != nil {
		return nil, err
	}
	v, err := t.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding object %d with %s: %w", id, t.codec.Name(), err)
	}
	return v, nil
}

// Rollback discards every staged change. Blocks already written stay in the
// feed, unreferenced.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
	t.state = StateOpen
}

// Commit persists the staged changes. Without staged changes it does
// nothing. On success the buffers are cleared and the transaction is
// re-anchored on the new latest state; on failure the buffers are kept.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.created)+len(t.changed)+len(t.deleted) == 0 {
		return nil
	}

	t.state = StateCommitting
	if err := t.commit(ctx); err != nil {
		t.state = StateFailed
		t.log.WithFields(logrus.Fields{
			"head":       t.head,
			"collisions": len(types.Collisions(err)),
		}).Warnf("commit failed: %v", err)
		return err
	}
	created, changed := len(t.created), len(t.changed)
	t.clear()
	t.state = StateCommitted

	marker, head, err := t.store.FindLatestMarker(ctx)
	if err != nil {
		return fmt.Errorf("error re-anchoring transaction: %w", err)
	}
	t.marker, t.head = marker, head
	t.log.WithFields(logrus.Fields{
		"sequenceNr": marker.SequenceNr,
		"head":       head,
		"created":    created,
		"changed":    changed,
	}).Info("committed transaction")
	return nil
}

func (t *Transaction) commit(ctx context.Context) error {
	if err := t.flush(ctx); err != nil {
		return err
	}

	latestMarker, latestHead, err := t.store.FindLatestMarker(ctx)
	if err != nil {
		return err
	}
	latest := merge.Changes{Marker: latestMarker, Head: latestHead}
	if latestHead > t.head {
		latest.Diff, err = t.diff(ctx, t.head-1, latestHead-1, latestMarker.ObjectCtr)
		if err != nil {
			return err
		}
	}

	own := merge.Diff{Marker: t.marker, Deleted: append([]types.ObjectID(nil), t.deleted...)}
	ownOffsets := make(map[types.ObjectID]types.Offset, len(t.changed))
	for _, e := range t.changed {
		own.Changed = append(own.Changed, types.Change{ID: e.id, Offset: e.offset})
		ownOffsets[e.id] = e.offset
	}
	for _, e := range t.created {
		own.Created = append(own.Created, &merge.Created{Offset: e.offset, Ref: e.ref})
	}

	var collisions []types.Collision
	for _, c := range latest.Diff {
		if offset, ok := ownOffsets[c.ID]; ok {
			collisions = append(collisions, types.Collision{ID: c.ID, Own: offset, Concurrent: c.Offset})
		}
	}

	return t.handler.Merge(ctx, latest, own, collisions)
}

// flush writes every buffered value in one batch.
func (t *Transaction) flush(ctx context.Context) error {
	var pending []*entry
	for _, e := range t.created {
		if e.buffered {
			pending = append(pending, e)
		}
	}
	for _, e := range t.changed {
		if e.buffered {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]blockstorage.Entry, len(pending))
	for i, e := range pending {
		batch[i] = blockstorage.Entry{Data: e.value, Transform: e.transform}
	}
	offsets, err := t.store.AppendObjectBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("error flushing %d buffered objects: %w", len(pending), err)
	}
	for i, e := range pending {
		e.offset, e.value, e.transform, e.buffered = offsets[i], nil, nil, false
	}
	return nil
}

// diff compares the leaves of two roots bucket by bucket up to objectCtr and
// returns every slot whose offset differs, with the offset found in next.
func (t *Transaction) diff(ctx context.Context, prev, next uint64, objectCtr uint64) ([]types.Change, error) {
	buckets := (objectCtr + blocks.BucketMask) >> blocks.BucketWidth
	results := make([][]types.Change, buckets)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for b := uint64(0); b < buckets; b++ {
		b := b
		g.Go(func() error {
			id := b << blocks.BucketWidth
			oldNode, err := t.store.GetIndexNodeForObjectID(ctx, id, prev)
			if err != nil {
				return err
			}
			newNode, err := t.store.GetIndexNodeForObjectID(ctx, id, next)
			if err != nil {
				return err
			}
			if oldNode.Index == newNode.Index {
				return nil
			}
			for slot := 0; slot < blocks.BucketSize; slot++ {
				if oldNode.Content[slot] != newNode.Content[slot] {
					results[b] = append(results[b], types.Change{ID: id + uint64(slot), Offset: newNode.Content[slot]})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("error computing diff: %w", err)
	}

	var changes []types.Change
	for _, r := range results {
		changes = append(changes, r...)
	}
	return changes, nil
}

func (t *Transaction) clear() {
	t.created = nil
	t.changed = nil
	t.deleted = nil
}

// PreviousMarker returns the marker the transaction's snapshot is anchored on.
func (t *Transaction) PreviousMarker() blocks.Marker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marker
}

// PreviousMarkerOffset returns the feed offset of PreviousMarker.
func (t *Transaction) PreviousMarkerOffset() types.Offset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
