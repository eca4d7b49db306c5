// Package merge decides how a committing transaction is combined with the
// commits that landed after its snapshot, and persists the result.
package merge

import (
	"context"

	"github.com/i5heu/hyperobjects/internal/serialfeed"
	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/sirupsen/logrus"
)

// Changes describes what other transactions committed after the snapshot.
type Changes struct {
	Diff   []types.Change
	Marker blocks.Marker // latest marker
	Head   types.Offset  // offset of the latest marker
}

// Created is an object created by the committing transaction. Offset is the
// data block holding its value, or NoOffset for an empty object.
type Created struct {
	Offset types.Offset
	Ref    *ObjectRef
}

// Diff is the committing transaction's own work. Changed holds sets and
// deletions in call order; deletions have NoOffset and are also listed in
// Deleted.
type Diff struct {
	Created []*Created
	Changed []types.Change
	Deleted []types.ObjectID
	Marker  blocks.Marker // snapshot marker
}

// Store is the part of block storage a handler persists through.
type Store interface {
	CriticalSection(ctx context.Context, fn func(ctx context.Context, key *serialfeed.LockKey) error) error
	FindLatestMarker(ctx context.Context) (blocks.Marker, types.Offset, error)
	SaveChanges(ctx context.Context, changes []types.Change, last blocks.Marker, head uint64, key *serialfeed.LockKey) error
}

// Handler merges a transaction into the latest state. An implementation
// must persist the merged changes itself and must not return nil while any
// created object is left unresolved.
type Handler interface {
	Merge(ctx context.Context, latest Changes, current Diff, collisions []types.Collision) error
}

// Factory builds a handler bound to a store.
type Factory func(store Store, log *logrus.Logger) Handler

// Simple refuses every collision and otherwise applies both diffs.
type Simple struct {
	store Store
	log   *logrus.Logger
}

var _ Handler = (*Simple)(nil)

func NewSimple(store Store, log *logrus.Logger) Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Simple{store: store, log: log}
}

func (h *Simple) Merge(ctx context.Context, latest Changes, current Diff, collisions []types.Collision) error {
	if len(collisions) > 0 {
		return types.NewCollisionError(collisions)
	}

	changes := make([]types.Change, 0, len(latest.Diff)+len(current.Changed)+len(current.Created))
	changes = append(changes, latest.Diff...)
	changes = append(changes, current.Changed...)

	return h.store.CriticalSection(ctx, func(ctx context.Context, key *serialfeed.LockKey) error {
		_, head, err := h.store.FindLatestMarker(ctx)
		if err != nil {
			return err
		}
		if head != latest.Head {
			// another commit landed between the diff and the lock; its
			// changes are not part of latest.Diff
			return types.NewStaleError(latest.Head, head)
		}

		ctr := latest.Marker.ObjectCtr
		if current.Marker.ObjectCtr > ctr {
			ctr = current.Marker.ObjectCtr
		}
		// a set beyond the counter reserves that id as well
		for _, c := range current.Changed {
			if c.ID >= ctr {
				ctr = c.ID + 1
			}
		}
		ids := make([]types.ObjectID, len(current.Created))
		for i, c := range current.Created {
			ids[i] = ctr
			changes = append(changes, types.Change{ID: ctr, Offset: c.Offset})
			ctr++
		}

		if err := h.store.SaveChanges(ctx, changes, latest.Marker, latest.Head-1, key); err != nil {
			return err
		}
		for i, c := range current.Created {
			if err := c.Ref.Resolve(ids[i]); err != nil {
				return types.ErrInternal.Wrap(err)
			}
		}
		h.log.WithFields(logrus.Fields{
			"sequenceNr": latest.Marker.SequenceNr + 1,
			"created":    len(current.Created),
			"changed":    len(current.Changed),
			"external":   len(latest.Diff),
		}).Debug("merged transaction")
		return nil
	})
}
