// Package feed defines the append-only log the object store is built on and
// provides an in-memory implementation.
//
// A Feed never rewrites or removes a block once appended. Each Append call is
// one physical operation: either every block of the call is appended, in
// order and contiguously, or none is.
package feed

import (
	"context"
	"errors"
)

var (
	ErrOutOfRange  = errors.New("feed: offset out of range")
	ErrEmpty       = errors.New("feed: feed is empty")
	ErrNotWritable = errors.New("feed: feed is not writable")
	ErrClosed      = errors.New("feed: feed closed")
)

// Feed is the append-only log contract.
type Feed interface {
	// Ready blocks until the feed can serve requests.
	Ready(ctx context.Context) error
	// Len returns the current number of blocks.
	Len() uint64
	// Get returns the block at offset.
	Get(ctx context.Context, offset uint64) ([]byte, error)
	// Head returns the latest block.
	Head(ctx context.Context) ([]byte, error)
	// Append appends blocks in order as one physical write.
	Append(ctx context.Context, blocks ...[]byte) error
	// Writable reports whether Append is allowed.
	Writable() bool
}

// Updater is implemented by feeds that learn about blocks written elsewhere.
type Updater interface {
	// Update blocks until the feed holds at least minLength blocks.
	Update(ctx context.Context, minLength uint64) error
}

// Identifier is implemented by feeds with a public identity. It is only used
// to make diagnostics traceable to a feed.
type Identifier interface {
	Key() []byte
	DiscoveryKey() []byte
}

// Closer is a Feed that owns resources, such as a database handle.
type Closer interface {
	Feed
	Close() error
}
