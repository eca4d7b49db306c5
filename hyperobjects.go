/*
Package hyperobjects provides transactional, randomly addressable objects on
top of an append-only feed. Objects are identified by small integers; every
commit appends a new version of a copy-on-write trie index plus a transaction
marker, and nothing already in the feed is ever rewritten.
*/
package hyperobjects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/i5heu/hyperobjects/internal/serialfeed"
	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/blockstorage"
	"github.com/i5heu/hyperobjects/pkg/codec"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/merge"
	"github.com/i5heu/hyperobjects/pkg/transaction"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/errs"
)

var (
	ErrNotStarted = errors.New("hyperobjects: database not started")
	ErrClosed     = errors.New("hyperobjects: database closed")
)

// DB is the database handle. It owns the serialized feed and the block
// storage built on it.
type DB struct {
	log    *logrus.Logger
	config Config
	codec  codec.Codec

	raw     feed.Feed
	feed    *serialfeed.Feed
	storage *blockstorage.Storage

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// New constructs a database on f. New performs no I/O; call Start before
// opening transactions.
func New(f feed.Feed, conf Config) (*DB, error) {
	if f == nil {
		return nil, errors.New("hyperobjects: feed must not be nil")
	}
	if err := conf.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config: %w", err)
	}
	c, err := codec.Lookup(conf.ValueEncoding)
	if err != nil {
		return nil, err
	}

	sf := serialfeed.New(f, serialfeed.Config{Logger: conf.Logger})
	return &DB{
		log:    conf.Logger,
		config: conf,
		codec:  c,
		raw:    f,
		feed:   sf,
		storage: blockstorage.New(sf, blockstorage.Config{
			OnWrite: conf.OnWrite,
			OnRead:  conf.OnRead,
			Logger:  conf.Logger,
		}),
	}, nil
}

// Open is New followed by Start.
func Open(ctx context.Context, f feed.Feed, conf Config) (*DB, error) {
	db, err := New(f, conf)
	if err != nil {
		return nil, err
	}
	if err := db.Start(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Start waits for the feed and writes the header and the empty root if the
// feed is new. Only the first call has effect.
func (db *DB) Start(ctx context.Context) error {
	db.startOnce.Do(func() {
		if err := db.storage.Ready(ctx); err != nil {
			db.startErr = fmt.Errorf("error preparing feed: %w", err)
			return
		}
		db.started.Store(true)
		db.log.WithFields(logrus.Fields{"valueEncoding": db.codec.Name()}).Info("hyperobjects started")
	})
	return db.startErr
}

func (db *DB) ready() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if !db.started.Load() {
		return ErrNotStarted
	}
	return nil
}

type txOptions struct {
	factory merge.Factory
	codec   codec.Codec
	err     error
}

// TxOption adjusts a single transaction.
type TxOption func(*txOptions)

// WithMergeHandler overrides the configured merge handler.
func WithMergeHandler(factory merge.Factory) TxOption {
	return func(o *txOptions) { o.factory = factory }
}

// WithValueEncoding overrides the configured codec by name.
func WithValueEncoding(name string) TxOption {
	return func(o *txOptions) {
		o.codec, o.err = codec.Lookup(name)
	}
}

// Begin opens a transaction on the latest committed state.
func (db *DB) Begin(ctx context.Context, opts ...TxOption) (*transaction.Transaction, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	o := txOptions{factory: db.config.MergeHandler, codec: db.codec}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	return transaction.New(ctx, db.storage, blockstorage.Latest, transaction.Config{
		Codec:        o.codec,
		MergeHandler: o.factory(db.storage, db.log),
		DiffWorkers:  db.config.DiffWorkers,
		Logger:       db.log,
	})
}

// Transaction runs fn in a new transaction and commits it when fn returns
// nil. When fn fails the transaction is rolled back and fn's error returned.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context, tx *transaction.Transaction) error, opts ...TxOption) error {
	tx, err := db.Begin(ctx, opts...)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// Header returns the header written at offset 0 of the feed.
func (db *DB) Header(ctx context.Context) (blocks.Header, error) {
	if err := db.ready(); err != nil {
		return blocks.Header{}, err
	}
	buf, err := db.feed.Get(ctx, 0)
	if err != nil {
		return blocks.Header{}, err
	}
	h, err := blocks.DecodeHeader(buf)
	if err != nil {
		return blocks.Header{}, fmt.Errorf("error decoding header: %w", err)
	}
	return h, nil
}

// Storage exposes the block storage, mainly for tooling and tests.
func (db *DB) Storage() *blockstorage.Storage { return db.storage }

// Close closes the feed if the database owns resources through it. Close is
// idempotent.
func (db *DB) Close() error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		var group errs.Group
		if c, ok := db.raw.(feed.Closer); ok {
			group.Add(c.Close())
		}
		closeErr = group.Err()
		db.log.Info("hyperobjects closed")
	})
	return closeErr
}
