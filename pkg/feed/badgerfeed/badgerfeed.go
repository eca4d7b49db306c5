// Package badgerfeed stores a feed in a badger database. Blocks are keyed by
// their big-endian offset, and the length is updated in the same badger
// transaction as the blocks, so a multi-block append is atomic.
package badgerfeed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/sirupsen/logrus"
)

var (
	blockPrefix = []byte("b/")
	lengthKey   = []byte("m/length")
	identityKey = []byte("m/key")
)

type Config struct {
	Path          string
	MinimumFreeGB int
	SyncWrites    bool
	Logger        *logrus.Logger
}

type Feed struct {
	config Config
	log    *logrus.Logger
	db     *badger.DB

	mu     sync.RWMutex
	length uint64
	grown  chan struct{}
	key    uuid.UUID
}

var (
	_ feed.Feed       = (*Feed)(nil)
	_ feed.Updater    = (*Feed)(nil)
	_ feed.Identifier = (*Feed)(nil)
)

func New(config Config) (*Feed, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for badger feed: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB per value log file
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Path, err)
	}

	f := &Feed{config: config, log: config.Logger, db: db, grown: make(chan struct{})}
	if err := f.load(); err != nil {
		db.Close()
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"path":   config.Path,
		"length": f.length,
		"key":    f.key.String(),
	}).Info("opened badger feed")
	return f, nil
}

func (f *Feed) load() error {
	return f.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lengthKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			f.length = 0
		case err != nil:
			return fmt.Errorf("error reading feed length: %w", err)
		default:
			if err := item.Value(func(v []byte) error {
				f.length = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		}

		item, err = txn.Get(identityKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			f.key = uuid.New()
			return txn.Set(identityKey, f.key[:])
		}
		if err != nil {
			return fmt.Errorf("error reading feed key: %w", err)
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		f.key, err = uuid.FromBytes(raw)
		return err
	})
}

func blockKey(offset uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], offset)
	return k
}

func (f *Feed) Ready(ctx context.Context) error { return ctx.Err() }

func (f *Feed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length
}

func (f *Feed) Writable() bool { return true }

func (f *Feed) Get(ctx context.Context, offset uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset >= f.Len() {
		return nil, fmt.Errorf("get %d: %w", offset, feed.ErrOutOfRange)
	}
	var block []byte
	err := f.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(offset))
		if err != nil {
			return err
		}
		block, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, feed.ErrClosed
		}
		return nil, fmt.Errorf("error reading block %d: %w", offset, err)
	}
	return block, nil
}

func (f *Feed) Head(ctx context.Context) ([]byte, error) {
	n := f.Len()
	if n == 0 {
		return nil, feed.ErrEmpty
	}
	return f.Get(ctx, n-1)
}

// Append writes blocks and the new length in one badger transaction.
func (f *Feed) Append(ctx context.Context, blocks ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.length
	err := f.db.Update(func(txn *badger.Txn) error {
		for _, b := range blocks {
			if err := txn.Set(blockKey(next), b); err != nil {
				return err
			}
			next++
		}
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], next)
		return txn.Set(lengthKey, l[:])
	})
	if err != nil {
		f.log.WithFields(logrus.Fields{"offset": f.length, "blocks": len(blocks)}).Errorf("badger append failed: %v", err)
		return fmt.Errorf("error appending %d blocks at %d: %w", len(blocks), f.length, err)
	}
	f.length = next
	close(f.grown)
	f.grown = make(chan struct{})
	return nil
}

// Update waits for an append through this handle to reach minLength.
func (f *Feed) Update(ctx context.Context, minLength uint64) error {
	for {
		f.mu.RLock()
		n, grown := f.length, f.grown
		f.mu.RUnlock()
		if n >= minLength {
			return nil
		}
		select {
		case <-grown:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Feed) Key() []byte {
	k := f.key
	return k[:]
}

func (f *Feed) DiscoveryKey() []byte {
	k := uuid.NewSHA1(uuid.NameSpaceOID, f.key[:])
	return k[:]
}

func (f *Feed) Close() error {
	return f.db.Close()
}
