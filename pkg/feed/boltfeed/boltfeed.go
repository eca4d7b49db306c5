// Package boltfeed stores a feed in a single bolt file. Each Append is one
// bolt transaction.
package boltfeed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/i5heu/hyperobjects/internal/diskspace"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/sirupsen/logrus"
)

var (
	defaultTimeout = 1 * time.Second

	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	identityKey  = []byte("key")
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

type Config struct {
	// Path is the bolt database file. Its directory is created if missing.
	Path          string
	MinimumFreeGB int
	Logger        *logrus.Logger
}

type Feed struct {
	log *logrus.Logger
	db  *bolt.DB

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
	if config.Path == "" {
		return nil, errors.New("no path provided in configuration")
	}
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := diskspace.Check(dir, config.MinimumFreeGB, config.Logger); err != nil {
		return nil, fmt.Errorf("error checking config for bolt feed: %w", err)
	}

	db, err := bolt.Open(config.Path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("error opening bolt at %s: %w", config.Path, err)
	}

	f := &Feed{log: config.Logger, db: db, grown: make(chan struct{})}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(blocksBucket)
		if err != nil {
			return err
		}
		f.length = uint64(b.Stats().KeyN)

		m, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if raw := m.Get(identityKey); raw != nil {
			f.key, err = uuid.FromBytes(raw)
			return err
		}
		f.key = uuid.New()
		return m.Put(identityKey, f.key[:])
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing bolt feed: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"path":   config.Path,
		"length": f.length,
		"key":    f.key.String(),
	}).Info("opened bolt feed")
	return f, nil
}

func offsetKey(offset uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], offset)
	return k[:]
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
	var block []byte
	err := f.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(offsetKey(offset))
		if v == nil {
			return fmt.Errorf("get %d: %w", offset, feed.ErrOutOfRange)
		}
		// bolt values are only valid for the life of the transaction
		block = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, feed.ErrClosed
	}
	return block, err
}

func (f *Feed) Head(ctx context.Context) ([]byte, error) {
	n := f.Len()
	if n == 0 {
		return nil, feed.ErrEmpty
	}
	return f.Get(ctx, n-1)
}

func (f *Feed) Append(ctx context.Context, blocks ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.length
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		for _, blk := range blocks {
			if err := b.Put(offsetKey(next), blk); err != nil {
				return err
			}
			next++
		}
		return nil
	})
	if err != nil {
		f.log.WithFields(logrus.Fields{"offset": f.length, "blocks": len(blocks)}).Errorf("bolt append failed: %v", err)
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
