// Package serialfeed turns a feed.Feed into the primitive the object store
// needs: a length that is only reported once every in-flight operation has
// landed, and a critical section that makes several appends contiguous
// relative to every other writer.
package serialfeed

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/sirupsen/logrus"
)

var ErrUpdateUnsupported = errors.New("serialfeed: feed does not support update")

// LockKey proves that the caller holds the critical section. It is only
// valid inside the function passed to CriticalSection.
type LockKey struct {
	id uint64
}

type Config struct {
	Logger *logrus.Logger
}

type Feed struct {
	feed feed.Feed
	log  *logrus.Logger

	readyMu sync.Mutex
	ready   bool

	// idle is closed whenever pending drops to zero and replaced when the
	// next operation begins.
	mu        sync.Mutex
	idle      chan struct{}
	pending   int
	imbalance bool

	// sem is held for the whole critical section. Blocked senders on a
	// channel are served in arrival order.
	sem      chan struct{}
	lockMu   sync.Mutex
	holder   *LockKey
	released chan struct{}
	keyCtr   uint64
}

func New(f feed.Feed, config Config) *Feed {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	s := &Feed{
		feed: f,
		log:  config.Logger,
		sem:  make(chan struct{}, 1),
	}
	s.idle = make(chan struct{})
	close(s.idle)
	return s
}

// Ready waits until the underlying feed is ready. A writable empty feed gets
// the header block before any other operation may proceed. A failed attempt
// is retried by the next call.
func (s *Feed) Ready(ctx context.Context) error {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ready {
		return nil
	}

	if err := s.feed.Ready(ctx); err != nil {
		return fmt.Errorf("error waiting for feed: %w", err)
	}
	if s.feed.Len() == 0 && s.feed.Writable() {
		header := blocks.EncodeHeader(blocks.Header{DataStructureType: types.DataStructureType})
		if err := s.feed.Append(ctx, header); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}
		s.log.WithFields(logrus.Fields{"feed": s.name()}).Info("wrote feed header")
	}
	s.ready = true
	return nil
}

// Writable reports whether the underlying feed accepts appends.
func (s *Feed) Writable() bool { return s.feed.Writable() }

// Length returns the number of blocks once every pending get, head and append
// has completed. The wait ends early when ctx is done.
func (s *Feed) Length(ctx context.Context) (uint64, error) {
	if err := s.Ready(ctx); err != nil {
		return 0, err
	}
	for {
		s.mu.Lock()
		if s.pending == 0 {
			defer s.mu.Unlock()
			if s.imbalance {
				return 0, types.ErrInternal.New("pending operations out of balance on feed %s", s.name())
			}
			return s.feed.Len(), nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *Feed) Get(ctx context.Context, offset uint64) ([]byte, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.begin()
	defer s.done()
	b, err := s.feed.Get(ctx, offset)
	if err != nil {
		return nil, fmt.Errorf("error reading block %d of feed %s: %w", offset, s.name(), err)
	}
	return b, nil
}

func (s *Feed) Head(ctx context.Context) ([]byte, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	s.begin()
	defer s.done()
	b, err := s.feed.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading head of feed %s: %w", s.name(), err)
	}
	return b, nil
}

// Append writes blocks as one physical append. While a critical section is
// active, the call waits for it to end unless key is the holder's key.
func (s *Feed) Append(ctx context.Context, key *LockKey, blks ...[]byte) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	for {
		s.lockMu.Lock()
		if s.holder == nil || s.holder == key {
			// register while the lock state is known, so a critical section
			// that starts now observes this append through Length
			s.begin()
			s.lockMu.Unlock()
			break
		}
		released := s.released
		s.lockMu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer s.done()

	if err := s.feed.Append(ctx, blks...); err != nil {
		s.log.WithFields(logrus.Fields{"feed": s.name(), "blocks": len(blks)}).Errorf("append failed: %v", err)
		return fmt.Errorf("error appending %d blocks to feed %s: %w", len(blks), s.name(), err)
	}
	s.log.WithFields(logrus.Fields{"blocks": len(blks)}).Debug("appended")
	return nil
}

// CriticalSection runs fn while holding the feed's single exclusive lock.
// Requests queue in arrival order. The lock is released when fn returns,
// whatever the outcome.
func (s *Feed) CriticalSection(ctx context.Context, fn func(ctx context.Context, key *LockKey) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	s.lockMu.Lock()
	s.keyCtr++
	key := &LockKey{id: s.keyCtr}
	s.holder = key
	s.released = make(chan struct{})
	s.lockMu.Unlock()
	s.log.WithFields(logrus.Fields{"lock": key.id}).Debug("entered critical section")

	defer func() {
		s.lockMu.Lock()
		s.holder = nil
		close(s.released)
		s.lockMu.Unlock()
		s.log.WithFields(logrus.Fields{"lock": key.id}).Debug("left critical section")
	}()

	return fn(ctx, key)
}

// Update waits until the feed holds at least minLength blocks, for feeds
// that learn about blocks written elsewhere. A zero timeout waits as long as
// ctx allows. Expiry does not affect the lock state.
func (s *Feed) Update(ctx context.Context, minLength uint64, timeout time.Duration) error {
	u, ok := s.feed.(feed.Updater)
	if !ok {
		return ErrUpdateUnsupported
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := u.Update(ctx, minLength); err != nil {
		s.log.WithFields(logrus.Fields{"feed": s.name(), "minLength": minLength}).Warnf("update failed: %v", err)
		return fmt.Errorf("error updating feed %s: %w", s.name(), err)
	}
	return nil
}

func (s *Feed) begin() {
	s.mu.Lock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()
}

func (s *Feed) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		// idle is already closed
		s.imbalance = true
		return
	}
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// name identifies the feed in diagnostics.
func (s *Feed) name() string {
	if id, ok := s.feed.(feed.Identifier); ok {
		k := id.DiscoveryKey()
		if len(k) > 8 {
			k = k[:8]
		}
		return hex.EncodeToString(k)
	}
	return "unnamed"
}
