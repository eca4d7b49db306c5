package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type memoryLog struct {
	mu      sync.RWMutex
	blocks  [][]byte
	grown   chan struct{} // closed and replaced on every append
	closed  bool
	key     uuid.UUID
	discKey uuid.UUID
}

// Memory is a Feed held entirely in memory. Replicas created with Replica
// share the same blocks but are read-only, standing in for a copy of the feed
// that is replicated from a remote writer.
type Memory struct {
	log      *memoryLog
	writable bool
}

var (
	_ Feed       = (*Memory)(nil)
	_ Updater    = (*Memory)(nil)
	_ Identifier = (*Memory)(nil)
)

// NewMemory returns an empty writable in-memory feed with a random key.
func NewMemory() *Memory {
	key := uuid.New()
	return &Memory{
		log: &memoryLog{
			grown:   make(chan struct{}),
			key:     key,
			discKey: uuid.NewSHA1(uuid.NameSpaceOID, key[:]),
		},
		writable: true,
	}
}

// Replica returns a read-only view of the same feed.
func (m *Memory) Replica() *Memory {
	return &Memory{log: m.log}
}

func (m *Memory) Ready(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Len() uint64 {
	m.log.mu.RLock()
	defer m.log.mu.RUnlock()
	return uint64(len(m.log.blocks))
}

// Get returns the stored block. The slice must not be modified.
func (m *Memory) Get(ctx context.Context, offset uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.log.mu.RLock()
	defer m.log.mu.RUnlock()
	if m.log.closed {
		return nil, ErrClosed
	}
	if offset >= uint64(len(m.log.blocks)) {
		return nil, fmt.Errorf("get %d of %d: %w", offset, len(m.log.blocks), ErrOutOfRange)
	}
	return m.log.blocks[offset], nil
}

func (m *Memory) Head(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.log.mu.RLock()
	defer m.log.mu.RUnlock()
	if m.log.closed {
		return nil, ErrClosed
	}
	if len(m.log.blocks) == 0 {
		return nil, ErrEmpty
	}
	return m.log.blocks[len(m.log.blocks)-1], nil
}

func (m *Memory) Append(ctx context.Context, blocks ...[]byte) error {
	if !m.writable {
		return ErrNotWritable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	if m.log.closed {
		return ErrClosed
	}
	for _, b := range blocks {
		m.log.blocks = append(m.log.blocks, append([]byte(nil), b...))
	}
	close(m.log.grown)
	m.log.grown = make(chan struct{})
	return nil
}

func (m *Memory) Writable() bool { return m.writable }

// Update waits until the feed holds at least minLength blocks.
func (m *Memory) Update(ctx context.Context, minLength uint64) error {
	for {
		m.log.mu.RLock()
		n, grown, closed := uint64(len(m.log.blocks)), m.log.grown, m.log.closed
		m.log.mu.RUnlock()
		if closed {
			return ErrClosed
		}
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

func (m *Memory) Key() []byte {
	k := m.log.key
	return k[:]
}

func (m *Memory) DiscoveryKey() []byte {
	k := m.log.discKey
	return k[:]
}

// Close releases the blocks. Every view of the feed is closed.
func (m *Memory) Close() error {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	if !m.log.closed {
		m.log.closed = true
		m.log.blocks = nil
		close(m.log.grown)
		m.log.grown = make(chan struct{})
	}
	return nil
}

var _ Closer = (*Memory)(nil)
