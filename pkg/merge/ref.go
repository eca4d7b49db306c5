package merge

import (
	"context"
	"errors"
	"sync"

	"github.com/i5heu/hyperobjects/pkg/types"
)

var ErrAlreadyResolved = errors.New("merge: object id already resolved")

// ObjectRef is the handle returned for a created object. Its id is assigned
// exactly once, by the merge handler that persists the creation.
type ObjectRef struct {
	once     sync.Once
	mu       sync.Mutex
	id       types.ObjectID
	resolved bool
	done     chan struct{}
}

func NewObjectRef() *ObjectRef {
	return &ObjectRef{done: make(chan struct{})}
}

// ID returns the assigned id and whether it has been assigned yet.
func (r *ObjectRef) ID() (types.ObjectID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.resolved
}

// Resolved is closed once the id is assigned.
func (r *ObjectRef) Resolved() <-chan struct{} { return r.done }

// Wait blocks until the id is assigned.
func (r *ObjectRef) Wait(ctx context.Context) (types.ObjectID, error) {
	select {
	case <-r.done:
		id, _ := r.ID()
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Resolve assigns id. A second call fails.
func (r *ObjectRef) Resolve(id types.ObjectID) error {
	err := ErrAlreadyResolved
	r.once.Do(func() {
		r.mu.Lock()
		r.id, r.resolved = id, true
		r.mu.Unlock()
		close(r.done)
		err = nil
	})
	return err
}
