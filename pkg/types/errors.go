package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

// Error classes. Every error raised by the store belongs to exactly one of
// them. ErrObjectNotFound and ErrCollision are the two an application is
// expected to handle; the others indicate a defect or corrupted feed.
var (
	ErrDecoding       = errs.Class("decoding")
	ErrInvalidType    = errs.Class("invalid block type")
	ErrObjectNotFound = errs.Class("object not found")
	ErrInternal       = errs.Class("internal")
	ErrCollision      = errs.Class("collision")
)

// DecodingError reports a block whose bytes do not follow the wire format.
type DecodingError struct {
	Offset Offset
	Err    error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("block #%d: %v", e.Offset, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// NewDecodingError wraps a codec failure for the block at offset.
func NewDecodingError(offset Offset, err error) error {
	return ErrDecoding.Wrap(&DecodingError{Offset: offset, Err: err})
}

// ObjectNotFoundError reports an id without an assigned offset at Head.
type ObjectNotFoundError struct {
	ID   ObjectID
	Head Offset
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object #%d not found for transaction at %d", e.ID, e.Head)
}

// NewObjectNotFoundError returns the not-found error for id at head.
func NewObjectNotFoundError(id ObjectID, head Offset) error {
	return ErrObjectNotFound.Wrap(&ObjectNotFoundError{ID: id, Head: head})
}

// CollisionError carries every id that was modified concurrently.
type CollisionError struct {
	Collisions []Collision
	Reason     string
}

func (e *CollisionError) Error() string {
	if len(e.Collisions) == 0 {
		return e.Reason
	}
	ids := make([]string, len(e.Collisions))
	for i, c := range e.Collisions {
		ids[i] = fmt.Sprint(c.ID)
	}
	return "collisions occurred for objects " + strings.Join(ids, ",")
}

// NewCollisionError returns the collision error for the given set.
func NewCollisionError(collisions []Collision) error {
	return ErrCollision.Wrap(&CollisionError{Collisions: collisions})
}

// NewStaleError is raised when the latest state moved after a diff was
// computed and before it could be persisted. It belongs to the collision
// class because the remedy is the same: retry with a fresh transaction.
func NewStaleError(expected, actual Offset) error {
	return ErrCollision.Wrap(&CollisionError{
		Reason: fmt.Sprintf("latest marker moved from %d to %d during merge", expected, actual),
	})
}

// IsNotFound reports whether err means "object does not exist".
func IsNotFound(err error) bool {
	return ErrObjectNotFound.Has(err)
}

// IsCollision reports whether err means "retry the transaction".
func IsCollision(err error) bool {
	return ErrCollision.Has(err)
}

// Collisions extracts the collision set from err, if any.
func Collisions(err error) []Collision {
	var ce *CollisionError
	if errors.As(err, &ce) {
		return ce.Collisions
	}
	return nil
}
