// Package types holds the identifiers, records and error classes shared by
// every layer of the object store.
package types

import "fmt"

// ObjectID addresses one object. Ids are dense and assigned at commit time;
// a deleted id is never handed out again.
type ObjectID = uint64

// Offset is the position of a block in the feed.
type Offset = uint64

// NoOffset marks a trie slot or a change that has no data block behind it.
const NoOffset Offset = 0

// DataStructureType is written into the feed header so readers can tell an
// object store feed from any other feed.
const DataStructureType = "hyperobjects"

// Change pairs an object id with the offset of the data block that holds its
// new value. Offset is NoOffset for deletions.
type Change struct {
	ID     ObjectID
	Offset Offset
}

func (c Change) String() string {
	return fmt.Sprintf("#%d@%d", c.ID, c.Offset)
}

// Collision records that an object was modified both by the committing
// transaction and by a transaction that committed after its snapshot.
type Collision struct {
	ID         ObjectID
	Own        Offset // offset written by the committing transaction
	Concurrent Offset // offset written by the concurrent commit
}

func (c Collision) String() string {
	return fmt.Sprintf("#%d (own %d, concurrent %d)", c.ID, c.Own, c.Concurrent)
}
