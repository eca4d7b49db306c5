package blockstorage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/i5heu/hyperobjects/internal/serialfeed"
	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newStorage(t require.TestingT, config Config) (*Storage, *feed.Memory) {
	mem := feed.NewMemory()
	s := New(serialfeed.New(mem, serialfeed.Config{}), config)
	require.NoError(t, s.Ready(context.Background()))
	return s, mem
}

// save commits changes on top of the latest state.
func save(ctx context.Context, s *Storage, changes []types.Change) error {
	return s.CriticalSection(ctx, func(ctx context.Context, key *serialfeed.LockKey) error {
		m, offset, err := s.FindLatestMarker(ctx)
		if err != nil {
			return err
		}
		return s.SaveChanges(ctx, changes, m, offset-1, key)
	})
}

// write appends one data block per id and commits them.
func write(t *testing.T, s *Storage, values map[types.ObjectID]string) {
	ctx := context.Background()
	var changes []types.Change
	for id, v := range values {
		offset, err := s.AppendObject(ctx, []byte(v), nil)
		require.NoError(t, err)
		changes = append(changes, types.Change{ID: id, Offset: offset})
	}
	require.NoError(t, save(ctx, s, changes))
}

func read(ctx context.Context, s *Storage, id types.ObjectID, head uint64) (string, error) {
	offset, err := s.GetObjectIndex(ctx, id, head)
	if err != nil {
		return "", err
	}
	data, err := s.GetObjectAtIndex(ctx, offset, nil)
	return string(data), err
}

func TestReadyInitializesRoot(t *testing.T) {
	ctx := context.Background()
	s, mem := newStorage(t, Config{})
	require.Equal(t, uint64(3), mem.Len())

	// a second ready on the same feed adds nothing
	require.NoError(t, s.Ready(ctx))
	require.Equal(t, uint64(3), mem.Len())

	m, offset, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), offset)
	assert.Equal(t, uint64(1), m.SequenceNr)
	assert.Equal(t, uint64(0), m.ObjectCtr)

	root, err := s.GetIndexNode(ctx, 0, Latest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), root.Index)
	assert.Equal(t, [blocks.BucketSize]uint64{}, root.Children)
}

func TestNodePath(t *testing.T) {
	for addr, want := range map[uint64][]uint64{
		1:  {0},
		7:  {6},
		8:  {0, 0},
		9:  {0, 1},
		15: {0, 7},
		16: {1, 0},
		63: {6, 7},
		64: {0, 0, 0},
	} {
		assert.Equal(t, want, nodePath(addr), "address %d", addr)
	}
}

func TestSaveAndLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})

	values := map[types.ObjectID]string{}
	for _, id := range []types.ObjectID{0, 1, 7, 8, 63, 64, 511, 512, 10000} {
		values[id] = fmt.Sprintf("v%d", id)
	}
	write(t, s, values)

	for id, want := range values {
		got, err := read(ctx, s, id, Latest)
		require.NoError(t, err, "id %d", id)
		assert.Equal(t, want, got)
	}

	m, _, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.SequenceNr)
	assert.Equal(t, uint64(10001), m.ObjectCtr)
}

func TestRootIsWrittenLast(t *testing.T) {
	ctx := context.Background()
	s, mem := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{9000: "deep", 3: "shallow"})

	_, offset, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	buf, err := mem.Get(ctx, offset-1)
	require.NoError(t, err)
	blk, err := blocks.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, blocks.KindIndexNode, blk.Kind)
	assert.Equal(t, uint64(0), blk.Node.ID)

	// every node of the batch precedes its parent
	var ids []uint64
	for o := offset - 1; ; o-- {
		buf, err := mem.Get(ctx, o)
		require.NoError(t, err)
		blk, err := blocks.Decode(buf)
		require.NoError(t, err)
		if blk.Kind != blocks.KindIndexNode {
			break
		}
		ids = append(ids, blk.Node.ID)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestObjectCounterNeverShrinks(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{100: "a"})
	write(t, s, map[types.ObjectID]string{2: "b"})

	m, _, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), m.ObjectCtr)
	assert.Equal(t, uint64(3), m.SequenceNr)
}

func TestObjectNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{5: "x"})

	for _, id := range []types.ObjectID{4, 6, 40, 100000} {
		_, err := s.GetObjectIndex(ctx, id, Latest)
		require.Error(t, err)
		assert.True(t, types.IsNotFound(err), "id %d: %v", id, err)

		var nf *types.ObjectNotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, id, nf.ID)
	}

	// absent regions resolve to empty nodes carrying their address
	node, err := s.GetIndexNode(ctx, 4242, Latest)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), node.ID)
	assert.Equal(t, uint64(0), node.Index)
}

func TestDeleteClearsSlot(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{1: "a", 2: "b"})
	require.NoError(t, save(ctx, s, []types.Change{{ID: 1, Offset: types.NoOffset}}))

	_, err := read(ctx, s, 1, Latest)
	assert.True(t, types.IsNotFound(err))
	got, err := read(ctx, s, 2, Latest)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	s, mem := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{1: "one", 100: "hundred"})

	_, firstMarker, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	before := snapshot(t, mem)

	write(t, s, map[types.ObjectID]string{1: "uno", 101: "new"})

	// nothing written before the commit changed
	after := snapshot(t, mem)
	require.Greater(t, len(after), len(before))
	assert.Equal(t, before, after[:len(before)])

	// the old root still resolves the old version
	old := firstMarker - 1
	got, err := read(ctx, s, 1, old)
	require.NoError(t, err)
	assert.Equal(t, "one", got)
	_, err = read(ctx, s, 101, old)
	assert.True(t, types.IsNotFound(err))

	got, err = read(ctx, s, 1, Latest)
	require.NoError(t, err)
	assert.Equal(t, "uno", got)
	got, err = read(ctx, s, 100, Latest)
	require.NoError(t, err)
	assert.Equal(t, "hundred", got)

	// a marker offset works as head as well
	got, err = read(ctx, s, 1, firstMarker)
	require.NoError(t, err)
	assert.Equal(t, "one", got)
}

func snapshot(t *testing.T, mem *feed.Memory) []string {
	out := make([]string, mem.Len())
	for i := range out {
		b, err := mem.Get(context.Background(), uint64(i))
		require.NoError(t, err)
		out[i] = string(b)
	}
	return out
}

func TestInvalidType(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})

	_, err := s.GetObjectAtIndex(ctx, 2, nil)
	assert.True(t, types.ErrInvalidType.Has(err), "%v", err)

	_, err = s.GetObjectAtIndex(ctx, 1, nil)
	assert.True(t, types.ErrInvalidType.Has(err), "%v", err)
}

func TestLookupAtNonRootHead(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{3: "three", 700: "deep"})

	_, marker, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	want, err := s.GetObjectIndex(ctx, 3, marker-1)
	require.NoError(t, err)

	// a data block appended after the marker, as an immediate write does
	dataHead, err := s.AppendObject(ctx, []byte("pending"), nil)
	require.NoError(t, err)

	for name, head := range map[string]uint64{"marker": marker, "data block": dataHead} {
		got, err := s.GetObjectIndex(ctx, 3, head)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)

		root, err := s.GetIndexNode(ctx, 0, head)
		require.NoError(t, err, name)
		assert.Equal(t, marker-1, root.Index, name)
	}

	// a head inside a batch resolves against the previous root
	var inner uint64
	for o := marker - 2; ; o-- {
		blk, err := s.fetch(ctx, o)
		require.NoError(t, err)
		if blk.Kind == blocks.KindIndexNode && blk.Node.ID != 0 {
			inner = o
			break
		}
	}
	root, err := s.GetIndexNode(ctx, 0, inner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), root.Index)
	_, err = s.GetObjectIndex(ctx, 3, inner)
	assert.True(t, types.IsNotFound(err), "%v", err)
}

func TestNoRootBeforeHead(t *testing.T) {
	ctx := context.Background()
	mem := feed.NewMemory()
	sf := serialfeed.New(mem, serialfeed.Config{})
	require.NoError(t, sf.Ready(ctx))
	require.NoError(t, sf.Append(ctx, nil, blocks.EncodeData([]byte("x"))))
	s := New(sf, Config{})

	_, err := s.GetObjectIndex(ctx, 0, 1)
	assert.True(t, types.ErrInternal.Has(err), "%v", err)
}

func TestSaveWithoutChangesWritesRoot(t *testing.T) {
	ctx := context.Background()
	s, mem := newStorage(t, Config{})
	write(t, s, map[types.ObjectID]string{2: "two"})
	require.NoError(t, save(ctx, s, nil))

	m, marker, err := s.FindLatestMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.SequenceNr)

	buf, err := mem.Get(ctx, marker-1)
	require.NoError(t, err)
	blk, err := blocks.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, blocks.KindIndexNode, blk.Kind)
	assert.Equal(t, uint64(0), blk.Node.ID)

	got, err := read(ctx, s, 2, Latest)
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestDecodingErrorCarriesOffset(t *testing.T) {
	ctx := context.Background()
	s, _ := newStorage(t, Config{})
	require.NoError(t, s.Feed().Append(ctx, nil, []byte{0xff, 0xff}))

	_, _, err := s.FindLatestMarker(ctx)
	require.Error(t, err)
	assert.True(t, types.ErrDecoding.Has(err))

	var de *types.DecodingError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, uint64(3), de.Offset)
}

func TestNoMarker(t *testing.T) {
	ctx := context.Background()
	mem := feed.NewMemory()
	sf := serialfeed.New(mem, serialfeed.Config{})
	require.NoError(t, sf.Ready(ctx))
	s := New(sf, Config{})

	_, _, err := s.FindLatestMarker(ctx)
	assert.True(t, types.ErrInternal.Has(err), "%v", err)
}

func TestTransformsSeeOffsets(t *testing.T) {
	ctx := context.Background()
	var seen []uint64
	s, _ := newStorage(t, Config{
		OnWrite: func(offset uint64, data []byte) ([]byte, error) {
			seen = append(seen, offset)
			return append([]byte(fmt.Sprintf("%d:", offset)), data...), nil
		},
		OnRead: func(offset uint64, data []byte) ([]byte, error) {
			prefix := fmt.Sprintf("%d:", offset)
			if string(data[:len(prefix)]) != prefix {
				return nil, fmt.Errorf("block %d carries prefix of another offset", offset)
			}
			return data[len(prefix):], nil
		},
	})

	upper := func(_ uint64, data []byte) ([]byte, error) { return append(data, '!'), nil }
	offsets, err := s.AppendObjectBatch(ctx, []Entry{{Data: []byte("a")}, {Data: []byte("b"), Transform: upper}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, offsets)
	assert.Equal(t, []uint64{3, 4}, seen)

	data, err := s.GetObjectAtIndex(ctx, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, "b!", string(data))

	strip := func(_ uint64, data []byte) ([]byte, error) { return data[:len(data)-1], nil }
	data, err = s.GetObjectAtIndex(ctx, 4, strip)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

type trieModel struct {
	s        *Storage
	current  map[types.ObjectID]string
	versions []version
	ctr      int
}

type version struct {
	head   uint64
	values map[types.ObjectID]string
}

func (m *trieModel) commit(t *rapid.T, changes map[types.ObjectID]string) {
	ctx := context.Background()
	var list []types.Change
	for id, v := range changes {
		var offset uint64
		if v != "" {
			var err error
			if offset, err = m.s.AppendObject(ctx, []byte(v), nil); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		list = append(list, types.Change{ID: id, Offset: offset})
	}
	if err := save(ctx, m.s, list); err != nil {
		t.Fatalf("save: %v", err)
	}

	next := make(map[types.ObjectID]string, len(m.current))
	for id, v := range m.current {
		next[id] = v
	}
	for id, v := range changes {
		if v == "" {
			delete(next, id)
		} else {
			next[id] = v
		}
	}
	m.current = next

	_, head, err := m.s.FindLatestMarker(ctx)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	m.versions = append(m.versions, version{head: head, values: next})
}

// check verifies the latest version and one drawn from the history.
func (m *trieModel) check(t *rapid.T) {
	ctx := context.Background()
	if len(m.versions) == 0 {
		return
	}
	picked := []version{m.versions[len(m.versions)-1]}
	picked = append(picked, rapid.SampledFrom(m.versions).Draw(t, "version"))
	for _, v := range picked {
		for id := types.ObjectID(0); id < 600; id += 7 {
			want, ok := v.values[id]
			got, err := read(ctx, m.s, id, v.head)
			if !ok {
				if !types.IsNotFound(err) {
					t.Fatalf("id %d at %d: want not found, got %q %v", id, v.head, got, err)
				}
				continue
			}
			if err != nil || got != want {
				t.Fatalf("id %d at %d: want %q, got %q %v", id, v.head, want, got, err)
			}
		}
	}
}

func TestTrieProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, _ := newStorage(t, Config{})
		m := &trieModel{s: s, current: map[types.ObjectID]string{}}

		t.Repeat(map[string]func(*rapid.T){
			"Write": func(t *rapid.T) {
				changes := map[types.ObjectID]string{}
				n := rapid.IntRange(1, 10).Draw(t, "n")
				for i := 0; i < n; i++ {
					id := types.ObjectID(rapid.IntRange(0, 99).Draw(t, "id")) * 7
					m.ctr++
					changes[id] = fmt.Sprintf("v%d", m.ctr)
				}
				m.commit(t, changes)
			},
			"Delete": func(t *rapid.T) {
				if len(m.current) == 0 {
					t.Skip("nothing to delete")
				}
				id := types.ObjectID(rapid.IntRange(0, 99).Draw(t, "id")) * 7
				m.commit(t, map[types.ObjectID]string{id: ""})
			},
			"": func(t *rapid.T) {
				m.check(t)
			},
		})
	})
}
