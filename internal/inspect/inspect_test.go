package inspect

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/i5heu/hyperobjects/internal/serialfeed"
	"github.com/i5heu/hyperobjects/pkg/blocks"
	"github.com/i5heu/hyperobjects/pkg/blockstorage"
	"github.com/i5heu/hyperobjects/pkg/feed"
	"github.com/i5heu/hyperobjects/pkg/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populated returns a feed holding two committed transactions.
func populated(t *testing.T) *feed.Memory {
	ctx := context.Background()
	mem := feed.NewMemory()
	s := blockstorage.New(serialfeed.New(mem, serialfeed.Config{}), blockstorage.Config{})
	require.NoError(t, s.Ready(ctx))

	tx, err := transaction.New(ctx, s, blockstorage.Latest, transaction.Config{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := tx.Create(ctx, []byte("value"))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Set(ctx, 3, []byte("changed")))
	require.NoError(t, tx.Commit(ctx))
	return mem
}

func TestVerify(t *testing.T) {
	mem := populated(t)
	r, err := Verify(context.Background(), mem)
	require.NoError(t, err)
	assert.Equal(t, mem.Len(), r.Blocks)
	assert.Equal(t, 3, r.Markers)
	assert.Equal(t, 11, r.Data)
	assert.Equal(t, int(r.Blocks)-1-r.Markers-r.Data, r.Nodes)
}

func TestVerifyReportsProblems(t *testing.T) {
	ctx := context.Background()

	_, err := Verify(ctx, feed.NewMemory())
	assert.True(t, Error.Has(err))

	foreign := feed.NewMemory()
	require.NoError(t, foreign.Append(ctx, blocks.EncodeHeader(blocks.Header{DataStructureType: "other"})))
	_, err = Verify(ctx, foreign)
	assert.ErrorContains(t, err, `"other"`)

	mem := populated(t)
	require.NoError(t, mem.Append(ctx,
		[]byte{0xff},
		blocks.EncodeData([]byte("orphan")),
		blocks.EncodeMarker(blocks.Marker{SequenceNr: 1}),
	))
	_, err = Verify(ctx, mem)
	require.Error(t, err)
	assert.ErrorContains(t, err, "block #")
	assert.ErrorContains(t, err, "does not follow a root node")
	assert.ErrorContains(t, err, "sequenceNr 1 after 3")
}

func TestDump(t *testing.T) {
	mem := populated(t)
	require.NoError(t, mem.Append(context.Background(), []byte{0xff}))

	var buf bytes.Buffer
	require.NoError(t, Dump(context.Background(), mem, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, int(mem.Len()))
	assert.Contains(t, lines[0], `header   dataStructureType="hyperobjects"`)
	assert.Contains(t, lines[1], "node     id=0")
	assert.Contains(t, lines[2], "marker   sequenceNr=1 objectCtr=0")
	assert.Contains(t, lines[len(lines)-1], "invalid")
	assert.Contains(t, buf.String(), "data     7 bytes")
}
