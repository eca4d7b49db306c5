package diskspace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Check(dir, 0, nil))
	assert.ErrorIs(t, Check(dir, math.MaxInt32, nil), ErrNotEnoughSpace)
	assert.Error(t, Check("/does/not/exist/anywhere", 0, nil))
}
