package easyfpga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdPoolAcquireReleaseNeverYieldsZero(t *testing.T) {
	p := NewIdPool()
	seen := make(map[byte]bool)
	for i := 0; i < 254; i++ {
		id, ok := p.Acquire()
		require.True(t, ok)
		assert.NotEqual(t, byte(0), id)
		assert.False(t, seen[id], "id %d handed out twice while still outstanding", id)
		seen[id] = true
	}
	_, ok := p.Acquire()
	assert.False(t, ok, "pool must report empty once all 254 ids are out")
}

func TestIdPoolReleaseMakesIdReusable(t *testing.T) {
	p := NewIdPool()
	id, ok := p.Acquire()
	require.True(t, ok)
	// Free ids form a FIFO queue: drain the other 253 so the released id
	// is the only one left to hand out.
	for i := 0; i < 253; i++ {
		_, ok := p.Acquire()
		require.True(t, ok)
	}
	require.NoError(t, p.Release(id))

	again, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, id, again)
}

func TestIdPoolReleaseZeroIsRejected(t *testing.T) {
	p := NewIdPool()
	err := p.Release(0)
	assert.Error(t, err)
	var e *Error
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, KindInvalidArgument, e.Kind())
}

func TestIdPoolDoubleReleaseIsIgnoredNotFatal(t *testing.T) {
	p := NewIdPool()
	id, ok := p.Acquire()
	require.True(t, ok)
	require.NoError(t, p.Release(id))
	assert.NoError(t, p.Release(id), "releasing an id that is no longer outstanding is a warning, not a fault")
}
