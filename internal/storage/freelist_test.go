package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreelistPendingRelease(t *testing.T) {
	f := NewFreelist()
	f.Retire(5, []Pgno{10, 11})
	f.Retire(7, []Pgno{20})
	assert.Equal(t, 3, f.PendingCount())

	blocked, first := f.Blocked(4)
	assert.Equal(t, 3, blocked)
	assert.EqualValues(t, 5, first)

	assert.Equal(t, 2, f.Release(6))
	assert.Equal(t, 2, f.FreeCount())
	assert.Equal(t, 1, f.PendingCount())

	pg, ok := f.Allocate(2)
	require.True(t, ok)
	assert.EqualValues(t, 10, pg)
	_, ok = f.Allocate(1)
	assert.False(t, ok)
}

func TestFreelistContiguousRuns(t *testing.T) {
	f := NewFreelist()
	f.Free(3, 5, 6, 7, 9)
	pg, ok := f.Allocate(3)
	require.True(t, ok)
	assert.EqualValues(t, 5, pg)
	_, ok = f.Allocate(2)
	assert.False(t, ok)
	assert.Equal(t, []Pgno{3, 9}, f.free)
}

func TestFreelistTrimTail(t *testing.T) {
	f := NewFreelist()
	f.Free(4, 8, 9)
	assert.EqualValues(t, 8, f.TrimTail(10))
	assert.Equal(t, []Pgno{4}, f.free)
	assert.EqualValues(t, 8, f.TrimTail(8))
}

func TestFreelistEncoding(t *testing.T) {
	f := NewFreelist()
	f.Free(3, 4, 100)
	f.Retire(9, []Pgno{50, 51})
	f.Retire(12, []Pgno{60})
	buf := make([]byte, f.encodedSize())
	require.Equal(t, len(buf), f.Encode(buf))

	g, err := DecodeFreelist(buf)
	require.NoError(t, err)
	assert.Equal(t, f.free, g.free)
	assert.Equal(t, f.pending, g.pending)

	_, err = DecodeFreelist(buf[:len(buf)-2])
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestFreelistCloneIsIndependent(t *testing.T) {
	f := NewFreelist()
	f.Free(1, 2)
	f.Retire(3, []Pgno{7})
	c := f.Clone()
	c.Allocate(1)
	c.Release(10)
	assert.Equal(t, 2, f.FreeCount())
	assert.Equal(t, 1, f.PendingCount())
}
