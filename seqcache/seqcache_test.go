package seqcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedlora/batchengine/pagepool"
)

func testPool(numPages int) *pagepool.Pool {
	return pagepool.New(numPages, pagepool.Shape{NumLayers: 1, NumHeads: 1, HeadDim: 4, PageLen: 16})
}

func TestNewAllocatesCeilPages(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 17)
	require.NoError(t, err)
	require.Equal(t, 2, c.NumPages())
	require.Equal(t, int32(17), c.Seqlen())
	require.Equal(t, int32(1), c.LastPageOffset())
}

func TestZeroLenSequence(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 0)
	require.NoError(t, err)
	require.Equal(t, 0, c.NumPages())
	require.Equal(t, int32(0), c.LastPageOffset())
}

func TestAcquireOneAtPageBoundaryAllocatesExactlyOnePage(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 16) // exactly one full page
	require.NoError(t, err)
	require.Equal(t, 1, c.NumPages())
	require.Equal(t, int32(16), c.LastPageOffset())

	require.NoError(t, c.AcquireOne())
	require.Equal(t, 2, c.NumPages())
	require.Equal(t, int32(17), c.Seqlen())
	require.Equal(t, int32(1), c.LastPageOffset())
}

func TestAcquireOneFromEmptyAllocatesFirstPage(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 0)
	require.NoError(t, err)

	require.NoError(t, c.AcquireOne())
	require.Equal(t, 1, c.NumPages())
	require.Equal(t, int32(1), c.Seqlen())
}

func TestAcquireOneWithinPageDoesNotAllocate(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 1)
	require.NoError(t, err)
	require.Equal(t, 1, c.NumPages())

	require.NoError(t, c.AcquireOne())
	require.Equal(t, 1, c.NumPages(), "still within the first page")
	require.Equal(t, int32(2), c.Seqlen())
}

func TestReleaseReturnsPagesToPool(t *testing.T) {
	pool := testPool(2)
	c, err := New(pool, 32)
	require.NoError(t, err)
	require.Equal(t, 2, pool.LiveCount())

	c.Release()
	require.Equal(t, 0, pool.LiveCount())
	require.Equal(t, 0, c.NumPages())
	require.Equal(t, int32(0), c.Seqlen())
}

func TestNeedsNewPageMatchesAcquireBehavior(t *testing.T) {
	pool := testPool(4)
	c, err := New(pool, 16) // exactly full
	require.NoError(t, err)
	require.True(t, c.NeedsNewPage())

	require.NoError(t, c.AcquireOne())
	require.False(t, c.NeedsNewPage(), "mid-page, should not need a new one yet")
}

func TestPoolExhaustedDuringAcquire(t *testing.T) {
	pool := testPool(1)
	c, err := New(pool, 16) // consumes the only page
	require.NoError(t, err)

	err = c.AcquireOne()
	require.ErrorIs(t, err, pagepool.ErrPoolExhausted)
}
